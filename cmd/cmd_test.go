package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/timewall/internal/firewall"
)

const testPolicyTemplate = `{
  "interfaces": {"lan": "eth0", "wan": "eth1"},
  "hosts": {"nas": "192.168.1.10"},
  "options": {"resolver": "static", "mock_interfaces": %q},
  "chains": {
    "filter.INPUT": {
      "default": "drop",
      "rules": [
        {"action": "accept", "src-if": "lan", "dest-service": "%s", "comment": "lan admin"}
      ]
    },
    "nat.PREROUTING": {
      "rules": [
        {"action": "port-forward", "dest-ifaddr": "wan", "dest-service": "8080/tcp", "forward-to": "nas:80"}
      ]
    }
  }
}
`

// writeTestPolicy creates a policy whose admin rule allows service.
func writeTestPolicy(t *testing.T, dir, service string) string {
	t.Helper()
	ifaces := filepath.Join(dir, "ifaces")
	require.NoError(t, os.MkdirAll(ifaces, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ifaces, "eth1"),
		[]byte("    inet 203.0.113.7/24 brd 203.0.113.255 scope global eth1\n"), 0o644))

	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testPolicyTemplate, ifaces, service)), 0o644))
	return path
}

func testOptions(t *testing.T) CompileOptions {
	dir := t.TempDir()
	return CompileOptions{
		PolicyFile:   writeTestPolicy(t, dir, "ssh"),
		ServicesFile: filepath.Join(dir, "no-services"),
	}
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

type recordingApplier struct {
	mu    sync.Mutex
	calls [][]firewall.RenderedBundle
	err   error
}

func (a *recordingApplier) Apply(_ context.Context, bundles []firewall.RenderedBundle) (firewall.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, bundles)
	if a.err != nil {
		return firewall.ApplyResult{}, a.err
	}
	return firewall.ApplyResult{Bundles: len(bundles), Commands: countCommands(bundles)}, nil
}

func (a *recordingApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func useApplier(t *testing.T, a firewall.Applier) {
	t.Helper()
	old := newApplier
	newApplier = func(string, string) (firewall.Applier, error) { return a, nil }
	t.Cleanup(func() { newApplier = old })
}

func joined(bundles []firewall.RenderedBundle) []string {
	var out []string
	for _, b := range bundles {
		for _, c := range b.Commands {
			out = append(out, strings.Join(c, " "))
		}
	}
	return out
}

func TestCompilePolicy(t *testing.T) {
	out, err := compilePolicy(context.Background(), testOptions(t))
	require.NoError(t, err)

	cmds := joined(out.Rendered)
	require.NotEmpty(t, cmds)
	assert.Equal(t, "-P INPUT DROP", cmds[0])
	assert.Equal(t, "-F INPUT", cmds[1])
	assert.Equal(t, "-t nat -F PREROUTING", cmds[2])

	var admin, forward string
	for _, c := range cmds {
		if strings.HasPrefix(c, "-A INPUT") {
			admin = c
		}
		if strings.HasPrefix(c, "-t nat -A PREROUTING") {
			forward = c
		}
	}
	assert.Contains(t, admin, "-i eth0")
	assert.Contains(t, admin, "--dport 22")
	assert.Contains(t, admin, "-j ACCEPT")
	assert.Contains(t, forward, "203.0.113.7")
	assert.Contains(t, forward, "--to 192.168.1.10:80")

	assert.Equal(t, "lan admin", out.Rendered[1].Name)
	assert.Empty(t, out.Skipped)
}

func TestCompilePolicyErrors(t *testing.T) {
	dir := t.TempDir()
	opts := CompileOptions{
		PolicyFile:   writeTestPolicy(t, dir, "no-such-service"),
		ServicesFile: filepath.Join(dir, "no-services"),
	}

	_, err := compilePolicy(context.Background(), opts)
	require.Error(t, err)

	opts.IgnoreErrors = true
	out, err := compilePolicy(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, out.Skipped, 1)

	_, err = compilePolicy(context.Background(), CompileOptions{PolicyFile: filepath.Join(dir, "missing.json")})
	assert.ErrorContains(t, err, "failed to load policy")
}

func TestRunScript(t *testing.T) {
	opts := testOptions(t)
	output := filepath.Join(t.TempDir(), "firewall.sh")

	require.NoError(t, RunScript(context.Background(), opts, output))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "#!/bin/bash\n"))
	assert.Contains(t, string(data), "\n# lan admin\n")
	assert.Contains(t, string(data), "iptables -P INPUT DROP\n")

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestRunScriptStdout(t *testing.T) {
	buf := captureStdout(t)
	require.NoError(t, RunScript(context.Background(), testOptions(t), "-"))
	assert.True(t, strings.HasPrefix(buf.String(), "#!/bin/bash\n"))
}

func TestRunCheck(t *testing.T) {
	buf := captureStdout(t)
	opts := testOptions(t)

	require.NoError(t, RunCheck(context.Background(), opts, true))
	out := buf.String()
	assert.Contains(t, out, "Policy valid!")
	assert.Contains(t, out, "Format: json")
	assert.Contains(t, out, "Chains: 2")
	assert.Contains(t, out, "Rule entries: 2")
	assert.Contains(t, out, "# lan admin")
	assert.Contains(t, out, "template 0:")

	assert.Error(t, RunCheck(context.Background(), CompileOptions{}, false))
}

func TestRunDiff(t *testing.T) {
	buf := captureStdout(t)
	opts := testOptions(t)
	script := filepath.Join(t.TempDir(), "firewall.sh")
	require.NoError(t, RunScript(context.Background(), opts, script))

	require.NoError(t, RunDiff(context.Background(), opts, script))
	assert.Contains(t, buf.String(), "No changes detected.")

	writeTestPolicy(t, filepath.Dir(opts.PolicyFile), "https")
	buf.Reset()
	err := RunDiff(context.Background(), opts, script)
	assert.ErrorIs(t, err, ErrScriptDiffers)
	assert.Contains(t, buf.String(), "--dport 22")
	assert.Contains(t, buf.String(), "--dport 443")
}

func TestRunOneshot(t *testing.T) {
	buf := captureStdout(t)
	a := &recordingApplier{}
	useApplier(t, a)

	require.NoError(t, RunOneshot(context.Background(), testOptions(t), BackendExec))
	require.Equal(t, 1, a.callCount())
	assert.Contains(t, joined(a.calls[0]), "-F INPUT")
	assert.Contains(t, buf.String(), "Applied")

	a.err = fmt.Errorf("exit status 4")
	assert.ErrorContains(t, RunOneshot(context.Background(), testOptions(t), BackendExec), "apply failed")
}

func TestNewApplierUnknownBackend(t *testing.T) {
	_, err := newApplier("nft", "iptables")
	assert.Error(t, err)

	a, err := newApplier(BackendExec, "iptables-legacy")
	require.NoError(t, err)
	assert.Equal(t, "iptables-legacy", a.(*firewall.ExecApplier).Binary)
}
