package firewall

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/timewall/internal/clock"
	"grimm.is/timewall/internal/logging"
	"grimm.is/timewall/internal/policy"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, name string) ([]string, error) {
	addrs, ok := f[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

type fakeAddrs map[string][]string

func (f fakeAddrs) InterfaceAddrs(_ context.Context, device string) ([]netip.Prefix, error) {
	raw, ok := f[device]
	if !ok {
		return nil, errors.New("no such device")
	}
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out, nil
}

// Wednesday 2026-10-14 15:00 UTC
var compileTime = time.Date(2026, time.October, 14, 15, 0, 0, 0, time.UTC)

func testCompiler(opts ...Option) *Compiler {
	env := Environment{
		Catalog: testCatalog,
		Resolver: fakeResolver{
			"mirror.example.com": {"198.51.100.2", "198.51.100.1"},
			"ns.example.com":     {"192.0.2.53"},
			"empty.example.com":  {},
		},
		Addresses: fakeAddrs{
			"eth0": {"192.168.1.1/24", "fe80::1/64"},
			"eth1": {"203.0.113.7/24"},
		},
	}
	base := []Option{
		WithClock(clock.NewMockClock(compileTime)),
		WithLogger(logging.Discard()),
	}
	return NewCompiler(env, append(base, opts...)...)
}

func testDocument(chain string, entries ...policy.Entry) *policy.Document {
	return &policy.Document{
		Chains:     []policy.ChainSpec{{Name: chain, Rules: entries}},
		Interfaces: map[string]string{"lan": "eth0", "wan": "eth1", "dmz": "eth2"},
		Hosts: map[string][]string{
			"nas":  {"192.168.1.10"},
			"pool": {"10.0.0.5", "10.0.0.6"},
		},
	}
}

// ruleCommands compiles doc and returns the commands of every bundle after
// the chain initialization bundle.
func ruleCommands(t *testing.T, c *Compiler, doc *policy.Document) ([][]string, *Ruleset) {
	t.Helper()
	rs, err := c.Compile(context.Background(), doc)
	require.NoError(t, err)

	var cmds [][]string
	for _, rb := range rs.Render()[1:] {
		cmds = append(cmds, rb.Commands...)
	}
	return cmds, rs
}

func TestCompileCrossProduct(t *testing.T) {
	cmds, _ := ruleCommands(t, testCompiler(), testDocument("filter.INPUT", policy.Entry{
		"action": "accept",
		"proto":  "tcp,udp",
		"src-if": "lan,wan",
	}))

	want := [][]string{
		{"-A", "INPUT", "-p", "tcp", "-i", "eth0", "-j", "ACCEPT"},
		{"-A", "INPUT", "-p", "tcp", "-i", "eth1", "-j", "ACCEPT"},
		{"-A", "INPUT", "-p", "udp", "-i", "eth0", "-j", "ACCEPT"},
		{"-A", "INPUT", "-p", "udp", "-i", "eth1", "-j", "ACCEPT"},
	}
	if diff := cmp.Diff(want, cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileEmission(t *testing.T) {
	tests := []struct {
		name  string
		chain string
		entry policy.Entry
		want  [][]string
	}{
		{
			name:  "named service with comment",
			chain: "filter.INPUT",
			entry: policy.Entry{"action": "accept", "dest-service": "http", "comment": "web"},
			want: [][]string{
				{"-A", "INPUT", "-p", "tcp", "--dport", "80", "-j", "ACCEPT", "-m", "comment", "--comment", "web"},
			},
		},
		{
			name:  "multiport singles and ranges",
			chain: "filter.INPUT",
			entry: policy.Entry{"action": "drop", "src-service": "1/tcp, 3/tcp, 10-12/tcp"},
			want: [][]string{
				{"-A", "INPUT", "-p", "tcp", "--match", "multiport", "--sports", "1,3", "-j", "DROP"},
				{"-A", "INPUT", "-p", "tcp", "--match", "multiport", "--sports", "10:12", "-j", "DROP"},
			},
		},
		{
			name:  "lone single next to a range",
			chain: "filter.INPUT",
			entry: policy.Entry{"action": "accept", "dest-service": []any{"22/tcp", "6000-6001/tcp"}},
			want: [][]string{
				{"-A", "INPUT", "-p", "tcp", "--dport", "22", "-j", "ACCEPT"},
				{"-A", "INPUT", "-p", "tcp", "--match", "multiport", "--dports", "6000:6001", "-j", "ACCEPT"},
			},
		},
		{
			name:  "icmp types",
			chain: "filter.INPUT",
			entry: policy.Entry{"action": "accept", "icmp-type": "ping,pong"},
			want: [][]string{
				{"-A", "INPUT", "-p", "icmp", "--icmp-type", "echo-request", "-j", "ACCEPT"},
				{"-A", "INPUT", "-p", "icmp", "--icmp-type", "echo-reply", "-j", "ACCEPT"},
			},
		},
		{
			name:  "log with message",
			chain: "filter.INPUT",
			entry: policy.Entry{"action": "log", "msg": "dropped", "src-host": "nas"},
			want: [][]string{
				{"-A", "INPUT", "-s", "192.168.1.10", "-j", "LOG", "--log-prefix", "dropped: "},
			},
		},
		{
			name:  "hosts resolve sorted and merged",
			chain: "filter.OUTPUT",
			entry: policy.Entry{"action": "accept", "dest-host": "mirror.example.com, 192.0.2.9, nas"},
			want: [][]string{
				{"-A", "OUTPUT", "-d", "192.0.2.9", "-j", "ACCEPT"},
				{"-A", "OUTPUT", "-d", "192.168.1.10", "-j", "ACCEPT"},
				{"-A", "OUTPUT", "-d", "198.51.100.1", "-j", "ACCEPT"},
				{"-A", "OUTPUT", "-d", "198.51.100.2", "-j", "ACCEPT"},
			},
		},
		{
			name:  "network and interface address",
			chain: "filter.FORWARD",
			entry: policy.Entry{"action": "accept", "src-net": "lan", "dest-ifaddr": "wan", "dest-if": "wan"},
			want: [][]string{
				{"-A", "FORWARD", "-s", "192.168.1.0/24", "-o", "eth1", "-d", "203.0.113.7", "-j", "ACCEPT"},
			},
		},
		{
			name:  "excluded interface",
			chain: "filter.INPUT",
			entry: policy.Entry{"action": "drop", "src-if": "!lan"},
			want: [][]string{
				{"-A", "INPUT", "-i", "eth1", "-j", "DROP"},
				{"-A", "INPUT", "-i", "eth2", "-j", "DROP"},
			},
		},
		{
			name:  "state criterion in mangle",
			chain: "prerouting",
			entry: policy.Entry{"action": "accept", "criterion": map[string]any{"type": "state", "state": "established,related"}},
			want: [][]string{
				{"-t", "mangle", "-A", "PREROUTING", "--match", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			},
		},
		{
			name:  "masquerade",
			chain: "nat.POSTROUTING",
			entry: policy.Entry{"action": "masquerade", "dest-if": "wan", "_note": "ignored"},
			want: [][]string{
				{"-t", "nat", "-A", "POSTROUTING", "-o", "eth1", "-j", "MASQUERADE"},
			},
		},
		{
			name:  "port forward with relative range",
			chain: "nat.PREROUTING",
			entry: policy.Entry{
				"action":       "port-forward",
				"dest-ifaddr":  "wan",
				"dest-service": "8000-8010/tcp",
				"forward-to":   "10.0.0.5:+100",
			},
			want: [][]string{
				{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", "8000:8010", "-j", "DNAT", "--to", "10.0.0.5:8100-8110/8000", "-d", "203.0.113.7"},
			},
		},
		{
			name:  "port forward to a single port",
			chain: "nat.PREROUTING",
			entry: policy.Entry{
				"action":       "port-forward",
				"dest-ifaddr":  "wan",
				"dest-service": "2222/tcp",
				"forward-to":   "nas:22",
			},
			want: [][]string{
				{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", "2222", "-j", "DNAT", "--to", "192.168.1.10:22", "-d", "203.0.113.7"},
			},
		},
		{
			name:  "port forward keeps ports",
			chain: "nat.PREROUTING",
			entry: policy.Entry{
				"action":       "port-forward",
				"dest-ifaddr":  "wan",
				"dest-service": "http, https",
				"forward-to":   "ns.example.com",
			},
			want: [][]string{
				{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", "80", "-j", "DNAT", "--to", "192.0.2.53", "-d", "203.0.113.7"},
				{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", "443", "-j", "DNAT", "--to", "192.0.2.53", "-d", "203.0.113.7"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmds, _ := ruleCommands(t, testCompiler(), testDocument(tc.chain, tc.entry))
			if diff := cmp.Diff(tc.want, cmds); diff != "" {
				t.Errorf("commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name  string
		entry policy.Entry
		kind  error
	}{
		{"missing action", policy.Entry{"proto": "tcp"}, ErrIncompatibleOptions},
		{"unknown action", policy.Entry{"action": "tarpit"}, ErrUnknownField},
		{"unknown key", policy.Entry{"action": "accept", "service": "http"}, ErrUnknownField},
		{"proto with dest-service", policy.Entry{"action": "accept", "proto": "tcp", "dest-service": "http"}, ErrIncompatibleOptions},
		{"proto with src-service", policy.Entry{"action": "accept", "proto": "tcp", "src-service": "http"}, ErrIncompatibleOptions},
		{"proto with icmp-type", policy.Entry{"action": "accept", "proto": "icmp", "icmp-type": "ping"}, ErrIncompatibleOptions},
		{"unknown interface", policy.Entry{"action": "accept", "src-if": "guest"}, ErrUnknownInterface},
		{"bad time window", policy.Entry{"action": "accept", "cond": "8-lunch"}, ErrInvalidTimeWindow},
		{"ambiguous service", policy.Entry{"action": "accept", "dest-service": "domain"}, ErrAmbiguousService},
		{
			"port forward without forward-to",
			policy.Entry{"action": "port-forward", "dest-ifaddr": "wan", "dest-service": "80/tcp"},
			ErrIncompatibleOptions,
		},
		{
			"port forward without dest-ifaddr",
			policy.Entry{"action": "port-forward", "dest-service": "80/tcp", "forward-to": "nas"},
			ErrIncompatibleOptions,
		},
		{
			"port forward without dest-service",
			policy.Entry{"action": "port-forward", "dest-ifaddr": "wan", "forward-to": "nas"},
			ErrIncompatibleOptions,
		},
		{
			"absolute port with two spans",
			policy.Entry{"action": "port-forward", "dest-ifaddr": "wan", "dest-service": "80/tcp, 90-95/tcp", "forward-to": "nas:8080"},
			ErrIncompatibleOptions,
		},
		{
			"forward target with two addresses",
			policy.Entry{"action": "port-forward", "dest-ifaddr": "wan", "dest-service": "80/tcp", "forward-to": "pool"},
			ErrIncompatibleOptions,
		},
		{
			"forward target unresolvable",
			policy.Entry{"action": "port-forward", "dest-ifaddr": "wan", "dest-service": "80/tcp", "forward-to": "empty.example.com"},
			ErrIncompatibleOptions,
		},
		{
			"relative mapping out of range",
			policy.Entry{"action": "port-forward", "dest-ifaddr": "wan", "dest-service": "65000/tcp", "forward-to": "nas:+1000"},
			ErrIncompatibleOptions,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := testCompiler().Compile(context.Background(), testDocument("nat.PREROUTING", tc.entry))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)

			var pe *PolicyError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "nat.PREROUTING", pe.Chain)
			assert.NotEmpty(t, pe.Entry)
		})
	}
}

func TestCompileExcludedInterfaceDropsSharedDevice(t *testing.T) {
	doc := testDocument("filter.INPUT", policy.Entry{"action": "drop", "src-if": "!wan"})
	doc.Interfaces["uplink"] = "eth1"

	cmds, _ := ruleCommands(t, testCompiler(), doc)
	assert.Equal(t, [][]string{
		{"-A", "INPUT", "-i", "eth0", "-j", "DROP"},
		{"-A", "INPUT", "-i", "eth2", "-j", "DROP"},
	}, cmds)
}

func TestCompileRelativeForwardAcrossSpans(t *testing.T) {
	cmds, _ := ruleCommands(t, testCompiler(), testDocument("nat.PREROUTING", policy.Entry{
		"action":       "port-forward",
		"dest-ifaddr":  "wan",
		"dest-service": "80/tcp, 90-91/tcp",
		"forward-to":   "nas:+8000",
	}))
	assert.Equal(t, [][]string{
		{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", "80", "-j", "DNAT", "--to", "192.168.1.10:8080", "-d", "203.0.113.7"},
		{"-t", "nat", "-A", "PREROUTING", "-p", "tcp", "--dport", "90:91", "-j", "DNAT", "--to", "192.168.1.10:8090-8091/90", "-d", "203.0.113.7"},
	}, cmds)
}

func TestCompileConditionGating(t *testing.T) {
	doc := testDocument("filter.INPUT",
		policy.Entry{"action": "accept", "dest-service": "http", "cond": "8-13"},
		policy.Entry{"action": "accept", "dest-service": "https", "cond": map[string]any{"timewindow": "14-16"}},
	)

	rs, err := testCompiler().Compile(context.Background(), doc)
	require.NoError(t, err)

	rendered := rs.Render()
	require.Len(t, rendered, 2, "the office-hours rule must be skipped at 15:00")
	assert.Equal(t, [][]string{{"-A", "INPUT", "-p", "tcp", "--dport", "443", "-j", "ACCEPT"}}, rendered[1].Commands)
	assert.NoError(t, rs.SkippedErrors())
}

func TestCompileChainInitialization(t *testing.T) {
	doc := &policy.Document{
		Chains: []policy.ChainSpec{
			{Name: "filter.INPUT", Default: "drop"},
			{Name: "nat.PREROUTING"},
			{Name: "filter.FORWARD", Default: "accept"},
		},
	}
	rs, err := testCompiler().Compile(context.Background(), doc)
	require.NoError(t, err)

	rendered := rs.Render()
	require.Len(t, rendered, 1)
	assert.Equal(t, ChainInitBundle, rendered[0].Name)
	assert.Equal(t, [][]string{
		{"-P", "INPUT", "DROP"},
		{"-F", "INPUT"},
		{"-t", "nat", "-F", "PREROUTING"},
		{"-P", "FORWARD", "ACCEPT"},
		{"-F", "FORWARD"},
	}, rendered[0].Commands)
}

func TestCompileDatapoints(t *testing.T) {
	doc := testDocument("filter.INPUT")
	doc.Source = policy.Source{
		ModTime:     time.UnixMicro(1700000000123456),
		Fingerprint: "abc123",
	}

	rs, err := testCompiler().Compile(context.Background(), doc)
	require.NoError(t, err)

	names := make([]string, 0, 4)
	for _, dp := range rs.Datapoints() {
		names = append(names, dp.Name)
	}
	assert.Equal(t, []string{DatapointMTime, DatapointSHA256, DatapointCompileID, DatapointCompiled}, names)

	mtime, _ := rs.Datapoint(DatapointMTime)
	assert.Equal(t, "1700000000123456", mtime)
	sum, _ := rs.Datapoint(DatapointSHA256)
	assert.Equal(t, "abc123", sum)
	id, _ := rs.Datapoint(DatapointCompileID)
	assert.Len(t, id, 36)
	at, _ := rs.Datapoint(DatapointCompiled)
	assert.Equal(t, "2026-10-14T15:00:00Z", at)
	assert.Equal(t, compileTime, rs.CompiledAt())
}

func TestCompileBundleNames(t *testing.T) {
	rs, err := testCompiler().Compile(context.Background(), testDocument("filter.INPUT",
		policy.Entry{"action": "accept", "comment": "allow web", "dest-service": "http"},
		policy.Entry{"action": "drop", "src-if": "wan"},
	))
	require.NoError(t, err)

	bundles := rs.Bundles()
	require.Len(t, bundles, 3)
	assert.Equal(t, "allow web", bundles[1].Name())
	assert.Equal(t, `{"action":"drop","src-if":"wan"}`, bundles[2].Name())
}

func TestCompileIgnoreErrors(t *testing.T) {
	doc := testDocument("filter.INPUT",
		policy.Entry{"action": "accept", "bogus": true},
		policy.Entry{"action": "accept", "dest-service": "http"},
		policy.Entry{"action": "accept", "dest-service": "8080"},
	)

	_, err := testCompiler().Compile(context.Background(), doc)
	require.ErrorIs(t, err, ErrUnknownField)

	rs, err := testCompiler(WithIgnoreErrors(true)).Compile(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, rs.Bundles(), 2)

	skipped := rs.SkippedErrors()
	require.Error(t, skipped)
	assert.ErrorIs(t, skipped, ErrUnknownField)
	assert.ErrorIs(t, skipped, ErrProtocolOmitted)
}

func TestCompileWarnings(t *testing.T) {
	doc := testDocument("filter.INPUT",
		policy.Entry{"action": "accept", "src-host": "unknown.example.com"},
		policy.Entry{"action": "accept", "src-if": "!guest"},
		policy.Entry{"action": "accept", "src-net": "dmz"},
	)

	rs, err := testCompiler().Compile(context.Background(), doc)
	require.NoError(t, err)

	warnings := strings.Join(rs.Warnings(), "\n")
	assert.Contains(t, warnings, "unable to resolve hostname host=unknown.example.com")
	assert.Contains(t, warnings, "excluded interface is not configured")
	assert.Contains(t, warnings, "cannot determine interface addresses device=eth2")

	// The unresolvable host and the address-less network leave empty axes.
	rendered := rs.Render()
	require.Len(t, rendered, 4)
	assert.Empty(t, rendered[1].Commands)
	assert.Len(t, rendered[1].Warnings, 1)
	assert.Len(t, rendered[2].Commands, 3)
	assert.Empty(t, rendered[3].Commands)
	assert.Len(t, rendered[3].Warnings, 1)
}

func TestCompileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testCompiler().Compile(ctx, testDocument("filter.INPUT", policy.Entry{"action": "accept"}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompileDefaultCatalog(t *testing.T) {
	c := NewCompiler(Environment{}, WithLogger(logging.Discard()), WithClock(clock.NewMockClock(compileTime)))
	cmds, _ := ruleCommands(t, c, testDocument("filter.INPUT", policy.Entry{"action": "accept", "dest-service": "ssh"}))
	assert.Equal(t, [][]string{{"-A", "INPUT", "-p", "tcp", "--dport", "22", "-j", "ACCEPT"}}, cmds)
}
