package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/logging"
)

// RunScript compiles the policy and writes the resulting shell script to
// output, or to stdout when output is "-".
func RunScript(ctx context.Context, opts CompileOptions, output string) error {
	out, err := compilePolicy(ctx, opts)
	if err != nil {
		return err
	}
	script := firewall.BuildScript(out.Ruleset, out.scriptOptions(opts.Verbose))

	if output == "-" {
		_, err := io.WriteString(stdout, script)
		return err
	}
	if err := writeFileAtomic(output, []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	logging.WithComponent("cmd").Info("script written", "file", output, "commands", countCommands(out.Rendered))
	return nil
}

// writeFileAtomic replaces path so readers never see a partial script.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
