package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/timewall/internal/firewall"
)

// ErrScriptDiffers is returned by RunDiff when the script is out of date.
var ErrScriptDiffers = errors.New("script differs from compiled policy")

// RunDiff compares an existing script with a fresh rendering of the policy.
// Header lines that change on every compilation are ignored.
func RunDiff(ctx context.Context, opts CompileOptions, scriptFile string) error {
	existing, err := os.ReadFile(scriptFile)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	out, err := compilePolicy(ctx, opts)
	if err != nil {
		return err
	}
	fresh := firewall.BuildScript(out.Ruleset, out.scriptOptions(opts.Verbose))

	a := stripVolatile(string(existing))
	b := stripVolatile(fresh)
	if a == b {
		Printer.Fprintln(stdout, "No changes detected.")
		return nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: scriptFile,
		ToFile:   opts.PolicyFile + " (compiled)",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, text)
	return ErrScriptDiffers
}

func stripVolatile(script string) string {
	lines := strings.Split(script, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !firewall.IsVolatileScriptLine(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
