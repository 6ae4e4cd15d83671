package cmd

import (
	"context"
	"fmt"

	"grimm.is/timewall/internal/brand"
)

// RunCheck compiles the policy and prints a summary. With verbose set every
// template's axes are listed as well.
func RunCheck(ctx context.Context, opts CompileOptions, verbose bool) error {
	if opts.PolicyFile == "" {
		return fmt.Errorf("usage: %s check [-v] <policy-file>", brand.BinaryName)
	}

	out, err := compilePolicy(ctx, opts)
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}

	doc := out.Document
	Printer.Fprintf(stdout, "Policy valid!\n")
	Printer.Fprintf(stdout, "Format: %s\n", out.Format)
	Printer.Fprintf(stdout, "Chains: %d\n", len(doc.Chains))
	Printer.Fprintf(stdout, "Rule entries: %d\n", doc.RuleCount())
	Printer.Fprintf(stdout, "Interfaces: %d\n", len(doc.Interfaces))
	Printer.Fprintf(stdout, "Bundles: %d\n", len(out.Rendered))
	Printer.Fprintf(stdout, "Commands: %d\n", countCommands(out.Rendered))
	Printer.Fprintf(stdout, "Fingerprint: %s\n", out.Ruleset.Fingerprint())

	for _, w := range out.Warnings {
		Printer.Fprintf(stdout, "Warning: %s\n", w)
	}
	for _, err := range out.Skipped {
		Printer.Fprintf(stdout, "Skipped: %v\n", err)
	}

	if verbose {
		for _, b := range out.Ruleset.Bundles() {
			Printer.Fprintf(stdout, "\n# %s\n", b.Name())
			for i, r := range b.Rules() {
				Printer.Fprintf(stdout, "  template %d:\n", i)
				r.Dump(stdout, "    ")
			}
		}
	}
	return nil
}
