package cmd

import (
	"context"
	"fmt"

	"grimm.is/timewall/internal/clock"
	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/metrics"
)

// Apply backends.
const (
	BackendExec     = "exec"
	BackendIPTables = "iptables"
)

// newApplier returns the applier for backend. Tests replace it.
var newApplier = func(backend, binary string) (firewall.Applier, error) {
	switch backend {
	case "", BackendExec:
		return firewall.NewExecApplier(binary), nil
	case BackendIPTables:
		return firewall.NewIPTablesApplier()
	}
	return nil, fmt.Errorf("unknown backend %q (want %s or %s)", backend, BackendExec, BackendIPTables)
}

// RunOneshot compiles the policy once and installs every command.
func RunOneshot(ctx context.Context, opts CompileOptions, backend string) error {
	out, err := compilePolicy(ctx, opts)
	if err != nil {
		return err
	}
	applier, err := newApplier(backend, out.Document.Options.Binary())
	if err != nil {
		return err
	}

	res, err := applyRendered(ctx, applier, backend, out.Rendered)
	if err != nil {
		return err
	}
	Printer.Fprintf(stdout, "Applied %d commands from %d bundles\n", res.Commands, res.Bundles)
	return nil
}

func applyRendered(ctx context.Context, applier firewall.Applier, backend string, bundles []firewall.RenderedBundle) (firewall.ApplyResult, error) {
	if backend == "" {
		backend = BackendExec
	}
	res, err := applier.Apply(ctx, bundles)
	metrics.Get().RecordApply(backend, res.Commands, clock.Now(), err)
	if err != nil {
		return res, fmt.Errorf("apply failed after %d commands: %w", res.Commands, err)
	}
	return res, nil
}
