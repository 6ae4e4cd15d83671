package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"grimm.is/timewall/internal/brand"
	"grimm.is/timewall/internal/logging"
)

// Applier installs rendered bundles, in order, stopping at the first
// command that fails.
type Applier interface {
	Apply(ctx context.Context, bundles []RenderedBundle) (ApplyResult, error)
}

// ApplyResult counts what an Apply call installed. RolledBack is set when a
// failed apply was undone from the checkpoint taken before it started.
type ApplyResult struct {
	Bundles    int
	Commands   int
	RolledBack bool
}

// ApplyError identifies the command that stopped an Apply.
type ApplyError struct {
	Bundle  string
	Command []string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying %q: %s: %v", e.Bundle, strings.Join(e.Command, " "), e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// ExecApplier runs each command as a separate filter tool invocation. With
// Rollback set, the tables are saved first and restored if a command fails.
type ExecApplier struct {
	Binary   string
	Runner   CommandRunner
	Retry    RetryConfig
	Rollback bool
	Logger   *logging.Logger
}

// NewExecApplier creates an applier running binary through the default
// command runner.
func NewExecApplier(binary string) *ExecApplier {
	if binary == "" {
		binary = brand.FilterBinary
	}
	return &ExecApplier{
		Binary: binary,
		Runner: DefaultCommandRunner,
		Retry:    DefaultRetryConfig(),
		Rollback: true,
		Logger:   logging.WithComponent("apply"),
	}
}

// Apply runs every command of bundles.
func (a *ExecApplier) Apply(ctx context.Context, bundles []RenderedBundle) (ApplyResult, error) {
	var rm *RollbackManager
	if a.Rollback {
		rm = NewRollbackManager(a.Runner, a.Binary)
	}
	return applyWithRollback(rm, func() (ApplyResult, error) {
		return applyEach(ctx, a.Logger, bundles, func(cmd []string) error {
			return Retry(ctx, a.Retry, func() error {
				err := a.Runner.Run(a.Binary, cmd...)
				if err != nil && isLockContention(err) {
					return WrapTemporary(err)
				}
				return err
			})
		})
	})
}

func isLockContention(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "xtables lock") || strings.Contains(msg, "Resource temporarily unavailable")
}

// IPTables is the subset of go-iptables used to install rules.
type IPTables interface {
	Append(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	ChangePolicy(table, chain, target string) error
}

// IPTablesApplier installs commands through go-iptables instead of a script.
// A non-nil Rollback restores the saved tables when a command fails.
type IPTablesApplier struct {
	Rollback *RollbackManager

	ipt    IPTables
	logger *logging.Logger
}

// NewIPTablesApplier creates an applier for the IPv4 tables.
func NewIPTablesApplier() (*IPTablesApplier, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	a := NewIPTablesApplierWith(ipt)
	a.Rollback = NewRollbackManager(DefaultCommandRunner, brand.FilterBinary)
	return a, nil
}

// NewIPTablesApplierWith creates an applier around ipt.
func NewIPTablesApplierWith(ipt IPTables) *IPTablesApplier {
	return &IPTablesApplier{ipt: ipt, logger: logging.WithComponent("apply")}
}

// Apply installs every command of bundles.
func (a *IPTablesApplier) Apply(ctx context.Context, bundles []RenderedBundle) (ApplyResult, error) {
	return applyWithRollback(a.Rollback, func() (ApplyResult, error) {
		return a.applyEach(ctx, bundles)
	})
}

func (a *IPTablesApplier) applyEach(ctx context.Context, bundles []RenderedBundle) (ApplyResult, error) {
	return applyEach(ctx, a.logger, bundles, func(cmd []string) error {
		d, err := SplitDirective(cmd)
		if err != nil {
			return err
		}
		switch d.Op {
		case "-A":
			return a.ipt.Append(d.Table, d.Chain, d.Args...)
		case "-F":
			return a.ipt.ClearChain(d.Table, d.Chain)
		case "-P":
			if len(d.Args) != 1 {
				return fmt.Errorf("policy directive needs exactly one target, got %q", d.Args)
			}
			return a.ipt.ChangePolicy(d.Table, d.Chain, d.Args[0])
		}
		return fmt.Errorf("unsupported operation %q", d.Op)
	})
}

// applyWithRollback runs apply under rm's checkpoint; a nil rm applies
// without one.
func applyWithRollback(rm *RollbackManager, apply func() (ApplyResult, error)) (ApplyResult, error) {
	if rm == nil {
		return apply()
	}
	var res ApplyResult
	rolledBack, err := rm.SafeApply(func() error {
		var err error
		res, err = apply()
		return err
	})
	res.RolledBack = rolledBack
	return res, err
}

func applyEach(ctx context.Context, logger *logging.Logger, bundles []RenderedBundle, run func([]string) error) (ApplyResult, error) {
	var res ApplyResult
	for _, b := range bundles {
		for _, w := range b.Warnings {
			logger.Warn("bundle renders incompletely", "bundle", b.Name, "warning", w)
		}
		for _, cmd := range b.Commands {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := run(cmd); err != nil {
				return res, &ApplyError{Bundle: b.Name, Command: cmd, Err: err}
			}
			res.Commands++
		}
		res.Bundles++
	}
	logger.Debug("applied ruleset", "bundles", res.Bundles, "commands", res.Commands)
	return res, nil
}

// Directive is a rendered command split into its chain operation and the
// remaining rule specification.
type Directive struct {
	Table string
	Op    string
	Chain string
	Args  []string
}

// SplitDirective parses "[-t table] -A|-F|-P CHAIN args...". The table
// defaults to filter.
func SplitDirective(cmd []string) (Directive, error) {
	d := Directive{Table: "filter"}
	rest := cmd
	if len(rest) >= 2 && rest[0] == "-t" {
		d.Table = rest[1]
		rest = rest[2:]
	}
	if len(rest) < 2 {
		return d, fmt.Errorf("incomplete command %q", cmd)
	}
	switch rest[0] {
	case "-A", "-F", "-P":
		d.Op = rest[0]
	default:
		return d, fmt.Errorf("command %q does not start with a chain operation", cmd)
	}
	d.Chain = rest[1]
	d.Args = rest[2:]
	return d, nil
}
