package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"grimm.is/timewall/internal/clock"
	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/logging"
	"grimm.is/timewall/internal/metrics"
	"grimm.is/timewall/internal/netif"
	"grimm.is/timewall/internal/policy"
	"grimm.is/timewall/internal/resolve"
)

// CompileOptions are the settings shared by every subcommand that compiles
// the policy.
type CompileOptions struct {
	PolicyFile   string
	ServicesFile string
	IgnoreErrors bool
	Verbose      bool
}

// compiled is the outcome of one load and compile pass.
type compiled struct {
	Document *policy.Document
	Format   policy.Format
	Ruleset  *firewall.Ruleset
	Rendered []firewall.RenderedBundle
	Warnings []string
	Skipped  []error
}

// newEnvironment builds the compiler collaborators for doc. Tests replace it.
var newEnvironment = func(doc *policy.Document, servicesFile string) (firewall.Environment, error) {
	if servicesFile == "" {
		servicesFile = firewall.DefaultServicesFile
	}
	catalog, err := firewall.SystemCatalog(servicesFile)
	if err != nil {
		return firewall.Environment{}, fmt.Errorf("failed to load service catalog: %w", err)
	}
	resolver, err := resolve.FromOptions(doc.Options)
	if err != nil {
		return firewall.Environment{}, err
	}
	return firewall.Environment{
		Catalog:   catalog,
		Resolver:  resolver,
		Addresses: netif.FromOptions(doc.Options),
	}, nil
}

// compilePolicy loads opts.PolicyFile, compiles it and records metrics.
func compilePolicy(ctx context.Context, opts CompileOptions) (*compiled, error) {
	logger := logging.WithComponent("cmd")
	start := clock.Now()

	out, err := loadAndCompile(ctx, opts)

	res := metrics.CompileResult{Duration: clock.Default.Since(start), At: clock.Now(), Err: err}
	if err == nil {
		res.Bundles = len(out.Rendered)
		res.Commands = countCommands(out.Rendered)
		res.Warnings = len(out.Warnings)
		res.Skipped = len(out.Skipped)
	}
	metrics.Get().RecordCompile(res)

	if err != nil {
		return nil, err
	}
	logger.Info("policy compiled",
		"file", opts.PolicyFile,
		"bundles", res.Bundles,
		"commands", res.Commands,
		"warnings", res.Warnings,
		"skipped", res.Skipped,
		"duration", res.Duration.Round(time.Microsecond))
	return out, nil
}

func loadAndCompile(ctx context.Context, opts CompileOptions) (*compiled, error) {
	result, err := policy.LoadFileWithOptions(opts.PolicyFile, policy.LoadOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	logger := logging.WithComponent("cmd")
	for _, w := range result.Warnings {
		logger.Warn("policy warning", "warning", w)
	}

	env, err := newEnvironment(result.Document, opts.ServicesFile)
	if err != nil {
		return nil, err
	}
	compiler := firewall.NewCompiler(env, firewall.WithIgnoreErrors(opts.IgnoreErrors))
	rs, err := compiler.Compile(ctx, result.Document)
	if err != nil {
		return nil, err
	}

	out := &compiled{
		Document: result.Document,
		Format:   result.Format,
		Ruleset:  rs,
		Rendered: rs.Render(),
		Warnings: append(append([]string(nil), result.Warnings...), rs.Warnings()...),
	}
	for _, rb := range out.Rendered {
		out.Warnings = append(out.Warnings, rb.Warnings...)
	}
	var merr *multierror.Error
	if errors.As(rs.SkippedErrors(), &merr) {
		out.Skipped = merr.Errors
	}
	return out, nil
}

func countCommands(bundles []firewall.RenderedBundle) int {
	n := 0
	for _, b := range bundles {
		n += len(b.Commands)
	}
	return n
}

func (c *compiled) scriptOptions(verbose bool) firewall.ScriptOptions {
	return firewall.ScriptOptions{Binary: c.Document.Options.Binary(), Verbose: verbose}
}
