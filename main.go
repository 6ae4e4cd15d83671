package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"

	"grimm.is/timewall/cmd"
	"grimm.is/timewall/internal/brand"
	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/logging"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	sub, args := os.Args[1], os.Args[2:]
	if strings.HasPrefix(sub, "-") || strings.ContainsAny(sub, "./") {
		// timewall [flags] <policy> is shorthand for the script command.
		sub, args = "script", os.Args[1:]
	}

	switch sub {
	case "script":
		fs := flag.NewFlagSet("script", flag.ExitOnError)
		opts := compileFlags(fs)
		output := fs.String("output", brand.DefaultScriptFile, "Script to write, '-' for stdout")
		fs.StringVar(output, "o", brand.DefaultScriptFile, "Script to write (short)")
		parsePolicyArgs(fs, args, opts)

		if err := cmd.RunScript(ctx, *opts, *output); err != nil {
			fail("Script generation failed", err)
		}

	case "oneshot":
		fs := flag.NewFlagSet("oneshot", flag.ExitOnError)
		opts := compileFlags(fs)
		backend := fs.String("backend", cmd.BackendExec, "Apply backend: exec or iptables")
		parsePolicyArgs(fs, args, opts)

		if err := cmd.RunOneshot(ctx, *opts, *backend); err != nil {
			fail("Apply failed", err)
		}

	case "daemon", "daemonize":
		fs := flag.NewFlagSet("daemon", flag.ExitOnError)
		opts := compileFlags(fs)
		backend := fs.String("backend", cmd.BackendExec, "Apply backend: exec or iptables")
		iteration := fs.Int("iteration-time", 60, "Seconds between recompilations")
		listen := fs.String("listen", "", "Status API listen address, empty disables")
		watch := fs.Bool("watch", false, "Recompile when the policy file changes")
		parsePolicyArgs(fs, args, opts)

		dopts := cmd.DaemonOptions{
			CompileOptions: *opts,
			Backend:        *backend,
			IterationTime:  *iteration,
			Listen:         *listen,
			Watch:          *watch,
		}
		if err := cmd.RunDaemon(ctx, dopts); err != nil {
			fail("Daemon failed", err)
		}

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		opts := compileFlags(fs)
		parsePolicyArgs(fs, args, opts)

		if err := cmd.RunCheck(ctx, *opts, opts.Verbose); err != nil {
			fail("Check failed", err)
		}

	case "diff":
		fs := flag.NewFlagSet("diff", flag.ExitOnError)
		opts := compileFlags(fs)
		script := fs.String("script", brand.DefaultScriptFile, "Existing script to compare against")
		parsePolicyArgs(fs, args, opts)

		if err := cmd.RunDiff(ctx, *opts, *script); err != nil {
			if errors.Is(err, cmd.ErrScriptDiffers) {
				os.Exit(2)
			}
			fail("Diff failed", err)
		}

	case "version":
		printer.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", sub)
		printUsage()
		os.Exit(1)
	}
}

// compileFlags registers the flags every compiling subcommand accepts.
func compileFlags(fs *flag.FlagSet) *cmd.CompileOptions {
	opts := &cmd.CompileOptions{}
	fs.BoolVar(&opts.IgnoreErrors, "ignore-errors", false, "Skip rule entries that fail to compile (dangerous)")
	fs.StringVar(&opts.ServicesFile, "services", firewall.DefaultServicesFile, "Service catalog file")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&opts.Verbose, "v", false, "Verbose output (short)")
	return opts
}

// parsePolicyArgs parses fs and takes the policy file from the first
// positional argument, falling back to the default policy path.
func parsePolicyArgs(fs *flag.FlagSet, args []string, opts *cmd.CompileOptions) {
	fs.Parse(args)
	opts.PolicyFile = fs.Arg(0)
	if opts.PolicyFile == "" {
		opts.PolicyFile = brand.DefaultPolicyPath()
	}

	cfg := logging.ConfigFromEnv(brand.ConfigEnvPrefix)
	if opts.Verbose {
		cfg.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.New(cfg))
}

func fail(what string, err error) {
	printer.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options] [policy-file]
  %s [options] <policy-file>            (same as "script")

Commands:
  script    Compile the policy into a shell script
            Options: --output (-o) <file|->, --verbose (-v)
  oneshot   Compile and apply the policy once
            Options: --backend exec|iptables
  daemon    Recompile and re-apply periodically
            Options: --iteration-time <secs>, --watch, --listen <addr>,
                     --backend exec|iptables
  check     Compile and summarize the policy
            Options: --verbose (-v)
  diff      Compare an existing script with the compiled policy
            Options: --script <file>
  version   Print version information

Common options:
  --ignore-errors     Skip rule entries that fail to compile
  --services <file>   Service catalog (default %s)

The policy file defaults to %s.
`, brand.Name, brand.Description, brand.BinaryName, brand.BinaryName, firewall.DefaultServicesFile, brand.DefaultPolicyPath())
}
