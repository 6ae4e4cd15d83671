package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/timewall/internal/clock"
	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/logging"
	"grimm.is/timewall/internal/scheduler"
)

const compileTaskID = "compile"

// DaemonOptions configure daemon mode.
type DaemonOptions struct {
	CompileOptions
	Backend       string
	IterationTime int // seconds
	Listen        string
	Watch         bool
}

// daemonStatus is the snapshot served by the status API.
type daemonStatus struct {
	Policy             string                 `json:"policy"`
	Fingerprint        string                 `json:"fingerprint,omitempty"`
	AppliedFingerprint string                 `json:"applied_fingerprint,omitempty"`
	Bundles            int                    `json:"bundles"`
	Commands           int                    `json:"commands"`
	Warnings           []string               `json:"warnings,omitempty"`
	Skipped            []string               `json:"skipped,omitempty"`
	Datapoints         []firewall.Datapoint   `json:"datapoints,omitempty"`
	LastCompile        time.Time              `json:"last_compile,omitempty"`
	LastApply          time.Time              `json:"last_apply,omitempty"`
	LastError          string                 `json:"last_error,omitempty"`
	Applies            int64                  `json:"applies"`
	Tasks              []scheduler.TaskStatus `json:"tasks,omitempty"`
}

type daemon struct {
	opts   DaemonOptions
	logger *logging.Logger

	mu      sync.RWMutex
	status  daemonStatus
	current *compiled
	applier firewall.Applier
	binary  string
	sched   *scheduler.Scheduler
}

func newDaemon(opts DaemonOptions) *daemon {
	return &daemon{
		opts:   opts,
		logger: logging.WithComponent("daemon"),
		status: daemonStatus{Policy: opts.PolicyFile},
	}
}

// iterate compiles the policy and applies it when the rendered commands
// differ from what was last applied.
func (d *daemon) iterate(ctx context.Context) error {
	out, err := compilePolicy(ctx, d.opts.CompileOptions)
	if err != nil {
		d.recordError(err)
		return err
	}

	fp := out.Ruleset.Fingerprint()
	d.mu.Lock()
	d.current = out
	d.status.Fingerprint = fp
	d.status.Bundles = len(out.Rendered)
	d.status.Commands = countCommands(out.Rendered)
	d.status.Warnings = out.Warnings
	d.status.Skipped = nil
	for _, e := range out.Skipped {
		d.status.Skipped = append(d.status.Skipped, e.Error())
	}
	d.status.Datapoints = out.Ruleset.Datapoints()
	d.status.LastCompile = clock.Now()
	unchanged := fp == d.status.AppliedFingerprint
	d.mu.Unlock()

	if unchanged {
		d.logger.Debug("ruleset unchanged, not applying", "fingerprint", fp)
		return nil
	}

	applier, err := d.applierFor(out.Document.Options.Binary())
	if err != nil {
		d.recordError(err)
		return err
	}
	res, err := applyRendered(ctx, applier, d.opts.Backend, out.Rendered)
	if err != nil {
		d.recordError(err)
		return err
	}

	d.mu.Lock()
	d.status.AppliedFingerprint = fp
	d.status.LastApply = clock.Now()
	d.status.LastError = ""
	d.status.Applies++
	d.mu.Unlock()
	d.logger.Info("ruleset applied", "fingerprint", fp, "commands", res.Commands)
	return nil
}

func (d *daemon) applierFor(binary string) (firewall.Applier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applier != nil && d.binary == binary {
		return d.applier, nil
	}
	a, err := newApplier(d.opts.Backend, binary)
	if err != nil {
		return nil, err
	}
	d.applier, d.binary = a, binary
	return a, nil
}

func (d *daemon) recordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.LastError = err.Error()
}

func (d *daemon) snapshot() daemonStatus {
	d.mu.RLock()
	s := d.status
	sched := d.sched
	d.mu.RUnlock()
	if sched != nil {
		s.Tasks = sched.Status()
	}
	return s
}

func (d *daemon) latest() *compiled {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// reload asks the scheduler for an immediate compilation.
func (d *daemon) reload() error {
	d.mu.RLock()
	sched := d.sched
	d.mu.RUnlock()
	if sched == nil {
		return errors.New("daemon not started")
	}
	return sched.Trigger(compileTaskID)
}

// RunDaemon recompiles the policy every IterationTime seconds, and on file
// change when Watch is set, until SIGINT or SIGTERM.
func RunDaemon(ctx context.Context, opts DaemonOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedule, err := scheduler.EverySeconds(opts.IterationTime)
	if err != nil {
		return err
	}
	switch opts.Backend {
	case "", BackendExec, BackendIPTables:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", opts.Backend, BackendExec, BackendIPTables)
	}

	d := newDaemon(opts)
	sched := scheduler.New(logging.Default())
	if err := sched.AddTask(&scheduler.Task{
		ID:         compileTaskID,
		Schedule:   schedule,
		Func:       d.iterate,
		RunOnStart: true,
	}); err != nil {
		return err
	}
	d.mu.Lock()
	d.sched = sched
	d.mu.Unlock()

	sched.Start(ctx)
	defer sched.Stop()

	if opts.Watch {
		w, err := watchPolicy(ctx, opts.PolicyFile, func() {
			if err := d.reload(); err != nil {
				d.logger.Warn("reload failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	if opts.Listen != "" {
		srv := &http.Server{
			Addr:              opts.Listen,
			Handler:           d.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("status API failed", "error", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		d.logger.Info("status API listening", "addr", opts.Listen)
	}

	d.logger.Info("daemon started", "policy", opts.PolicyFile, "iteration_time", opts.IterationTime)
	<-ctx.Done()
	d.logger.Info("shutting down")
	return nil
}

// watchPolicy calls onChange whenever path is written, created or replaced.
// The parent directory is watched so editors that rename over the file are
// seen.
func watchPolicy(ctx context.Context, path string, onChange func()) (*fsnotify.Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger := logging.WithComponent("watch")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Info("policy changed", "file", ev.Name, "op", ev.Op.String())
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("watch error", "error", err)
			}
		}
	}()
	return w, nil
}
