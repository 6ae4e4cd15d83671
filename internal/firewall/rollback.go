package firewall

import (
	"fmt"
	"os"

	"grimm.is/timewall/internal/brand"
	"grimm.is/timewall/internal/logging"
)

// RollbackManager snapshots the live tables with the -save tool of the
// filter binary and restores that snapshot when an apply fails halfway.
type RollbackManager struct {
	runner        CommandRunner
	saveBinary    string
	restoreBinary string
	logger        *logging.Logger

	checkpoint []byte
	hasBackup  bool
}

// NewRollbackManager creates a rollback manager for binary, which names the
// filter tool ("iptables" uses iptables-save and iptables-restore).
func NewRollbackManager(runner CommandRunner, binary string) *RollbackManager {
	if binary == "" {
		binary = brand.FilterBinary
	}
	if runner == nil {
		runner = DefaultCommandRunner
	}
	return &RollbackManager{
		runner:        runner,
		saveBinary:    binary + "-save",
		restoreBinary: binary + "-restore",
		logger:        logging.WithComponent("rollback"),
	}
}

// SaveCheckpoint records the current tables as the rollback point.
func (r *RollbackManager) SaveCheckpoint() error {
	out, err := r.runner.Output(r.saveBinary)
	if err != nil {
		return fmt.Errorf("%s failed: %w", r.saveBinary, err)
	}
	r.checkpoint = out
	r.hasBackup = true
	return nil
}

// Rollback restores the saved checkpoint.
func (r *RollbackManager) Rollback() error {
	if !r.hasBackup {
		return fmt.Errorf("no checkpoint saved")
	}
	f, err := os.CreateTemp("", brand.LowerName+"-rollback-*.rules")
	if err != nil {
		return fmt.Errorf("failed to stage checkpoint: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(r.checkpoint); err != nil {
		f.Close()
		return fmt.Errorf("failed to stage checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to stage checkpoint: %w", err)
	}
	if err := r.runner.Run(r.restoreBinary, f.Name()); err != nil {
		return fmt.Errorf("%s failed: %w", r.restoreBinary, err)
	}
	r.logger.Warn("restored tables from checkpoint", "bytes", len(r.checkpoint))
	return nil
}

// Cleanup drops the checkpoint.
func (r *RollbackManager) Cleanup() {
	r.checkpoint = nil
	r.hasBackup = false
}

// SafeApply runs applyFn between a checkpoint and, on failure, a rollback.
// The returned error still wraps applyFn's error.
func (r *RollbackManager) SafeApply(applyFn func() error) (rolledBack bool, err error) {
	if err := r.SaveCheckpoint(); err != nil {
		return false, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	defer r.Cleanup()

	if err := applyFn(); err != nil {
		if rbErr := r.Rollback(); rbErr != nil {
			return false, fmt.Errorf("%w; rollback also failed: %v", err, rbErr)
		}
		return true, fmt.Errorf("%w (rolled back)", err)
	}
	return false, nil
}
