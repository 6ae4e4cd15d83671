//go:build !linux

package firewall

import (
	"fmt"
	"runtime"
)

// Run is unsupported off Linux.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	return fmt.Errorf("cannot run %s: unsupported platform %s", name, runtime.GOOS)
}

// Output is unsupported off Linux.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, fmt.Errorf("cannot run %s: unsupported platform %s", name, runtime.GOOS)
}
