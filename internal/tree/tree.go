// Package tree validates the kernel source tree before activation and brings
// it into a known-clean state.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotAKernelTree indicates the working directory is not a kernel source
// tree.
var ErrNotAKernelTree = errors.New("not a kernel source tree")

// ErrCleanFailed indicates that cleaning a dirty source tree failed.
var ErrCleanFailed = errors.New("cleaning the source tree failed")

// OutputDir is the out-of-tree build directory inside the kernel source.
// Keeping all build output under one directory lets a mandatory clean
// preserve it.
const OutputDir = ".output"

// markerFiles identify a kernel source tree. Both must be present.
var markerFiles = [...]string{"Makefile", "Kbuild"}

// dirtyMarkers are artifacts of an in-tree configuration. Their presence
// combined with cross-compilation flags produces silently wrong builds, so
// the tree must be cleaned first.
var dirtyMarkers = [...]string{".config", filepath.Join("include", "config")}

// Validator checks and prepares the kernel source tree.
type Validator struct {
	Logger *slog.Logger

	// RunMake executes make with the given arguments in a directory. When
	// nil, the host make binary is used.
	RunMake func(ctx context.Context, dir string, args ...string) error
}

// Validate fails with ErrNotAKernelTree unless dir contains the kernel build
// system marker files.
func (v *Validator) Validate(dir string) error {
	for _, marker := range markerFiles {
		if _, err := os.Stat(filepath.Join(dir, marker)); err != nil {
			return fmt.Errorf("%w: %q has no %s", ErrNotAKernelTree, dir, marker)
		}
	}
	return nil
}

// Prepare cleans a dirty source tree while keeping incremental build output.
// An existing output directory is moved aside, "make mrproper" runs, and the
// output directory is moved back even when the clean fails. A clean tree is
// left untouched.
func (v *Validator) Prepare(ctx context.Context, dir, sessionID string) error {
	if !v.dirty(dir) {
		v.logger().Debug("source tree is clean", "dir", dir)
		return nil
	}
	v.logger().Info("source tree has stale configuration, running mrproper", "dir", dir)

	output := filepath.Join(dir, OutputDir)
	preserved := ""
	if _, err := os.Stat(output); err == nil {
		// The output stays inside the source tree so the rename never
		// crosses a filesystem boundary. mrproper only removes paths the
		// kernel build system knows about and leaves the sibling alone.
		preserved = filepath.Join(dir, OutputDir+"-preserved-"+sessionID)
		if err := os.Rename(output, preserved); err != nil {
			return fmt.Errorf("%w: preserve %q: %v", ErrCleanFailed, output, err)
		}
		v.logger().Debug("preserved build output", "from", output, "to", preserved)
	}

	cleanErr := v.runMake(ctx, dir, "mrproper")

	if preserved != "" {
		if err := os.Rename(preserved, output); err != nil {
			if cleanErr != nil {
				return fmt.Errorf("%w: %v (build output left at %q: %v)", ErrCleanFailed, cleanErr, preserved, err)
			}
			return fmt.Errorf("%w: restore build output from %q: %v", ErrCleanFailed, preserved, err)
		}
	}
	if cleanErr != nil {
		return fmt.Errorf("%w: %v", ErrCleanFailed, cleanErr)
	}
	return nil
}

func (v *Validator) dirty(dir string) bool {
	for _, marker := range dirtyMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func (v *Validator) runMake(ctx context.Context, dir string, args ...string) error {
	if v.RunMake != nil {
		return v.RunMake(ctx, dir, args...)
	}
	cmd := exec.CommandContext(ctx, "make", args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (v *Validator) logger() *slog.Logger {
	if v != nil && v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}
