package tree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newKernelTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, marker := range []string{"Makefile", "Kbuild"} {
		if err := os.WriteFile(filepath.Join(dir, marker), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", marker, err)
		}
	}
	return dir
}

func TestValidateAcceptsKernelTree(t *testing.T) {
	v := &Validator{}
	if err := v.Validate(newKernelTree(t)); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestValidateRejectsOtherDirectories(t *testing.T) {
	v := &Validator{}
	if err := v.Validate(t.TempDir()); !errors.Is(err, ErrNotAKernelTree) {
		t.Fatalf("expected ErrNotAKernelTree, got %v", err)
	}

	// A Makefile alone is not a kernel tree.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), nil, 0o644); err != nil {
		t.Fatalf("write Makefile: %v", err)
	}
	if err := v.Validate(dir); !errors.Is(err, ErrNotAKernelTree) {
		t.Fatalf("expected ErrNotAKernelTree, got %v", err)
	}
}

func TestPrepareSkipsCleanTree(t *testing.T) {
	called := false
	v := &Validator{
		RunMake: func(ctx context.Context, dir string, args ...string) error {
			called = true
			return nil
		},
	}
	if err := v.Prepare(context.Background(), newKernelTree(t), "s1"); err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if called {
		t.Fatal("make was invoked on a clean tree")
	}
}

func TestPreparePreservesOutputAcrossClean(t *testing.T) {
	dir := newKernelTree(t)
	if err := os.WriteFile(filepath.Join(dir, ".config"), []byte("CONFIG_X=y\n"), 0o644); err != nil {
		t.Fatalf("write .config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, OutputDir), 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}
	artifact := filepath.Join(dir, OutputDir, "vmlinux")
	if err := os.WriteFile(artifact, []byte("elf"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	var sawOutputDuringClean bool
	var preservedDuringClean string
	v := &Validator{
		RunMake: func(ctx context.Context, makeDir string, args ...string) error {
			if len(args) != 1 || args[0] != "mrproper" {
				return fmt.Errorf("unexpected make args %v", args)
			}
			if _, err := os.Stat(filepath.Join(makeDir, OutputDir)); err == nil {
				sawOutputDuringClean = true
			}
			if _, err := os.Stat(filepath.Join(makeDir, OutputDir+"-preserved-s1")); err == nil {
				preservedDuringClean = filepath.Join(makeDir, OutputDir+"-preserved-s1")
			}
			return nil
		},
	}

	if err := v.Prepare(context.Background(), dir, "s1"); err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if sawOutputDuringClean {
		t.Fatal("output directory was not moved aside during the clean")
	}
	// The relocation target is a sibling inside the source tree, so moving
	// the output never crosses a filesystem boundary.
	if preservedDuringClean == "" {
		t.Fatal("preserved output directory not found inside the source tree during the clean")
	}
	if _, err := os.Stat(preservedDuringClean); err == nil {
		t.Fatal("preserved output directory left behind after the clean")
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("build output not restored: %v", err)
	}
}

func TestPrepareCleanFailure(t *testing.T) {
	dir := newKernelTree(t)
	if err := os.WriteFile(filepath.Join(dir, ".config"), nil, 0o644); err != nil {
		t.Fatalf("write .config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, OutputDir), 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}

	v := &Validator{
		RunMake: func(ctx context.Context, makeDir string, args ...string) error {
			return errors.New("make blew up")
		},
	}

	err := v.Prepare(context.Background(), dir, "s1")
	if !errors.Is(err, ErrCleanFailed) {
		t.Fatalf("expected ErrCleanFailed, got %v", err)
	}
	// The output directory comes back even when the clean fails.
	if _, statErr := os.Stat(filepath.Join(dir, OutputDir)); statErr != nil {
		t.Fatalf("build output not restored after failed clean: %v", statErr)
	}
}
