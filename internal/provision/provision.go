// Package provision prepares the native build root: toolchain packages,
// the source tree bind mount and the build output directory. Package
// installation runs exactly once per (chroot, compiler variant) pair,
// recorded by a marker file; everything else is re-established on every
// activation.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/pmkern/envkernel/internal/driver"
	"github.com/pmkern/envkernel/internal/mount"
	"github.com/pmkern/envkernel/internal/setup"
	"github.com/pmkern/envkernel/internal/toolchain"
	"github.com/pmkern/envkernel/internal/tree"
)

// ErrPackageInstall indicates that installing the toolchain packages failed.
// No marker is written in that case, so the next activation retries.
var ErrPackageInstall = errors.New("package installation failed")

const (
	// MountPoint is where the kernel source tree appears inside the chroot.
	MountPoint = "/mnt/linux"

	// BuildUser is the unprivileged user owning builds inside the chroot.
	BuildUser = "pmos"

	// markerDir holds the provisioning markers, relative to the chroot root.
	markerDir = "tmp/envkernel"
)

// OutputPath is the build output directory as seen from inside the chroot.
var OutputPath = path.Join(MountPoint, tree.OutputDir)

// basePackages is the fixed package set every kernel build needs, on top of
// which the compiler packages are installed.
var basePackages = []string{
	"abuild",
	"bc",
	"bison",
	"diffutils",
	"findutils",
	"flex",
	"gmp-dev",
	"linux-headers",
	"make",
	"mpc1-dev",
	"mpfr-dev",
	"musl-dev",
	"ncurses-dev",
	"openssl-dev",
	"perl",
	"sed",
}

// Provisioner prepares a chroot for kernel builds.
type Provisioner struct {
	Driver driver.Client
	Binder mount.Binder
	Logger *slog.Logger
	Config setup.Config
}

// MarkerPath returns the host path of the provisioning marker for a chroot
// and compiler variant.
func MarkerPath(chrootPath string, variant toolchain.Variant) string {
	return filepath.Join(chrootPath, markerDir, variant.MarkerName())
}

// PackageSet returns the packages installed for a toolchain selection,
// honoring the configuration overrides.
func (p *Provisioner) PackageSet(selection toolchain.Selection) []string {
	packages := basePackages
	if len(p.Config.Packages) > 0 {
		packages = p.Config.Packages
	}
	packages = append([]string(nil), packages...)

	if selection.Cross {
		packages = append(packages, "binutils-"+selection.TargetArch.String())
	}
	if p.Config.CcacheEnabled() {
		packages = append(packages, "ccache-cross-symlinks")
	}
	packages = append(packages, selection.Variant.CompilerPackages(selection.TargetArch, selection.Cross)...)
	return append(packages, p.Config.ExtraPackages...)
}

// Provision makes the chroot ready for building sourceDir. It installs
// packages when the marker is absent, replaces the source bind mount and
// claims the output directory for the build user.
func (p *Provisioner) Provision(ctx context.Context, chrootPath, sourceDir string, selection toolchain.Selection) error {
	if err := p.installPackages(ctx, chrootPath, selection); err != nil {
		return err
	}
	if err := p.remountSource(ctx, chrootPath, sourceDir); err != nil {
		return err
	}
	return p.claimOutputDir(ctx, sourceDir)
}

func (p *Provisioner) installPackages(ctx context.Context, chrootPath string, selection toolchain.Selection) error {
	marker := MarkerPath(chrootPath, selection.Variant)
	if _, err := os.Stat(marker); err == nil {
		p.logger().Debug("chroot already provisioned", "marker", marker)
		return nil
	}

	packages := p.PackageSet(selection)
	p.logger().Info("installing toolchain packages", "chroot", chrootPath, "packages", len(packages))

	install := driver.ChrootCall{
		Quiet:   true,
		Command: append([]string{"apk", "--no-progress", "add"}, packages...),
	}
	if err := p.Driver.RunChroot(ctx, install); err != nil {
		return fmt.Errorf("%w: %v", ErrPackageInstall, err)
	}

	// The marker is written only after apk succeeded, inside the chroot so
	// it disappears together with the chroot.
	for _, command := range [][]string{
		{"mkdir", "-p", "/" + markerDir},
		{"touch", "/" + path.Join(markerDir, selection.Variant.MarkerName())},
	} {
		if err := p.Driver.RunChroot(ctx, driver.ChrootCall{Quiet: true, Command: command}); err != nil {
			return fmt.Errorf("write provisioning marker: %w", err)
		}
	}
	return nil
}

// remountSource binds sourceDir onto the chroot mount point, unmounting any
// previous mount first so repeated activations replace instead of stack.
func (p *Provisioner) remountSource(ctx context.Context, chrootPath, sourceDir string) error {
	mkdir := driver.ChrootCall{Quiet: true, Command: []string{"mkdir", "-p", MountPoint}}
	if err := p.Driver.RunChroot(ctx, mkdir); err != nil {
		return fmt.Errorf("create mount point %q: %w", MountPoint, err)
	}

	target := filepath.Join(chrootPath, MountPoint)
	mounted, err := p.Binder.Mounted(target)
	if err != nil {
		return err
	}
	if mounted {
		p.logger().Debug("replacing stale source mount", "target", target)
		if err := p.Binder.Unmount(ctx, target); err != nil {
			return err
		}
	}
	return p.Binder.Bind(ctx, sourceDir, target)
}

// claimOutputDir creates the output directory when missing and hands it to
// the build user. With the bind mount in place the host-side directory and
// the chroot-side one are the same.
func (p *Provisioner) claimOutputDir(ctx context.Context, sourceDir string) error {
	hostOutput := filepath.Join(sourceDir, tree.OutputDir)
	if _, err := os.Stat(hostOutput); err == nil {
		return nil
	}
	if err := os.MkdirAll(hostOutput, 0o755); err != nil {
		return fmt.Errorf("create output dir %q: %w", hostOutput, err)
	}

	chown := driver.ChrootCall{
		Quiet:   true,
		Command: []string{"chown", "-R", BuildUser + ":" + BuildUser, OutputPath},
	}
	if err := p.Driver.RunChroot(ctx, chown); err != nil {
		return fmt.Errorf("chown output dir to %s: %w", BuildUser, err)
	}
	return nil
}

func (p *Provisioner) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
