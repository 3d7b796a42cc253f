// Package packaging turns the build output of an activated environment into
// a distribution package by running abuild inside the chroot against the
// mounted source tree.
package packaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pmkern/envkernel/arch"
	"github.com/pmkern/envkernel/internal/driver"
	"github.com/pmkern/envkernel/internal/mount"
	"github.com/pmkern/envkernel/internal/provision"
	"github.com/pmkern/envkernel/internal/session"
	"github.com/pmkern/envkernel/internal/tree"
)

// ErrNoBuildOutput indicates the kernel has not been built with the
// activated environment yet.
var ErrNoBuildOutput = errors.New("no build output directory in the kernel source tree")

// buildPath is the abuild working directory inside the chroot.
const buildPath = "/home/pmos/build"

// stagedAPKBUILD is where the rewritten APKBUILD is staged inside the source
// tree so the chroot can reach it through the bind mount.
const stagedAPKBUILD = ".envkernel.APKBUILD"

// Options describe a packaging run.
type Options struct {
	// Pkgname is the kernel package to build, always a linux-* package.
	Pkgname string
	// SourceDir is the kernel source tree holding the build output.
	SourceDir string
	// Aports is the pmaports checkout the package recipe lives in.
	Aports string
	// HostArch is the architecture abuild runs on.
	HostArch arch.Architecture
}

// Packager builds kernel packages from envkernel output.
type Packager struct {
	Driver driver.Client
	Binder mount.Binder
	Logger *slog.Logger

	// Now overrides the clock used for the pkgver snapshot suffix, for
	// tests. Defaults to time.Now.
	Now func() time.Time
}

// Package prepares the abuild working directory inside the chroot and runs
// "abuild rootpkg" as the build user. The bind mount is torn down again
// afterwards, also on failure.
func (p *Packager) Package(ctx context.Context, buildContext session.BuildContext, opts Options) error {
	if !strings.HasPrefix(opts.Pkgname, "linux-") {
		return fmt.Errorf("packaging needs a linux-* package, got %q", opts.Pkgname)
	}

	apkbuildPath, err := findAport(opts.Aports, opts.Pkgname)
	if err != nil {
		return err
	}
	apkbuild, err := ParseAPKBUILD(apkbuildPath)
	if err != nil {
		return err
	}

	kbuildOut := apkbuild.Vars["_outdir"]
	if kbuildOut == "" {
		body, ok := apkbuild.Functions["package"]
		if !ok {
			return fmt.Errorf("APKBUILD %q has no package() function", apkbuildPath)
		}
		kbuildOut, err = FindKbuildOutputDir(body)
		if err != nil {
			return err
		}
	}
	p.logger().Debug("derived kbuild output directory", "pkgname", opts.Pkgname, "kbuild_out", kbuildOut)

	pkgver := snapshotPkgver(apkbuild.Pkgver(), p.now())
	staged := filepath.Join(opts.SourceDir, stagedAPKBUILD)
	fields := map[string]string{
		"pkgver":      pkgver,
		"pkgrel":      "0",
		"subpackages": "",
		"builddir":    buildPath + "/src",
	}
	if err := RewriteAPKBUILD(apkbuildPath, staged, fields); err != nil {
		return err
	}
	defer os.Remove(staged)

	if err := p.remount(ctx, buildContext.ChrootPath, opts.SourceDir); err != nil {
		return err
	}
	target := filepath.Join(buildContext.ChrootPath, provision.MountPoint)
	defer func() {
		if err := p.Binder.Unmount(context.WithoutCancel(ctx), target); err != nil {
			p.logger().Warn("unmounting source tree failed", "target", target, "error", err)
		}
	}()

	if _, err := os.Stat(filepath.Join(opts.SourceDir, tree.OutputDir)); err != nil {
		return fmt.Errorf("%w: build the %s kernel with the activated environment first (see %s)",
			ErrNoBuildOutput, buildContext.Device, session.TroubleshootingURL)
	}

	if err := p.prepareBuildDir(ctx, kbuildOut); err != nil {
		return err
	}
	defer p.cleanupBuildDir(ctx, kbuildOut)

	p.logger().Info("running abuild", "pkgname", opts.Pkgname, "pkgver", pkgver)
	abuild := strings.Join([]string{
		"cd " + buildPath,
		"&&",
		"CARCH=" + buildContext.DeviceArch.String(),
		"CHOST=" + buildContext.DeviceArch.String(),
		"CBUILD=" + opts.HostArch.String(),
		"SUDO_APK='abuild-apk --no-progress'",
		"abuild rootpkg",
	}, " ")
	call := driver.ChrootCall{User: true, Command: []string{"sh", "-c", abuild}}
	if err := p.Driver.RunChroot(ctx, call); err != nil {
		return fmt.Errorf("abuild rootpkg for %q: %w", opts.Pkgname, err)
	}
	return nil
}

func (p *Packager) remount(ctx context.Context, chrootPath, sourceDir string) error {
	mkdir := driver.ChrootCall{Quiet: true, Command: []string{"mkdir", "-p", provision.MountPoint}}
	if err := p.Driver.RunChroot(ctx, mkdir); err != nil {
		return fmt.Errorf("create mount point %q: %w", provision.MountPoint, err)
	}

	target := filepath.Join(chrootPath, provision.MountPoint)
	mounted, err := p.Binder.Mounted(target)
	if err != nil {
		return err
	}
	if mounted {
		if err := p.Binder.Unmount(ctx, target); err != nil {
			return err
		}
	}
	return p.Binder.Bind(ctx, sourceDir, target)
}

// prepareBuildDir wires the abuild working directory: the source tree is
// symlinked as src and the envkernel output directory takes the place the
// recipe's kbuild output path points at.
func (p *Packager) prepareBuildDir(ctx context.Context, kbuildOut string) error {
	commands := [][]string{
		{"mkdir", "-p", buildPath},
		{"rm", "-f", buildPath + "/src"},
		{"ln", "-sf", provision.MountPoint, buildPath + "/src"},
		{"cp", path.Join(provision.MountPoint, stagedAPKBUILD), buildPath + "/APKBUILD"},
	}
	if kbuildOut != "" {
		commands = append(commands,
			[]string{"rm", "-f", path.Join(provision.MountPoint, kbuildOut)},
			[]string{"ln", "-sf", provision.OutputPath, path.Join(buildPath, "src", kbuildOut)},
		)
	}
	for _, command := range commands {
		if err := p.Driver.RunChroot(ctx, driver.ChrootCall{Quiet: true, Command: command}); err != nil {
			return fmt.Errorf("prepare abuild working directory: %w", err)
		}
	}
	return nil
}

func (p *Packager) cleanupBuildDir(ctx context.Context, kbuildOut string) {
	ctx = context.WithoutCancel(ctx)
	commands := [][]string{
		{"rm", "-f", buildPath + "/src"},
	}
	if kbuildOut != "" {
		commands = append(commands, []string{"rm", "-f", path.Join(provision.MountPoint, kbuildOut)})
	}
	for _, command := range commands {
		if err := p.Driver.RunChroot(ctx, driver.ChrootCall{Quiet: true, Command: command}); err != nil {
			p.logger().Warn("cleaning abuild working directory failed", "error", err)
		}
	}
}

// snapshotPkgver replaces any existing pkgver suffix with a timestamped one,
// so the packaged kernel version reflects this build instead of the recipe's
// pinned source.
func snapshotPkgver(pkgver string, now time.Time) string {
	base, _, _ := strings.Cut(pkgver, "_")
	return base + "_p" + now.Format("20060102150405")
}

func (p *Packager) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// findAport locates the APKBUILD for a package inside a pmaports checkout.
func findAport(aports, pkgname string) (string, error) {
	pattern := filepath.Join(aports, "*", pkgname, "APKBUILD")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		// Device kernels live one level deeper (device/<category>/...).
		pattern = filepath.Join(aports, "*", "*", pkgname, "APKBUILD")
		matches, err = filepath.Glob(pattern)
		if err != nil {
			return "", fmt.Errorf("glob %q: %w", pattern, err)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("package %q not found in %q", pkgname, aports)
	}
	return matches[0], nil
}

func (p *Packager) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
