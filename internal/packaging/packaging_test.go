package packaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pmkern/envkernel/arch"
	"github.com/pmkern/envkernel/internal/driver"
	"github.com/pmkern/envkernel/internal/session"
	"github.com/pmkern/envkernel/internal/tree"
)

type stubDriver struct {
	calls []driver.ChrootCall

	// sourceDir lets the stub read the staged APKBUILD while it still
	// exists, the way the in-chroot cp would.
	sourceDir  string
	stagedBody string
}

func (d *stubDriver) WorkMigrate(ctx context.Context) error { return nil }

func (d *stubDriver) ConfigValue(ctx context.Context, key string) (string, error) {
	return "", nil
}

func (d *stubDriver) RunChroot(ctx context.Context, call driver.ChrootCall) error {
	d.calls = append(d.calls, call)
	if len(call.Command) > 0 && call.Command[0] == "sh" {
		if data, err := os.ReadFile(filepath.Join(d.sourceDir, stagedAPKBUILD)); err == nil {
			d.stagedBody = string(data)
		}
	}
	return nil
}

func (d *stubDriver) ChrootArgv(call driver.ChrootCall) []string {
	argv := []string{"pmbootstrap.py", "chroot"}
	if call.User {
		argv = append(argv, "--user")
	}
	argv = append(argv, "--")
	return append(argv, call.Command...)
}

func (d *stubDriver) Root() string { return "/opt/pmbootstrap" }

type stubBinder struct {
	binds   int
	unmount int
}

func (b *stubBinder) Bind(ctx context.Context, source, target string) error {
	b.binds++
	return nil
}

func (b *stubBinder) Unmount(ctx context.Context, target string) error {
	b.unmount++
	return nil
}

func (b *stubBinder) Mounted(target string) (bool, error) { return false, nil }

const kernelAPKBUILD = `# Maintainer: Somebody <someone@example.org>
pkgname=linux-test
pkgver=9999
pkgrel=5
subpackages="$pkgname-dev"

package() {
	install -Dm644 "$builddir/build/arch/arm64/boot/Image" "$pkgdir"/boot/vmlinuz
}
`

type packagingFixture struct {
	packager  *Packager
	driver    *stubDriver
	binder    *stubBinder
	sourceDir string
	opts      Options
	context   session.BuildContext
}

func newPackagingFixture(t *testing.T) *packagingFixture {
	t.Helper()

	sourceDir := t.TempDir()
	aports := t.TempDir()
	aportDir := filepath.Join(aports, "main", "linux-test")
	if err := os.MkdirAll(aportDir, 0o755); err != nil {
		t.Fatalf("mkdir aport: %v", err)
	}
	if err := os.WriteFile(filepath.Join(aportDir, "APKBUILD"), []byte(kernelAPKBUILD), 0o644); err != nil {
		t.Fatalf("write APKBUILD: %v", err)
	}

	d := &stubDriver{sourceDir: sourceDir}
	b := &stubBinder{}
	return &packagingFixture{
		packager: &Packager{
			Driver: d,
			Binder: b,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			Now: func() time.Time {
				return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
			},
		},
		driver:    d,
		binder:    b,
		sourceDir: sourceDir,
		opts: Options{
			Pkgname:   "linux-test",
			SourceDir: sourceDir,
			Aports:    aports,
			HostArch:  arch.X86_64,
		},
		context: session.BuildContext{
			ChrootPath: t.TempDir(),
			Device:     "pine64-pinephone",
			DeviceArch: arch.AArch64,
		},
	}
}

func (f *packagingFixture) abuildCall(t *testing.T) driver.ChrootCall {
	t.Helper()
	for _, call := range f.driver.calls {
		if len(call.Command) > 0 && call.Command[0] == "sh" {
			return call
		}
	}
	t.Fatal("no abuild invocation recorded")
	return driver.ChrootCall{}
}

func TestPackageRunsAbuildInChroot(t *testing.T) {
	f := newPackagingFixture(t)
	if err := os.MkdirAll(filepath.Join(f.sourceDir, tree.OutputDir), 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}

	if err := f.packager.Package(context.Background(), f.context, f.opts); err != nil {
		t.Fatalf("Package returned error: %v", err)
	}

	call := f.abuildCall(t)
	if !call.User {
		t.Fatal("abuild must run as the build user")
	}
	script := call.Command[len(call.Command)-1]
	for _, want := range []string{
		"cd /home/pmos/build",
		"CARCH=aarch64",
		"CHOST=aarch64",
		"CBUILD=x86_64",
		"SUDO_APK='abuild-apk --no-progress'",
		"abuild rootpkg",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("abuild script misses %q:\n%s", want, script)
		}
	}

	for _, want := range []string{
		`pkgver="9999_p20240102030405"`,
		`pkgrel="0"`,
		`subpackages=""`,
		`builddir="/home/pmos/build/src"`,
	} {
		if !strings.Contains(f.driver.stagedBody, want) {
			t.Fatalf("staged APKBUILD misses %q:\n%s", want, f.driver.stagedBody)
		}
	}

	var sawOutputLink bool
	for _, c := range f.driver.calls {
		if len(c.Command) > 0 && c.Command[0] == "ln" && strings.Contains(strings.Join(c.Command, " "), "/mnt/linux/.output") {
			sawOutputLink = true
		}
	}
	if !sawOutputLink {
		t.Fatal("kbuild output directory not linked into the abuild working directory")
	}

	if f.binder.binds != 1 || f.binder.unmount != 1 {
		t.Fatalf("mount not torn down: %d binds / %d unmounts", f.binder.binds, f.binder.unmount)
	}
	if _, err := os.Stat(filepath.Join(f.sourceDir, stagedAPKBUILD)); err == nil {
		t.Fatal("staged APKBUILD left behind in the source tree")
	}
}

func TestPackageRequiresBuildOutput(t *testing.T) {
	f := newPackagingFixture(t)

	err := f.packager.Package(context.Background(), f.context, f.opts)
	if !errors.Is(err, ErrNoBuildOutput) {
		t.Fatalf("expected ErrNoBuildOutput, got %v", err)
	}
	for _, call := range f.driver.calls {
		if len(call.Command) > 0 && call.Command[0] == "sh" {
			t.Fatal("abuild ran without build output")
		}
	}
	// The source mount is torn down again on failure.
	if f.binder.binds != 1 || f.binder.unmount != 1 {
		t.Fatalf("mount not torn down on failure: %d binds / %d unmounts", f.binder.binds, f.binder.unmount)
	}
}

func TestPackageRejectsNonKernelPackages(t *testing.T) {
	f := newPackagingFixture(t)
	f.opts.Pkgname = "busybox"

	if err := f.packager.Package(context.Background(), f.context, f.opts); err == nil {
		t.Fatal("expected error for non linux-* package")
	}
	if len(f.driver.calls) != 0 || f.binder.binds != 0 {
		t.Fatal("rejected packaging run touched the chroot")
	}
}

func TestSnapshotPkgverReplacesSuffix(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := snapshotPkgver("9999_git20171231", now); got != "9999_p20240102030405" {
		t.Fatalf("snapshotPkgver = %q", got)
	}
	if got := snapshotPkgver("6.1.14", now); got != "6.1.14_p20240102030405" {
		t.Fatalf("snapshotPkgver = %q", got)
	}
}
