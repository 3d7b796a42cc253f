// Package mount provides the privilege boundary for bind-mounting the kernel
// source tree into the chroot. All other chroot filesystem work goes through
// the driver; only the bind mount itself needs host-side privileges.
package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrMountFailed indicates a failed mount or unmount operation.
var ErrMountFailed = errors.New("mount operation failed")

// Binder abstracts bind-mount operations so provisioning can be tested
// without privileges.
type Binder interface {
	// Bind mounts source onto target. Target must already exist.
	Bind(ctx context.Context, source, target string) error
	// Unmount removes the mount at target.
	Unmount(ctx context.Context, target string) error
	// Mounted reports whether target currently is a mount point.
	Mounted(target string) (bool, error)
}

// HostBinder performs real mounts, directly via mount(2) when running as
// root and through sudo otherwise.
type HostBinder struct {
	Logger *slog.Logger

	// MountinfoPath overrides /proc/self/mountinfo, for tests.
	MountinfoPath string
}

var _ Binder = (*HostBinder)(nil)

// Bind mounts source onto target with MS_BIND.
func (b *HostBinder) Bind(ctx context.Context, source, target string) error {
	b.logger().Debug("bind mounting", "source", source, "target", target)

	if os.Geteuid() == 0 {
		if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("%w: bind %q onto %q: %v", ErrMountFailed, source, target, err)
		}
		return nil
	}
	if err := runPrivileged(ctx, "mount", "--bind", source, target); err != nil {
		return fmt.Errorf("%w: bind %q onto %q: %v", ErrMountFailed, source, target, err)
	}
	return nil
}

// Unmount removes the mount at target.
func (b *HostBinder) Unmount(ctx context.Context, target string) error {
	b.logger().Debug("unmounting", "target", target)

	if os.Geteuid() == 0 {
		if err := unix.Unmount(target, 0); err != nil {
			return fmt.Errorf("%w: unmount %q: %v", ErrMountFailed, target, err)
		}
		return nil
	}
	if err := runPrivileged(ctx, "umount", target); err != nil {
		return fmt.Errorf("%w: unmount %q: %v", ErrMountFailed, target, err)
	}
	return nil
}

// Mounted reports whether target appears as a mount point in mountinfo.
func (b *HostBinder) Mounted(target string) (bool, error) {
	path := b.MountinfoPath
	if path == "" {
		path = "/proc/self/mountinfo"
	}

	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if unescapeMountPath(fields[4]) == target {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read %q: %w", path, err)
	}
	return false, nil
}

// unescapeMountPath decodes the octal escapes mountinfo uses for whitespace.
func unescapeMountPath(path string) string {
	replacer := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(path)
}

func runPrivileged(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, "sudo", append([]string{name}, args...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (b *HostBinder) logger() *slog.Logger {
	if b != nil && b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
