// Package driver wraps the pmbootstrap command line contract. pmbootstrap
// owns package management, device configuration and the chroot lifecycle;
// this package only locates the program and forwards subcommands to it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrLocatorFailed indicates that no usable pmbootstrap installation was
// found next to the invoking binary or on PATH.
var ErrLocatorFailed = errors.New("pmbootstrap not found")

// EntryPoint is the script name that identifies a pmbootstrap checkout.
const EntryPoint = "pmbootstrap.py"

// EnvOverride names the environment variable that forces a specific
// pmbootstrap executable.
const EnvOverride = "PMBOOTSTRAP"

// ChrootCall describes a single command execution inside the native chroot.
type ChrootCall struct {
	// User runs the command as the unprivileged build user instead of root.
	User bool
	// Quiet suppresses pmbootstrap's own progress output.
	Quiet bool
	// Command is the argv executed inside the chroot. Leading KEY=value
	// words are interpreted by the chroot shell as environment assignments.
	Command []string
}

// Client is the subset of the pmbootstrap contract consumed by envkernel.
type Client interface {
	// WorkMigrate brings the on-disk work directory format up to date,
	// initializing interactively on first run.
	WorkMigrate(ctx context.Context) error
	// ConfigValue returns the value of a pmbootstrap config key such as
	// "work" or "device".
	ConfigValue(ctx context.Context, key string) (string, error)
	// RunChroot executes a command inside the native chroot.
	RunChroot(ctx context.Context, call ChrootCall) error
	// ChrootArgv returns the host argv that RunChroot would execute, for
	// embedding into shell aliases.
	ChrootArgv(call ChrootCall) []string
	// Root returns the pmbootstrap checkout directory.
	Root() string
}

// Pmbootstrap is the production Client talking to a real pmbootstrap
// executable.
type Pmbootstrap struct {
	// Path is the pmbootstrap executable or pmbootstrap.py entry point.
	Path   string
	Logger *slog.Logger

	// Stdout receives subprocess output. It defaults to os.Stderr: stdout
	// of the calling process is reserved for the generated alias script.
	Stdout io.Writer
	Stderr io.Writer
}

var _ Client = (*Pmbootstrap)(nil)

// Locate finds the pmbootstrap entry point. The PMBOOTSTRAP environment
// variable wins; otherwise a checkout containing pmbootstrap.py is searched
// relative to argv0, then PATH.
func Locate(argv0 string) (*Pmbootstrap, error) {
	if override := strings.TrimSpace(os.Getenv(EnvOverride)); override != "" {
		if _, err := os.Stat(override); err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrLocatorFailed, EnvOverride, override, err)
		}
		return &Pmbootstrap{Path: override}, nil
	}

	if path, ok := locateCheckout(argv0); ok {
		return &Pmbootstrap{Path: path}, nil
	}

	if path, err := exec.LookPath("pmbootstrap"); err == nil {
		return &Pmbootstrap{Path: path}, nil
	}

	return nil, fmt.Errorf("%w: install pmbootstrap or set %s", ErrLocatorFailed, EnvOverride)
}

// locateCheckout looks for pmbootstrap.py in the directories above the
// invoking binary, covering the layout where envkernel is installed inside a
// pmbootstrap checkout.
func locateCheckout(argv0 string) (string, bool) {
	resolved, err := filepath.Abs(argv0)
	if err != nil {
		return "", false
	}
	if linked, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = linked
	}

	dir := filepath.Dir(resolved)
	for i := 0; i < 3; i++ {
		candidate := filepath.Join(dir, EntryPoint)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// Root returns the checkout directory containing the entry point.
func (p *Pmbootstrap) Root() string {
	return filepath.Dir(p.Path)
}

// WorkMigrate runs "pmbootstrap work_migrate". pmbootstrap handles both the
// format migration and, on a fresh machine, the interactive init, so the
// subprocess inherits the terminal.
func (p *Pmbootstrap) WorkMigrate(ctx context.Context) error {
	p.logger().Debug("migrating pmbootstrap work directory")

	cmd := exec.CommandContext(ctx, p.Path, "work_migrate")
	cmd.Stdin = os.Stdin
	cmd.Stdout = p.stdout()
	cmd.Stderr = p.stderr()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pmbootstrap work_migrate: %w", err)
	}
	return nil
}

// ConfigValue runs "pmbootstrap config <key>" and returns the trimmed value.
func (p *Pmbootstrap) ConfigValue(ctx context.Context, key string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Path, "-q", "config", key)
	cmd.Stderr = p.stderr()
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pmbootstrap config %s: %w", key, err)
	}
	value := strings.TrimSpace(string(output))
	p.logger().Debug("read pmbootstrap config", "key", key, "value", value)
	return value, nil
}

// RunChroot executes a command inside the native chroot via
// "pmbootstrap chroot".
func (p *Pmbootstrap) RunChroot(ctx context.Context, call ChrootCall) error {
	argv := p.ChrootArgv(call)
	p.logger().Debug("running command in chroot", "argv", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = p.stdout()
	cmd.Stderr = p.stderr()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pmbootstrap chroot (%s): %w", strings.Join(call.Command, " "), err)
	}
	return nil
}

// ChrootArgv builds the host argv for a chroot call without executing it.
// Quiet calls pass -q so pmbootstrap's own progress output stays out of the
// build output; verbosity is otherwise left to pmbootstrap's defaults.
func (p *Pmbootstrap) ChrootArgv(call ChrootCall) []string {
	argv := []string{p.Path}
	if call.Quiet {
		argv = append(argv, "-q")
	}
	argv = append(argv, "chroot")
	if call.User {
		argv = append(argv, "--user")
	}
	argv = append(argv, "--")
	return append(argv, call.Command...)
}

func (p *Pmbootstrap) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pmbootstrap) stdout() io.Writer {
	if p.Stdout != nil {
		return p.Stdout
	}
	return os.Stderr
}

func (p *Pmbootstrap) stderr() io.Writer {
	if p.Stderr != nil {
		return p.Stderr
	}
	return os.Stderr
}
