// Package session drives a whole activation: validate the source tree,
// resolve the build context from the driver, provision the chroot and bind
// the resulting command shortcuts. Stages run strictly in order and the
// first failure terminates the activation; rerunning it is the only
// recovery path.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pmkern/envkernel/arch"
	"github.com/pmkern/envkernel/internal/deviceinfo"
	"github.com/pmkern/envkernel/internal/driver"
	"github.com/pmkern/envkernel/internal/mount"
	"github.com/pmkern/envkernel/internal/provision"
	"github.com/pmkern/envkernel/internal/setup"
	"github.com/pmkern/envkernel/internal/shell"
	"github.com/pmkern/envkernel/internal/toolchain"
	"github.com/pmkern/envkernel/internal/tree"
)

// TroubleshootingURL is referenced by every activation failure.
const TroubleshootingURL = "https://postmarketos.org/envkernel"

// Stage identifies the activation pipeline step being executed.
type Stage string

const (
	StageValidating       Stage = "validating"
	StageResolvingContext Stage = "resolving-context"
	StageProvisioning     Stage = "provisioning"
	StageBinding          Stage = "binding"
)

// NativeChrootDir is the native chroot directory inside the work dir.
const NativeChrootDir = "chroot_native"

// BuildContext is the immutable per-activation context discovered from the
// driver and the device description.
type BuildContext struct {
	PmbootstrapPath string
	WorkDir         string
	ChrootPath      string
	Device          string
	DeviceArch      arch.Architecture
	DeviceinfoPath  string
}

// Options are the per-invocation activation arguments.
type Options struct {
	// Variant selects the compiler generation.
	Variant toolchain.Variant
	// SourceDir is the kernel source tree, the working directory when empty.
	SourceDir string
}

// Result carries everything a successful activation produced.
type Result struct {
	Context   BuildContext
	Selection toolchain.Selection
	Aliases   shell.Set
}

// Activator runs activations. Zero-value fields fall back to the production
// implementations.
type Activator struct {
	// Driver is the pmbootstrap client. When nil it is located relative to
	// os.Args[0] during the resolving stage.
	Driver driver.Client
	// Binder performs the bind mount. Defaults to a HostBinder.
	Binder mount.Binder
	// Validator checks and prepares the source tree.
	Validator *tree.Validator
	// HostArch overrides host architecture discovery, for tests.
	HostArch arch.Architecture

	Config setup.Config
	Logger *slog.Logger

	// ID tags the activation; a fresh UUID when empty.
	ID string
}

// Activate runs the full pipeline and returns the alias set to install into
// the calling shell. On error no aliases are returned and the error names
// the stage that failed.
func (a *Activator) Activate(ctx context.Context, opts Options) (*Result, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	logger := a.logger().With("session", a.ID)

	sourceDir := opts.SourceDir
	if sourceDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fail(StageValidating, err)
		}
		sourceDir = cwd
	}

	logger.Debug("activation starting", "stage", StageValidating, "source", sourceDir)
	if err := a.validate(ctx, sourceDir); err != nil {
		return nil, fail(StageValidating, err)
	}

	logger.Debug("activation advancing", "stage", StageResolvingContext)
	client, buildContext, err := a.resolve(ctx)
	if err != nil {
		return nil, fail(StageResolvingContext, err)
	}

	selection, err := a.selectToolchain(buildContext, opts.Variant)
	if err != nil {
		return nil, fail(StageResolvingContext, err)
	}
	logger.Info("resolved build context",
		"device", buildContext.Device,
		"arch", buildContext.DeviceArch,
		"kernel_arch", selection.KernelArch,
		"cross", selection.Cross)

	logger.Debug("activation advancing", "stage", StageProvisioning)
	provisioner := &provision.Provisioner{
		Driver: client,
		Binder: a.binder(),
		Logger: logger.With("component", "provision"),
		Config: a.Config,
	}
	if err := provisioner.Provision(ctx, buildContext.ChrootPath, sourceDir, selection); err != nil {
		return nil, fail(StageProvisioning, err)
	}

	logger.Debug("activation advancing", "stage", StageBinding)
	aliases := a.bind(client, sourceDir, selection)

	logger.Info("environment active", "device", buildContext.Device, "variant", string(selection.Variant))
	return &Result{
		Context:   buildContext,
		Selection: selection,
		Aliases:   aliases,
	}, nil
}

func (a *Activator) validate(ctx context.Context, sourceDir string) error {
	validator := a.Validator
	if validator == nil {
		validator = &tree.Validator{Logger: a.logger().With("component", "tree")}
	}
	if err := validator.Validate(sourceDir); err != nil {
		return err
	}
	return validator.Prepare(ctx, sourceDir, a.ID)
}

func (a *Activator) resolve(ctx context.Context) (driver.Client, BuildContext, error) {
	client := a.Driver
	if client == nil {
		located, err := driver.Locate(os.Args[0])
		if err != nil {
			return nil, BuildContext{}, err
		}
		located.Logger = a.logger().With("component", "driver")
		client = located
	}

	buildContext, err := Resolve(ctx, client)
	if err != nil {
		return nil, BuildContext{}, err
	}
	return client, buildContext, nil
}

// Resolve queries the driver for the build context: work directory, selected
// device and its description. The driver's work directory format is brought
// up to date first.
func Resolve(ctx context.Context, client driver.Client) (BuildContext, error) {
	if err := client.WorkMigrate(ctx); err != nil {
		return BuildContext{}, err
	}

	workDir, err := client.ConfigValue(ctx, "work")
	if err != nil {
		return BuildContext{}, err
	}
	device, err := client.ConfigValue(ctx, "device")
	if err != nil {
		return BuildContext{}, err
	}
	aports, err := client.ConfigValue(ctx, "aports")
	if err != nil {
		return BuildContext{}, err
	}

	infoPath, err := deviceinfo.Find(aports, device)
	if err != nil {
		return BuildContext{}, err
	}
	info, err := deviceinfo.Parse(infoPath)
	if err != nil {
		return BuildContext{}, err
	}

	return BuildContext{
		PmbootstrapPath: client.Root(),
		WorkDir:         workDir,
		ChrootPath:      filepath.Join(workDir, NativeChrootDir),
		Device:          device,
		DeviceArch:      info.Arch,
		DeviceinfoPath:  infoPath,
	}, nil
}

func (a *Activator) selectToolchain(buildContext BuildContext, variant toolchain.Variant) (toolchain.Selection, error) {
	host := a.HostArch
	if host == "" {
		detected, err := arch.Host()
		if err != nil {
			return toolchain.Selection{}, err
		}
		host = detected
	}
	return toolchain.Select(host, buildContext.DeviceArch, variant)
}

// bind assembles the alias set from the toolchain selection. Everything the
// aliases run goes through the driver's chroot-exec contract.
func (a *Activator) bind(client driver.Client, sourceDir string, selection toolchain.Selection) shell.Set {
	// The aliases run pmbootstrap quiet so its progress output does not
	// interleave with the kernel build's.
	makeArgv := client.ChrootArgv(driver.ChrootCall{
		User:    true,
		Quiet:   true,
		Command: a.makeCommand(selection),
	})
	chrootPrefix := client.ChrootArgv(driver.ChrootCall{User: true, Quiet: true})

	return shell.Set{
		Aliases: []shell.Alias{
			{Name: "make", Command: shell.Command{Program: makeArgv[0], Args: makeArgv[1:]}},
			{Name: "pmbroot", Command: shell.Command{Program: "cd", Args: []string{client.Root()}}},
			{Name: "kroot", Command: shell.Command{Program: "cd", Args: []string{sourceDir}}},
		},
		Scripts: []shell.ScriptRunner{
			{
				Name:         "run-script",
				ChrootPrefix: chrootPrefix,
				SourceRoot:   provision.MountPoint,
				BuildDir:     provision.OutputPath,
			},
		},
	}
}

// makeCommand builds the in-chroot make invocation. LOCALVERSION is forced
// empty so a dirty working tree cannot leak into the kernel version string.
func (a *Activator) makeCommand(selection toolchain.Selection) []string {
	command := []string{"ARCH=" + selection.KernelArch}
	if selection.Cross {
		command = append(command, "CROSS_COMPILE="+selection.CrossCompile)
	}
	command = append(command,
		"make", "-C", provision.MountPoint,
		"O="+provision.OutputPath,
		"CC="+selection.CC(),
		"HOSTCC="+selection.HostCC(),
		"LOCALVERSION=",
	)
	if a.Config.Jobs > 0 {
		command = append(command, fmt.Sprintf("-j%d", a.Config.Jobs))
	}
	return append(command, a.Config.MakeArgs...)
}

func (a *Activator) binder() mount.Binder {
	if a.Binder != nil {
		return a.Binder
	}
	return &mount.HostBinder{Logger: a.logger().With("component", "mount")}
}

func (a *Activator) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func fail(stage Stage, err error) error {
	return fmt.Errorf("activation failed while %s: %w (see %s)", stage, err, TroubleshootingURL)
}
