package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pmkern/envkernel/arch"
	"github.com/pmkern/envkernel/internal/driver"
	"github.com/pmkern/envkernel/internal/logging"
	"github.com/pmkern/envkernel/internal/mount"
	"github.com/pmkern/envkernel/internal/packaging"
	"github.com/pmkern/envkernel/internal/session"
	"github.com/pmkern/envkernel/internal/setup"
	"github.com/pmkern/envkernel/internal/shell"
	"github.com/pmkern/envkernel/internal/toolchain"
)

const (
	defaultLogLevel  = "warning"
	defaultLogFormat = "console"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	slog.SetDefault(logging.NewConsole(os.Stderr, &levelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel
	logFormat := defaultLogFormat
	configPath := ""

	root := &cobra.Command{
		Use:           "envkernel",
		Short:         "Activate a kernel cross-build environment backed by the pmbootstrap chroot",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	// Stdout is reserved for generated shell source; everything cobra
	// prints goes to stderr.
	root.SetOut(os.Stderr)
	root.SetErr(os.Stderr)

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log output format (console, json)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the envkernel config file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		mode, err := parseLogFormat(logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logging.New(mode, os.Stderr, levelVar))
		return nil
	}

	root.AddCommand(
		newActivateCommand(&configPath),
		newPackageCommand(&configPath),
		newConfigCommand(&configPath),
	)
	return root
}

func newActivateCommand(configPath *string) *cobra.Command {
	var (
		gcc6 bool
		gcc4 bool
		fish bool
	)

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Prepare the chroot and print make/run-script aliases for the calling shell",
		Long: `Prepare the native chroot for cross-compiling the kernel in the current
directory and print shell alias definitions on stdout.

Use it as: eval "$(envkernel activate)"
or, from fish: envkernel activate --fish | source`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := selectVariant(gcc6, gcc4)
			if err != nil {
				return err
			}

			cmdLogger := slog.Default().With("command", "activate")
			config, err := setup.Load(*configPath)
			if err != nil {
				return err
			}

			activator := &session.Activator{
				Config: config,
				Logger: cmdLogger,
			}
			result, err := activator.Activate(cmd.Context(), session.Options{Variant: variant})
			if err != nil {
				return err
			}

			dialect := shell.POSIX
			if fish {
				dialect = shell.Fish
			}
			return result.Aliases.Render(os.Stdout, dialect)
		},
	}

	cmd.Flags().BoolVar(&gcc6, "gcc6", false, "Use the gcc6 compatibility toolchain")
	cmd.Flags().BoolVar(&gcc4, "gcc4", false, "Use the gcc4 compatibility toolchain")
	cmd.Flags().BoolVar(&fish, "fish", false, "Emit fish syntax instead of POSIX sh")

	return cmd
}

func selectVariant(gcc6, gcc4 bool) (toolchain.Variant, error) {
	if gcc6 && gcc4 {
		return "", fmt.Errorf("%w: --gcc6 and --gcc4 are mutually exclusive", toolchain.ErrInvalidArgument)
	}
	switch {
	case gcc6:
		return toolchain.GCC6, nil
	case gcc4:
		return toolchain.GCC4, nil
	default:
		return toolchain.Default, nil
	}
}

func newPackageCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package <linux-pkgname>",
		Args:  cobra.ExactArgs(1),
		Short: "Package the kernel built with the activated environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgname := strings.TrimSpace(args[0])
			if pkgname == "" {
				return fmt.Errorf("package name is required")
			}
			cmdLogger := slog.Default().With("command", "package", "pkgname", pkgname)

			client, err := driver.Locate(os.Args[0])
			if err != nil {
				return err
			}
			client.Logger = cmdLogger.With("component", "driver")

			buildContext, err := session.Resolve(cmd.Context(), client)
			if err != nil {
				return err
			}
			aports, err := client.ConfigValue(cmd.Context(), "aports")
			if err != nil {
				return err
			}
			hostArch, err := arch.Host()
			if err != nil {
				return err
			}
			sourceDir, err := os.Getwd()
			if err != nil {
				return err
			}

			packager := &packaging.Packager{
				Driver: client,
				Binder: &mount.HostBinder{Logger: cmdLogger.With("component", "mount")},
				Logger: cmdLogger,
			}
			return packager.Package(cmd.Context(), buildContext, packaging.Options{
				Pkgname:   pkgname,
				SourceDir: sourceDir,
				Aports:    aports,
				HostArch:  hostArch,
			})
		},
	}
	return cmd
}

func newConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize the envkernel configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := setup.Load(*configPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(config)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				defaultPath, err := setup.DefaultPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %q already exists", path)
			}
			if err := setup.Save(setup.Default(), path); err != nil {
				return err
			}
			slog.Info("wrote default configuration", "path", path)
			return nil
		},
	}

	cmd.AddCommand(show, initCmd)
	return cmd
}

func parseLogFormat(value string) (logging.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "console", "text":
		return logging.ModeConsole, nil
	case "json":
		return logging.ModeJSON, nil
	default:
		return logging.ModeConsole, fmt.Errorf("unknown log format %q", value)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
