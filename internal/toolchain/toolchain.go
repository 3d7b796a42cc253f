// Package toolchain derives cross-compilation settings from the host and
// device architectures and the selected compiler variant.
package toolchain

import (
	"errors"
	"fmt"

	"github.com/pmkern/envkernel/arch"
)

// ErrInvalidArgument indicates conflicting or unknown activation arguments.
var ErrInvalidArgument = errors.New("invalid argument")

// Variant selects the compiler generation. Older downstream kernels only
// build with older gcc releases.
type Variant string

const (
	// Default uses the current gcc of the build root.
	Default Variant = ""
	// GCC6 uses the gcc6 compatibility packages.
	GCC6 Variant = "gcc6"
	// GCC4 uses the gcc4 compatibility packages.
	GCC4 Variant = "gcc4"
)

// Valid reports whether the variant is a known value.
func (v Variant) Valid() bool {
	switch v {
	case Default, GCC6, GCC4:
		return true
	default:
		return false
	}
}

// CompilerCommand returns the compiler binary name of the variant, without
// any cross prefix.
func (v Variant) CompilerCommand() string {
	if v == Default {
		return "gcc"
	}
	return string(v)
}

// CompilerPackages returns the compiler packages to install for building a
// target kernel. Cross builds add the target-suffixed cross compiler on top
// of the native one.
func (v Variant) CompilerPackages(target arch.Architecture, cross bool) []string {
	compiler := v.CompilerCommand()
	packages := []string{compiler, "g++"}
	if cross {
		packages = append(packages, fmt.Sprintf("%s-%s", compiler, target))
	}
	return packages
}

// MarkerName returns the provisioning marker file name for the variant.
func (v Variant) MarkerName() string {
	if v == Default {
		return "setup_done"
	}
	return string(v) + "_setup_done"
}

// Selection is the immutable result of toolchain resolution.
type Selection struct {
	Variant    Variant
	HostArch   arch.Architecture
	TargetArch arch.Architecture

	// KernelArch is the value passed to the kernel build system as ARCH=.
	KernelArch string

	// Cross reports whether a cross toolchain is required. Architectures of
	// the same family build natively for each other.
	Cross bool

	// CrossCompile is the toolchain binary prefix, empty for native builds.
	CrossCompile string
}

// Select resolves the toolchain for building a target kernel on a host. An
// architecture without a kernel mapping is an error, never an empty ARCH=.
func Select(host, target arch.Architecture, variant Variant) (Selection, error) {
	if !variant.Valid() {
		return Selection{}, fmt.Errorf("%w: unknown compiler variant %q", ErrInvalidArgument, variant)
	}

	kernelArch, err := target.KernelArch()
	if err != nil {
		return Selection{}, err
	}

	selection := Selection{
		Variant:    variant,
		HostArch:   host,
		TargetArch: target,
		KernelArch: kernelArch,
	}
	if arch.CrossCompile(host, target) {
		selection.Cross = true
		selection.CrossCompile = target.CrossCompilePrefix()
	}
	return selection, nil
}

// CC returns the target compiler command.
func (s Selection) CC() string {
	return s.CrossCompile + s.Variant.CompilerCommand()
}

// HostCC returns the compiler command for host tools built during the kernel
// build.
func (s Selection) HostCC() string {
	return s.Variant.CompilerCommand()
}
