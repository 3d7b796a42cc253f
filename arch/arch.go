package arch

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Architecture defines the set of target architecture values accepted by the
// package repositories and by deviceinfo files.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	X86     Architecture = "x86"
	AArch64 Architecture = "aarch64"
	ARMV7   Architecture = "armv7"
	ARMHF   Architecture = "armhf"
	RISCV64 Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		X86,
		AArch64,
		ARMV7,
		ARMHF,
		RISCV64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, X86, AArch64, ARMV7, ARMHF, RISCV64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an
// error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(X86), "i386", "i486", "i586", "i686", "386":
		return X86
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7), "armv7l", "armv7a":
		return ARMV7
	case string(ARMHF), "armv6", "armv6l", "arm":
		return ARMHF
	case string(RISCV64):
		return RISCV64
	default:
		return ""
	}
}

// Host returns the architecture of the machine running this process, as
// reported by uname(2).
func Host() (Architecture, error) {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}
	machine := unix.ByteSliceToString(utsname.Machine[:])
	arch, err := Parse(machine)
	if err != nil {
		return "", fmt.Errorf("host architecture: %w", err)
	}
	return arch, nil
}

// kernelArchTable maps canonical architectures to the names the kernel build
// system expects in ARCH=. The mapping is deliberately explicit so that an
// unknown architecture is an error instead of an empty ARCH= value.
var kernelArchTable = map[Architecture]string{
	AArch64: "arm64",
	ARMV7:   "arm",
	ARMHF:   "arm",
	X86_64:  "x86_64",
	X86:     "x86",
	RISCV64: "riscv",
}

// KernelArch returns the kernel build system name for the architecture.
func (a Architecture) KernelArch() (string, error) {
	kernelArch, ok := kernelArchTable[a]
	if !ok {
		return "", fmt.Errorf("no kernel architecture mapping for %q", a)
	}
	return kernelArch, nil
}

// familyTable groups architectures whose toolchains can build for each other
// natively. All ARM flavors share a family: an armv7 host building an aarch64
// kernel is treated as a native build even though the bit-width differs.
var familyTable = map[Architecture]string{
	AArch64: "arm",
	ARMV7:   "arm",
	ARMHF:   "arm",
	X86_64:  "x86_64",
	X86:     "x86",
	RISCV64: "riscv64",
}

// Family returns the toolchain family of the architecture.
func (a Architecture) Family() string {
	if family, ok := familyTable[a]; ok {
		return family
	}
	return string(a)
}

// CrossCompile reports whether building for target on host requires a cross
// toolchain. Architectures in the same family are considered native.
func CrossCompile(host, target Architecture) bool {
	if host == target {
		return false
	}
	return host.Family() != target.Family()
}

// CrossCompilePrefix returns the toolchain binary prefix for the target
// triple of the architecture.
func (a Architecture) CrossCompilePrefix() string {
	switch a {
	case ARMV7, ARMHF:
		return string(a) + "-alpine-linux-musleabihf-"
	default:
		return string(a) + "-alpine-linux-musl-"
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
