package arch

import "testing"

func TestParseNormalizesAliases(t *testing.T) {
	cases := map[string]Architecture{
		"x86_64":  X86_64,
		"amd64":   X86_64,
		"i686":    X86,
		"aarch64": AArch64,
		"arm64":   AArch64,
		"armv7l":  ARMV7,
		"armv6":   ARMHF,
		"riscv64": RISCV64,
		" X86_64": X86_64,
	}
	for input, want := range cases {
		got, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	if _, err := Parse("m68k"); err == nil {
		t.Fatal("Parse accepted unsupported architecture")
	}
}

func TestKernelArchMapping(t *testing.T) {
	cases := map[Architecture]string{
		AArch64: "arm64",
		ARMV7:   "arm",
		ARMHF:   "arm",
		X86_64:  "x86_64",
		X86:     "x86",
		RISCV64: "riscv",
	}
	for input, want := range cases {
		got, err := input.KernelArch()
		if err != nil {
			t.Fatalf("KernelArch(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("KernelArch(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestKernelArchUnmappedIsError(t *testing.T) {
	if _, err := Architecture("sparc").KernelArch(); err == nil {
		t.Fatal("expected error for unmapped architecture")
	}
}

func TestCrossCompile(t *testing.T) {
	cases := []struct {
		host, target Architecture
		want         bool
	}{
		{X86_64, X86_64, false},
		{X86_64, AArch64, true},
		{X86_64, ARMV7, true},
		{AArch64, X86_64, true},
		// All ARM flavors are one family: building aarch64 on armv7 is
		// treated as native despite the differing bit-width.
		{ARMV7, AArch64, false},
		{AArch64, ARMV7, false},
		{ARMHF, ARMV7, false},
		{X86, X86_64, true},
	}
	for _, tc := range cases {
		if got := CrossCompile(tc.host, tc.target); got != tc.want {
			t.Fatalf("CrossCompile(%q, %q) = %t, want %t", tc.host, tc.target, got, tc.want)
		}
	}
}

func TestCrossCompilePrefix(t *testing.T) {
	if got := AArch64.CrossCompilePrefix(); got != "aarch64-alpine-linux-musl-" {
		t.Fatalf("unexpected aarch64 prefix %q", got)
	}
	if got := ARMV7.CrossCompilePrefix(); got != "armv7-alpine-linux-musleabihf-" {
		t.Fatalf("unexpected armv7 prefix %q", got)
	}
}
