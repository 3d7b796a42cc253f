package packaging

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ErrKbuildOutNotFound indicates that no build output directory could be
// derived from the APKBUILD.
var ErrKbuildOutNotFound = errors.New("kbuild output directory not found")

// ErrKbuildOutAmbiguous indicates that the APKBUILD references more than one
// build output directory.
var ErrKbuildOutAmbiguous = errors.New("multiple kbuild output directories found")

// kbuild output paths appear in APKBUILD package() bodies in two shapes:
//
//	"<prefix>/<kbuild_out>/arch/<arch>/boot"
//	"<prefix>/<kbuild_out>/include/config/kernel.release"
//
// where the prefix is $builddir or $srcdir, optionally braced and quoted.
var (
	kbuildOutBoot    = regexp.MustCompile(`^"?\$(\{?builddir\}?|\{?srcdir\}?)"?/(.*/)*(arch/.*/boot.*)"?$`)
	kbuildOutRelease = regexp.MustCompile(`^"?\$(\{?builddir\}?|\{?srcdir\}?)"?/(.*/)*(include/config/kernel\.release)"?$`)
)

// MatchKbuildOut extracts the kbuild output directory from a single word of
// an APKBUILD function body. The second return reports whether the word is a
// build output path at all; an empty directory means the kernel builds
// in-tree.
func MatchKbuildOut(word string) (string, bool) {
	match := kbuildOutBoot.FindStringSubmatch(word)
	if match == nil {
		match = kbuildOutRelease.FindStringSubmatch(word)
	}
	if match == nil {
		return "", false
	}
	return strings.Trim(match[2], "/"), true
}

// FindKbuildOutputDir guesses the kernel build output directory from the
// body of the APKBUILD package() function. Every line contributing a guess
// must agree.
func FindKbuildOutputDir(functionBody []string) (string, error) {
	var guesses []string
	for _, line := range functionBody {
		for _, word := range strings.Fields(line) {
			// APKBUILDs calling downstreamkernel_package use the default
			// in-tree output.
			if word == "downstreamkernel_package" {
				guesses = append(guesses, "")
				break
			}
			if out, ok := MatchKbuildOut(word); ok {
				guesses = append(guesses, out)
				break
			}
		}
	}

	if len(guesses) == 0 {
		return "", fmt.Errorf("%w: is the APKBUILD package() function using $builddir or $srcdir paths?", ErrKbuildOutNotFound)
	}
	first := guesses[0]
	for _, guess := range guesses[1:] {
		if guess != first {
			return "", fmt.Errorf("%w: %q and %q", ErrKbuildOutAmbiguous, first, guess)
		}
	}
	return first, nil
}

// APKBUILD is a minimal representation of a package build file: top-level
// variable assignments and function bodies. It understands just enough of
// the format for kernel packaging.
type APKBUILD struct {
	Path      string
	Vars      map[string]string
	Functions map[string][]string
}

// Pkgname returns the pkgname variable.
func (a *APKBUILD) Pkgname() string { return a.Vars["pkgname"] }

// Pkgver returns the pkgver variable.
func (a *APKBUILD) Pkgver() string { return a.Vars["pkgver"] }

// Pkgrel returns the pkgrel variable.
func (a *APKBUILD) Pkgrel() string { return a.Vars["pkgrel"] }

var (
	assignmentPattern    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)
	functionStartPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\(\)\s*\{`)
)

// ParseAPKBUILD reads top-level assignments and function bodies from an
// APKBUILD file.
func ParseAPKBUILD(path string) (*APKBUILD, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open APKBUILD %q: %w", path, err)
	}
	defer file.Close()

	parsed := &APKBUILD{
		Path:      path,
		Vars:      make(map[string]string),
		Functions: make(map[string][]string),
	}

	scanner := bufio.NewScanner(file)
	currentFunction := ""
	for scanner.Scan() {
		line := scanner.Text()

		if currentFunction != "" {
			if strings.TrimRight(line, " \t") == "}" {
				currentFunction = ""
				continue
			}
			parsed.Functions[currentFunction] = append(parsed.Functions[currentFunction], line)
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if match := functionStartPattern.FindStringSubmatch(trimmed); match != nil {
			currentFunction = match[1]
			continue
		}
		if match := assignmentPattern.FindStringSubmatch(trimmed); match != nil {
			parsed.Vars[match[1]] = unquoteValue(match[2])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read APKBUILD %q: %w", path, err)
	}
	return parsed, nil
}

// RewriteAPKBUILD copies the APKBUILD at src to dst, replacing top-level
// assignments with the given fields. Fields without an existing assignment
// are appended.
func RewriteAPKBUILD(src, dst string, fields map[string]string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read APKBUILD %q: %w", src, err)
	}

	remaining := make(map[string]string, len(fields))
	for key, value := range fields {
		remaining[key] = value
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		match := assignmentPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		if value, ok := remaining[match[1]]; ok {
			lines[i] = formatAssignment(match[1], value)
			delete(remaining, match[1])
		}
	}
	for _, key := range sortedKeys(remaining) {
		lines = append(lines, formatAssignment(key, remaining[key]))
	}

	if err := os.WriteFile(dst, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write APKBUILD %q: %w", dst, err)
	}
	return nil
}

func formatAssignment(key, value string) string {
	return fmt.Sprintf("%s=%q", key, value)
}

func unquoteValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
