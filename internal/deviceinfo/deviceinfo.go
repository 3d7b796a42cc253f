// Package deviceinfo reads the line-oriented key="value" device description
// files shipped with device packages.
package deviceinfo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pmkern/envkernel/arch"
)

// ErrParse indicates a malformed device description file.
var ErrParse = errors.New("malformed deviceinfo")

// ErrNoDeviceConfigured indicates that no device description exists for the
// device selected in pmbootstrap's configuration.
var ErrNoDeviceConfigured = errors.New("no device configured")

// Prefix is the mandatory key prefix of every deviceinfo variable.
const Prefix = "deviceinfo_"

var linePattern = regexp.MustCompile(`^([a-zA-Z0-9_]+)="(.*)"$`)

// Deviceinfo holds the parsed device description.
type Deviceinfo struct {
	// Path of the parsed file.
	Path string
	// Arch is the device CPU architecture (deviceinfo_arch, mandatory).
	Arch arch.Architecture
	// Name is the human-readable device name, if present.
	Name string
	// Codename is the device codename, if present.
	Codename string
	// Values holds every key with the deviceinfo_ prefix stripped.
	Values map[string]string
}

// Find locates the deviceinfo file for a device inside a pmaports checkout.
// Device packages live at device/<category>/device-<device>/deviceinfo.
func Find(aports, device string) (string, error) {
	if device == "" {
		return "", fmt.Errorf("%w: run 'pmbootstrap init' to select a device", ErrNoDeviceConfigured)
	}
	pattern := filepath.Join(aports, "device", "*", "device-"+device, "deviceinfo")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob %q: %w", pattern, err)
	}
	for _, match := range matches {
		if info, err := os.Stat(match); err == nil && !info.IsDir() {
			return match, nil
		}
	}
	return "", fmt.Errorf("%w: no deviceinfo for device %q under %q", ErrNoDeviceConfigured, device, aports)
}

// Parse reads and validates a deviceinfo file. A missing deviceinfo_arch key
// or any line that is not a quoted assignment is a hard error.
func Parse(path string) (*Deviceinfo, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNoDeviceConfigured, path)
		}
		return nil, fmt.Errorf("open deviceinfo %q: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		match := linePattern.FindStringSubmatch(line)
		if match == nil {
			return nil, fmt.Errorf("%w: %s:%d: expected key=\"value\", got %q", ErrParse, path, lineno, line)
		}
		key, value := match[1], match[2]
		if !strings.HasPrefix(key, Prefix) {
			return nil, fmt.Errorf("%w: %s:%d: key %q does not start with %q", ErrParse, path, lineno, key, Prefix)
		}
		values[strings.TrimPrefix(key, Prefix)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read deviceinfo %q: %w", path, err)
	}

	rawArch, ok := values["arch"]
	if !ok || rawArch == "" {
		return nil, fmt.Errorf("%w: %s: missing %sarch", ErrParse, path, Prefix)
	}
	deviceArch, err := arch.Parse(rawArch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}

	return &Deviceinfo{
		Path:     path,
		Arch:     deviceArch,
		Name:     values["name"],
		Codename: values["codename"],
		Values:   values,
	}, nil
}
