package logging

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
)

func TestConsoleFormat(t *testing.T) {
	var out strings.Builder
	logger := NewConsole(&out, nil).With("component", "tree")
	logger.Info("cleaning source tree", "dir", "/home/user/my linux")

	line := out.String()
	pattern := regexp.MustCompile(`^\d{2}:\d{2}:\d{2} INFO cleaning source tree component=tree dir="/home/user/my linux"\n$`)
	if !pattern.MatchString(line) {
		t.Fatalf("console line = %q", line)
	}
}

func TestConsoleLevelFilter(t *testing.T) {
	var out strings.Builder
	logger := NewConsole(&out, nil)
	logger.Debug("hidden")
	if out.Len() != 0 {
		t.Fatalf("debug record emitted at default level: %q", out.String())
	}
}

func TestJSONMode(t *testing.T) {
	var out strings.Builder
	logger := New(ModeJSON, &out, nil)
	logger.Info("environment active", "device", "pine64-pinephone")

	var record map[string]any
	if err := json.Unmarshal([]byte(out.String()), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if record["msg"] != "environment active" || record["device"] != "pine64-pinephone" {
		t.Fatalf("unexpected record: %v", record)
	}
}
