package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetup_JSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger, closer, err := Setup(Options{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Failed to set up logging: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "broker", "redis")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q", lines[0])
	}
	if entry["msg"] != "shown" || entry["broker"] != "redis" {
		t.Errorf("Unexpected entry %v", entry)
	}
}

func TestSetup_File(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	path := filepath.Join(t.TempDir(), "relaychat.log")
	var buf bytes.Buffer
	logger, closer, err := Setup(Options{Level: "debug", File: path}, &buf)
	if err != nil {
		t.Fatalf("Failed to set up logging: %v", err)
	}

	logger.Debug("to both")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("Expected entry in both outputs, file=%q out=%q", data, buf.String())
	}
}

func TestSetup_Invalid(t *testing.T) {
	if _, _, err := Setup(Options{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, _, err := Setup(Options{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for unknown format")
	}
}
