package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/georgepadayatti/pdfsign/config"
)

func TestNewJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfsign.log")
	logger, closeFn, err := New(&config.LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("request_id", "abc").Msg("shown")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["message"] != "shown" || entry["request_id"] != "abc" || entry["level"] != "warn" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewDefaults(t *testing.T) {
	logger, closeFn, err := New(nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer closeFn()
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", logger.GetLevel())
	}
}

func TestNewErrors(t *testing.T) {
	if _, _, err := New(&config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := New(&config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Error("expected error for unwritable output")
	}
}
