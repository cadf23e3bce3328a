package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"escrowflow/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "escrowflow", "json", slog.LevelInfo)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("escrow transition committed", "escrowId", "0")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["severity"] != "INFO" {
		t.Fatalf("expected severity INFO got %v", entry["severity"])
	}
	if entry["service"] != "escrowflow" || entry["escrowId"] != "0" {
		t.Fatalf("unexpected attributes: %v", entry)
	}
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "escrowflow", "text", slog.LevelDebug)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "severity=DEBUG") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
	if _, err := NewWithWriter(&buf, "x", "xml", slog.LevelInfo); err == nil {
		t.Fatal("expected unknown format error")
	}
}

func TestNewRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowflow.log")
	logger, closer, err := New("escrowflow", config.LogConfig{Level: "info", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Fatalf("parse %q: expected %v got %v (%v)", name, want, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
