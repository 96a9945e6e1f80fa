package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestLogRedactsSecretsAndImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	l := New(path, "")

	l.Log(PhaseRequest, map[string]any{
		"api_key":   "sk-should-not-appear",
		"image_b64": strings.Repeat("a", 1000),
		"note":      "hello",
	})

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var entry Entry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.Fields["api_key"] != "[redacted]" {
		t.Fatalf("expected api_key redacted, got %v", entry.Fields["api_key"])
	}
	if got, ok := entry.Fields["image_b64"].(string); !ok || !strings.Contains(got, "omitted base64 image") {
		t.Fatalf("expected image_b64 omitted, got %v", entry.Fields["image_b64"])
	}
	if entry.Fields["note"] != "hello" {
		t.Fatalf("expected unrelated field untouched, got %v", entry.Fields["note"])
	}
}

func TestLogTruncatesLongStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	l := New(path, "")
	l.cfg.TruncateChars = 10

	l.Log(PhaseResponse, map[string]any{"text": strings.Repeat("x", 50)})

	lines := readLines(t, path)
	var entry Entry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := entry.Fields["text"].(string)
	if !strings.Contains(got, "truncated 40 chars") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
}

func TestLogRespectsGates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	l := New(path, "")
	l.cfg.Gates[PhaseError] = false

	l.Log(PhaseError, map[string]any{"msg": "boom"})

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file to be created when the phase gate is closed")
	}
}

func TestRotateIfNeededShiftsFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")
	l := New(path, "")
	l.cfg.MaxSizeBytes = 1
	l.cfg.MaxRotations = 2

	l.Log(PhaseRequest, map[string]any{"n": 1})
	l.Log(PhaseRequest, map[string]any{"n": 2})

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotation to produce trace.jsonl.1: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected a fresh trace.jsonl after rotation: %v", err)
	}
}
