package wm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deflagg/eva-sub002/internal/evamem"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "working_memory.log"))

	entries := []*evamem.Entry{
		{Type: evamem.EntryTextInput, TsMs: 200, Text: "hello"},
		{Type: evamem.EntryTextOutput, TsMs: 100, Text: "hi"},
	}
	if err := l.Append(entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].TsMs != 100 || got[1].TsMs != 200 {
		t.Fatalf("expected ascending ts_ms order, got %d then %d", got[0].TsMs, got[1].TsMs)
	}
}

func TestReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "missing.log"))
	got, err := l.Read()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d entries", len(got))
	}
}

func TestReadDiscardsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "working_memory.log")
	l := New(path)

	if err := l.Append([]*evamem.Entry{{Type: evamem.EntryWMEvent, TsMs: 1}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	appendRaw(t, path, "not json\n")
	appendRaw(t, path, `{"ts_ms": 2}`+"\n") // missing type -> invalid

	got, err := l.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 valid entry, got %d", len(got))
	}
}

func TestRewriteAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "working_memory.log")
	l := New(path)

	if err := l.Append([]*evamem.Entry{
		{Type: evamem.EntryWMEvent, TsMs: 1},
		{Type: evamem.EntryWMEvent, TsMs: 2},
		{Type: evamem.EntryWMEvent, TsMs: 3},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	kept := []*evamem.Entry{{Type: evamem.EntryWMEvent, TsMs: 3}}
	if err := l.RewriteAtomic(kept); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	got, err := l.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].TsMs != 3 {
		t.Fatalf("expected only ts_ms=3 to survive, got %+v", got)
	}
}

func appendRaw(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("write: %v", err)
	}
}
