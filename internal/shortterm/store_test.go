package shortterm

import (
	"path/filepath"
	"testing"
)

func TestInsertBatchAndRecent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ids, err := s.InsertBatch(1000, 0, 1000, 12, []string{"bullet one", "bullet two"})
	if err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	recent, err := s.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(recent))
	}
	if recent[0].SourceEntryCount != 12 {
		t.Fatalf("expected source_entry_count 12, got %d", recent[0].SourceEntryCount)
	}
}

func TestInWindow(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.InsertBatch(500, 0, 500, 1, []string{"early"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertBatch(1500, 500, 1500, 1, []string{"late"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := s.InWindow(1000, 2000)
	if err != nil {
		t.Fatalf("in window: %v", err)
	}
	if len(rows) != 1 || rows[0].SummaryText != "late" {
		t.Fatalf("expected only 'late' in window, got %+v", rows)
	}
}

func TestTagOverlap(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.InsertBatch(1000, 0, 1000, 1, []string{"user prefers dark mode", "unrelated bullet"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := s.TagOverlap([]string{"prefers"}, 5)
	if err != nil {
		t.Fatalf("tag overlap: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 match, got %d", len(rows))
	}
}
