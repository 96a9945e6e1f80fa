package vectorstore

import (
	"math"
	"path/filepath"
	"testing"
)

func unitVec(dim, hot int) []float64 {
	v := make([]float64, dim)
	v[hot%dim] = 1
	return v
}

func TestUpsertAndTopK(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "long_term_memory.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	entries := []Entry{
		{ID: "a", Text: "likes hiking", Tags: []string{"hobby"}, Embedding: unitVec(8, 0), UpdatedAtMs: 1},
		{ID: "b", Text: "likes biking", Tags: []string{"hobby"}, Embedding: unitVec(8, 1), UpdatedAtMs: 1},
	}
	for _, e := range entries {
		if err := s.Upsert(TableExperiences, e); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}

	results, err := s.TopK(TableExperiences, unitVec(8, 0), 1)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	if len(results) != 1 || results[0].Entry.ID != "a" {
		t.Fatalf("expected nearest match 'a', got %+v", results)
	}
	if math.Abs(results[0].Similarity-1.0) > 1e-6 {
		t.Fatalf("expected similarity ~1.0 for identical vector, got %v", results[0].Similarity)
	}
}

func TestUpsertReplacesExistingID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "long_term_memory.db"), 8)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Upsert(TableExperiences, Entry{ID: "a", Text: "v1", Embedding: unitVec(8, 0), UpdatedAtMs: 1}); err != nil {
		t.Fatalf("upsert v1: %v", err)
	}
	if err := s.Upsert(TableExperiences, Entry{ID: "a", Text: "v2", Embedding: unitVec(8, 0), UpdatedAtMs: 2}); err != nil {
		t.Fatalf("upsert v2: %v", err)
	}

	n, err := s.Count(TableExperiences)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected upsert to replace, got %d rows", n)
	}
}
