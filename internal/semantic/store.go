// Package semantic is the structured SemanticItem store merge-upserted by
// the daily promotion job.
//
// Grounded on the same migration style as internal/shortterm, using
// modernc.org/sqlite for the same reason (no vec0 dependency here). The
// merge-upsert semantics (confidence = max(old, new), support_count +=
// new, first_seen = min(old, new), last_seen = max(old, new)) are
// implemented as a read-modify-write inside a transaction, the same
// shape as the entity upsert pattern in internal/graph/db.go.
package semantic

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Kind is the SemanticItem category.
type Kind string

const (
	KindTrait Kind = "trait"
	KindPreference Kind = "preference"
	KindFact Kind = "fact"
	KindProject Kind = "project"
	KindRule Kind = "rule"
)

// Item is a row of SemanticItem.
type Item struct {
	ID string
	Kind Kind
	Text string
	Confidence float64
	SupportCount int
	FirstSeenMs int64
	LastSeenMs int64
	SourceSummaryIDs []int64
	UpdatedAtMs int64
}

// ID computes the SemanticItem id: sha256(kind|text_lc) hex-encoded.
func ID(kind Kind, text string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + strings.ToLower(text)))
	return hex.EncodeToString(sum[:])
}

// Store wraps the semantic_memory.db connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the semantic store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("semantic: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("semantic: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	CREATE TABLE IF NOT EXISTS semantic_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		confidence REAL NOT NULL,
		support_count INTEGER NOT NULL,
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms INTEGER NOT NULL,
		source_summary_ids TEXT NOT NULL DEFAULT '[]',
		updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_last_seen ON semantic_items(last_seen_ms DESC);
	CREATE INDEX IF NOT EXISTS idx_semantic_ranking ON semantic_items(support_count DESC, confidence DESC, last_seen_ms DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Merge upserts item: a new row is inserted verbatim; an existing row is
// updated with confidence = max(old, new), support_count += item.SupportCount,
// first_seen = min(old, new), last_seen = max(old, new), source_summary_ids
// extended with item's (deduplicated), and updated_at_ms = nowMs.
func (s *Store) Merge(item Item, nowMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing Item
	var srcJSON string
	err = tx.QueryRow(`SELECT id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms
		FROM semantic_items WHERE id = ?`, item.ID).
		Scan(&existing.ID, &existing.Kind, &existing.Text, &existing.Confidence, &existing.SupportCount,
			&existing.FirstSeenMs, &existing.LastSeenMs, &srcJSON, &existing.UpdatedAtMs)

	if err == sql.ErrNoRows {
		encoded, mErr := json.Marshal(item.SourceSummaryIDs)
		if mErr != nil {
			return mErr
		}
		_, err = tx.Exec(`INSERT INTO semantic_items
			(id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, string(item.Kind), item.Text, item.Confidence, item.SupportCount,
			item.FirstSeenMs, item.LastSeenMs, string(encoded), nowMs)
		if err != nil {
			return err
		}
		return tx.Commit()
	}
	if err != nil {
		return err
	}

	var existingSrc []int64
	_ = json.Unmarshal([]byte(srcJSON), &existingSrc)
	merged := mergeIDs(existingSrc, item.SourceSummaryIDs)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	confidence := max64(existing.Confidence, item.Confidence)
	support := existing.SupportCount + item.SupportCount
	firstSeen := minInt64(existing.FirstSeenMs, item.FirstSeenMs)
	lastSeen := maxInt64(existing.LastSeenMs, item.LastSeenMs)

	_, err = tx.Exec(`UPDATE semantic_items SET
		confidence = ?, support_count = ?, first_seen_ms = ?, last_seen_ms = ?,
		source_summary_ids = ?, updated_at_ms = ?
		WHERE id = ?`,
		confidence, support, firstSeen, lastSeen, string(encoded), nowMs, item.ID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func mergeIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, id := range append(append([]int64{}, a...), b...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// TopByRank returns the top limit items ordered by
// (support_count DESC, confidence DESC, last_seen_ms DESC), the ordering
// the long-term context block renders traits in.
func (s *Store) TopByRank(limit int) ([]Item, error) {
	rows, err := s.db.Query(`SELECT id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms
		FROM semantic_items ORDER BY support_count DESC, confidence DESC, last_seen_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// RecentByLastSeen returns the limit most recently-seen items, for the
// core_personality.json cache refresh.
func (s *Store) RecentByLastSeen(limit int) ([]Item, error) {
	rows, err := s.db.Query(`SELECT id, kind, text, confidence, support_count, first_seen_ms, last_seen_ms, source_summary_ids, updated_at_ms
		FROM semantic_items ORDER BY last_seen_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// Count returns the total number of semantic items.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM semantic_items`).Scan(&n)
	return n, err
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var srcJSON string
		if err := rows.Scan(&it.ID, &it.Kind, &it.Text, &it.Confidence, &it.SupportCount,
			&it.FirstSeenMs, &it.LastSeenMs, &srcJSON, &it.UpdatedAtMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(srcJSON), &it.SourceSummaryIDs)
		out = append(out, it)
	}
	return out, rows.Err()
}
