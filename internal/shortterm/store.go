// Package shortterm is the relational short-term summary store written by
// the hourly compaction job and read by retrieval and promotion.
//
// Grounded on the migration/open style of internal/graph/db.go in the
// teacher repo (WAL pragma, schema_version table, idempotent CREATE TABLE
// IF NOT EXISTS), trimmed down to one table since short-term summaries have
// no graph structure, and switched to modernc.org/sqlite (pure Go) since
// this store never needs the vec0 extension that forces cgo elsewhere.
package shortterm

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Summary is a row of ShortTermSummary.
type Summary struct {
	ID int64
	CreatedAtMs int64
	BucketStartMs int64
	BucketEndMs int64
	SummaryText string
	SourceEntryCount int
}

// Store wraps the short_term_memory.db connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the short-term store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("shortterm: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("shortterm: open %s: %w", path, err)
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
	CREATE TABLE IF NOT EXISTS short_term_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at_ms INTEGER NOT NULL,
		bucket_start_ms INTEGER NOT NULL,
		bucket_end_ms INTEGER NOT NULL,
		summary_text TEXT NOT NULL,
		source_entry_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_short_term_created_at ON short_term_summaries(created_at_ms DESC, id DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// InsertBatch inserts the given bullets as one summary row each, all
// within a single transaction. bucketStartMs and bucketEndMs and
// sourceEntryCount are shared across every row in the batch (they
// describe the compacted window, not the individual bullet).
func (s *Store) InsertBatch(createdAtMs, bucketStartMs, bucketEndMs int64, sourceEntryCount int, bullets []string) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO short_term_summaries
		(created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(bullets))
	for _, bullet := range bullets {
		res, err := stmt.Exec(createdAtMs, bucketStartMs, bucketEndMs, bullet, sourceEntryCount)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Recent returns the limit most recent rows, ordered by
// created_at_ms DESC, id DESC.
func (s *Store) Recent(limit int) ([]Summary, error) {
	rows, err := s.db.Query(`SELECT id, created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count
		FROM short_term_summaries ORDER BY created_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// InWindow returns rows whose created_at_ms lies in [startMs, endMs),
// ordered by created_at_ms DESC, id DESC.
func (s *Store) InWindow(startMs, endMs int64) ([]Summary, error) {
	rows, err := s.db.Query(`SELECT id, created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count
		FROM short_term_summaries WHERE created_at_ms >= ? AND created_at_ms < ?
		ORDER BY created_at_ms DESC, id DESC`, startMs, endMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// TagOverlap returns rows whose summary_text contains at least one of the
// given candidate substrings, most recent first, capped at limit. Matching
// uses SQLite LIKE, so it ignores ASCII case and an "_" in a candidate
// matches any single character (e.g. "near_collision" matches
// "near-collision"). Used by retrieval's tag-filter short-term selection
// mode.
func (s *Store) TagOverlap(candidates []string, limit int) ([]Summary, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	query := `SELECT id, created_at_ms, bucket_start_ms, bucket_end_ms, summary_text, source_entry_count
		FROM short_term_summaries WHERE `
	args := make([]any, 0, len(candidates)+1)
	for i, c := range candidates {
		if i > 0 {
			query += " OR "
		}
		query += "summary_text LIKE ?"
		args = append(args, "%"+c+"%")
	}
	query += " ORDER BY created_at_ms DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.CreatedAtMs, &sm.BucketStartMs, &sm.BucketEndMs, &sm.SummaryText, &sm.SourceEntryCount); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
