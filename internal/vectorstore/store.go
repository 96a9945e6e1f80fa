// Package vectorstore is the long-term VectorEntry store: two logical
// tables, long_term_experiences and long_term_personality, each backed by
// a sqlite-vec vec0 virtual table for top-K cosine query plus a companion
// relational table for the entry's non-vector fields.
//
// Directly adapted from internal/graph/db.go's trace_vec setup in the
// teacher repo: ensureVecTable/normalizeFloat32/cosineDistToL2/
// l2ToCosineSim are carried over near-verbatim (same vec0-with-integer-
// rowid trick, same cosine-as-normalized-L2 math), generalized from one
// fixed "traces" table to two named logical tables so experiences and
// personality entries don't collide.
package vectorstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Table names the two logical VectorEntry tables.
type Table string

const (
	TableExperiences Table = "long_term_experiences"
	TablePersonality Table = "long_term_personality"
)

// Entry is a row of VectorEntry.
type Entry struct {
	ID string
	SourceSummaryID int64
	SourceCreatedAtMs int64
	UpdatedAtMs int64
	Text string
	Tags []string
	Embedding []float64
}

// Store wraps the long_term_memory_db/lancedb-equivalent sqlite connection.
// Both logical tables live in one sqlite file using vec0 as an opaque
// vector-database adapter: schema creation, id-keyed merge-upsert, top-K
// cosine query, satisfied here by vec0 rather than lancedb.
type Store struct {
	db *sql.DB
	dim int
}

// Open opens (creating if absent) the vector store at path and ensures
// both logical tables exist for the given embedding dimension.
func Open(path string, dim int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore: ping %s: %w", path, err)
	}
	s := &Store{db: db, dim: dim}
	for _, t := range []Table{TableExperiences, TablePersonality} {
		if err := s.ensureTable(t); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureTable(t Table) error {
	relTable := relTableName(t)
	vecTable := vecTableName(t)

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		source_summary_id INTEGER,
		source_created_at_ms INTEGER,
		updated_at_ms INTEGER NOT NULL,
		text TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]'
	);
	`, relTable)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("vectorstore: create %s: %w", relTable, err)
	}

	vecSchema := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
		embedding float[%d],
		+entry_id TEXT
	)`, vecTable, s.dim)
	if _, err := s.db.Exec(vecSchema); err != nil {
		return fmt.Errorf("vectorstore: create %s: %w", vecTable, err)
	}
	return nil
}

func relTableName(t Table) string { return string(t) }
func vecTableName(t Table) string { return string(t) + "_vec" }

// Upsert merge-upserts entry by id into table t: the relational row is
// replaced and the vec0 row is deleted-then-reinserted (vec0 does not
// reliably support INSERT OR REPLACE, the same caveat the teacher's
// ensureVecTable comment calls out).
func (s *Store) Upsert(t Table, e Entry) error {
	if len(e.Embedding) != s.dim {
		return fmt.Errorf("vectorstore: embedding dim %d != table dim %d", len(e.Embedding), s.dim)
	}
	tagsJSON, err := marshalTags(e.Tags)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	relTable := relTableName(t)
	vecTable := vecTableName(t)

	var rowid int64
	err = tx.QueryRow(fmt.Sprintf(`SELECT rowid FROM %s WHERE id = ?`, relTable), e.ID).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
		res, iErr := tx.Exec(fmt.Sprintf(`INSERT INTO %s
			(id, source_summary_id, source_created_at_ms, updated_at_ms, text, tags)
			VALUES (?, ?, ?, ?, ?, ?)`, relTable),
			e.ID, e.SourceSummaryID, e.SourceCreatedAtMs, e.UpdatedAtMs, e.Text, tagsJSON)
		if iErr != nil {
			return iErr
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, uErr := tx.Exec(fmt.Sprintf(`UPDATE %s SET
			source_summary_id = ?, source_created_at_ms = ?, updated_at_ms = ?, text = ?, tags = ?
			WHERE id = ?`, relTable),
			e.SourceSummaryID, e.SourceCreatedAtMs, e.UpdatedAtMs, e.Text, tagsJSON, e.ID); uErr != nil {
			return uErr
		}
	}

	emb32 := normalizeFloat32(float64ToFloat32(e.Embedding))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, vecTable), rowid); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s(rowid, embedding, entry_id) VALUES (?, ?, ?)`, vecTable),
		rowid, serialized, e.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// Scored is a query result paired with its cosine similarity.
type Scored struct {
	Entry Entry
	Similarity float64
}

// TopK returns the topK nearest entries in table t to queryEmb by cosine
// similarity.
func (s *Store) TopK(t Table, queryEmb []float64, topK int) ([]Scored, error) {
	if len(queryEmb) != s.dim {
		return nil, fmt.Errorf("vectorstore: query dim %d != table dim %d", len(queryEmb), s.dim)
	}
	vecTable := vecTableName(t)
	relTable := relTableName(t)

	emb32 := normalizeFloat32(float64ToFloat32(queryEmb))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT entry_id, distance FROM %s
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, vecTable), serialized, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id string
		dist float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.dist); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Scored, 0, len(hits))
	for _, h := range hits {
		e, ok, err := s.get(relTable, h.id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Scored{Entry: e, Similarity: l2ToCosineSim(h.dist)})
	}
	return out, nil
}

func (s *Store) get(relTable, id string) (Entry, bool, error) {
	var e Entry
	var tagsJSON string
	err := s.db.QueryRow(fmt.Sprintf(`SELECT id, source_summary_id, source_created_at_ms, updated_at_ms, text, tags
		FROM %s WHERE id = ?`, relTable), id).
		Scan(&e.ID, &e.SourceSummaryID, &e.SourceCreatedAtMs, &e.UpdatedAtMs, &e.Text, &tagsJSON)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Tags = unmarshalTags(tagsJSON)
	return e, true, nil
}

// Count returns the number of rows in table t.
func (s *Store) Count(t Table) (int, error) {
	var n int
	err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, relTableName(t))).Scan(&n)
	return n, err
}

// Recent returns the limit most recently-created entries in table t,
// ordered by source_created_at_ms DESC, for the core_experiences.json
// cache refresh.
func (s *Store) Recent(t Table, limit int) ([]Entry, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, source_summary_id, source_created_at_ms, updated_at_ms, text, tags
		FROM %s ORDER BY source_created_at_ms DESC LIMIT ?`, relTableName(t)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tagsJSON string
		if err := rows.Scan(&e.ID, &e.SourceSummaryID, &e.SourceCreatedAtMs, &e.UpdatedAtMs, &e.Text, &tagsJSON); err != nil {
			return nil, err
		}
		e.Tags = unmarshalTags(tagsJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of v. Normalizing before
// storing in vec0 makes L2 distance equivalent to cosine distance:
// cosine_dist = L2_dist² / 2 (for unit vectors).
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance on normalized vectors to cosine
// similarity: cosine_sim = 1 - L2²/2.
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTags(s string) []string {
	var tags []string
	_ = json.Unmarshal([]byte(s), &tags)
	return tags
}
