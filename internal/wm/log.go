// Package wm implements the working-memory log: an append-only
// newline-delimited JSON file of evamem.Entry records.
//
// Grounded on internal/journal/journal.go in the teacher repo (append-only
// JSONL with a guarding mutex) generalized two ways: entries are the
// tagged evamem.Entry union instead of a single Entry struct, and a
// rewriteAtomic operation is added (the teacher's journal never needed to
// rewrite itself; EVA's compaction job does, via temp-file + rename).
package wm

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deflagg/eva-sub002/internal/evamem"
	"github.com/deflagg/eva-sub002/internal/logging"
)

// Log wraps a single on-disk working_memory.log file. Log itself performs
// no locking — callers that mutate must run through a writequeue.Queue so
// that append/rewriteAtomic never interleave.
type Log struct {
	path string
}

// New returns a Log bound to path. The parent directory is created lazily
// on first Append/RewriteAtomic, matching the teacher's journal.New.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the underlying file path.
func (l *Log) Path() string { return l.path }

// Append serializes each entry on its own line and appends them to the
// log in a single write.
func (l *Log) Append(entries []*evamem.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("wm: create parent dir: %w", err)
	}

	var buf strings.Builder
	for _, e := range entries {
		line, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("wm: marshal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wm: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(buf.String()); err != nil {
		return fmt.Errorf("wm: append write: %w", err)
	}
	return nil
}

// RewriteAtomic replaces the entire log with entries. It writes to a
// sibling temp file and renames over the target so readers never observe
// a partial file: compaction's rewrite is observable atomically.
func (l *Log) RewriteAtomic(entries []*evamem.Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("wm: create parent dir: %w", err)
	}

	randSuffix := make([]byte, 4)
	_, _ = rand.Read(randSuffix)
	tmpPath := fmt.Sprintf("%s.tmp-%d-%x", l.path, os.Getpid(), randSuffix)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wm: open temp file: %w", err)
	}

	var writeErr error
	for _, e := range entries {
		line, err := e.Marshal()
		if err != nil {
			writeErr = err
			break
		}
		if _, err := f.Write(line); err != nil {
			writeErr = err
			break
		}
		if _, err := f.Write([]byte{'\n'}); err != nil {
			writeErr = err
			break
		}
	}
	if syncErr := f.Sync(); syncErr != nil && writeErr == nil {
		writeErr = syncErr
	}
	if closeErr := f.Close(); closeErr != nil && writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wm: write temp file: %w", writeErr)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wm: rename temp file: %w", err)
	}
	return nil
}

// Read loads the entire log, tolerating a missing file, discarding
// malformed/empty lines (with a logged warning), and sorting ascending by
// TsMs.
func (l *Log) Read() ([]*evamem.Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wm: open: %w", err)
	}
	defer f.Close()

	var entries []*evamem.Entry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e evamem.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			logging.Warn("wm", "discarding malformed line %d in %s: %v", lineNo, l.path, err)
			continue
		}
		if !e.Valid() {
			logging.Warn("wm", "discarding invalid entry at line %d in %s", lineNo, l.path)
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("wm: scan: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TsMs < entries[j].TsMs
	})
	return entries, nil
}
