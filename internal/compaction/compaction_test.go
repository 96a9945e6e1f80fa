package compaction

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/deflagg/eva-sub002/internal/evamem"
	"github.com/deflagg/eva-sub002/internal/modelclient"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/toolcontract"
	"github.com/deflagg/eva-sub002/internal/wm"
)

type stubClient struct {
	resp modelclient.Response
	err  error
}

func (s *stubClient) Complete(_ context.Context, _ modelclient.Request) (modelclient.Response, error) {
	return s.resp, s.err
}

func toolCallResponse(bullets []string) modelclient.Response {
	args := make([]any, len(bullets))
	for i, b := range bullets {
		args[i] = b
	}
	return modelclient.Response{
		ToolCall: &modelclient.ToolCall{
			Name: toolcontract.ToolCommitWorkingMemoryCompaction,
			Args: map[string]any{"bullets": args},
		},
	}
}

func newLogWithEntries(t *testing.T, dir string, entries []*evamem.Entry) *wm.Log {
	t.Helper()
	l := wm.New(filepath.Join(dir, "working_memory.log"))
	if err := l.Append(entries); err != nil {
		t.Fatalf("append: %v", err)
	}
	return l
}

func TestRunNoopWhenNothingOld(t *testing.T) {
	dir := t.TempDir()
	l := newLogWithEntries(t, dir, []*evamem.Entry{{Type: evamem.EntryWMEvent, TsMs: 5000}})
	store, err := shortterm.Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	res, err := Run(context.Background(), nil, l, store, 6000, 10000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SourceEntryCount != 0 || res.SummaryCount != 0 {
		t.Fatalf("expected no-op result, got %+v", res)
	}
}

func TestRunModelPathPersistsBulletsAndTruncatesLog(t *testing.T) {
	dir := t.TempDir()
	entries := []*evamem.Entry{
		{Type: evamem.EntryWMEvent, TsMs: 100, Name: "saw cup", Source: "detector"},
		{Type: evamem.EntryTextInput, TsMs: 200, Text: "hello"},
		{Type: evamem.EntryWMEvent, TsMs: 9000, Name: "still here"}, // kept
	}
	l := newLogWithEntries(t, dir, entries)
	store, err := shortterm.Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	client := &stubClient{resp: toolCallResponse([]string{
		"saw a cup on the table", "user said hello", "short-term summary note",
	})}

	res, err := Run(context.Background(), client, l, store, 5000, 1000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SourceEntryCount != 2 {
		t.Fatalf("expected 2 old entries, got %d", res.SourceEntryCount)
	}
	if res.KeptEntryCount != 1 {
		t.Fatalf("expected 1 kept entry, got %d", res.KeptEntryCount)
	}
	if res.SummaryCount != 3 {
		t.Fatalf("expected 3 persisted bullets, got %d", res.SummaryCount)
	}

	remaining, err := l.Read()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(remaining) != 1 || remaining[0].TsMs != 9000 {
		t.Fatalf("expected only the kept entry to survive, got %+v", remaining)
	}

	rows, err := store.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 short-term rows, got %d", len(rows))
	}
}

func TestRunFallsBackOnModelError(t *testing.T) {
	dir := t.TempDir()
	entries := []*evamem.Entry{
		{Type: evamem.EntryWMInsight, TsMs: 100, OneLiner: "spotted motion near the door"},
		{Type: evamem.EntryTextOutput, TsMs: 150, Text: "that was surprising", Meta: &evamem.Meta{Surprise: 0.9}},
		{Type: evamem.EntryWMEvent, TsMs: 9000}, // kept
	}
	l := newLogWithEntries(t, dir, entries)
	store, err := shortterm.Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	client := &stubClient{err: context.DeadlineExceeded}

	res, err := Run(context.Background(), client, l, store, 5000, 1000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SummaryCount < minBullets {
		t.Fatalf("expected fallback to produce at least %d bullets, got %d", minBullets, res.SummaryCount)
	}
}

func TestNormalizeBulletsRejectsTelemetryAndDedupes(t *testing.T) {
	raw := []string{
		"- User prefers dark mode",
		`{"k": "v"} telemetry junk`,
		"frame_id=abc track_id=def leaked",
		"user prefers dark mode",
		"  Extra   whitespace   here  ",
	}
	out := normalizeBullets(raw, 10)
	if len(out) != 2 {
		t.Fatalf("expected telemetry-like and duplicate bullets dropped, got %v", out)
	}
}
