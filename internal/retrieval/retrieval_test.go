package retrieval

import (
	"path/filepath"
	"testing"

	"github.com/deflagg/eva-sub002/internal/evamem"
	"github.com/deflagg/eva-sub002/internal/semantic"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/tags"
	"github.com/deflagg/eva-sub002/internal/vectorstore"
)

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{
		"":     1,
		"ab":   1,
		"abcd": 1,
		"abcde": 2,
		"abcdefgh": 2,
	}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRenderWorkingLogEntryRoles(t *testing.T) {
	in := &evamem.Entry{Type: evamem.EntryTextInput, TsMs: 1, Text: "hi"}
	role, block, err := RenderWorkingLogEntry(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if role != "user" {
		t.Fatalf("expected user role for text_input, got %s", role)
	}
	if block == "" {
		t.Fatalf("expected non-empty block")
	}

	out := &evamem.Entry{Type: evamem.EntryTextOutput, TsMs: 2, Text: "hello"}
	role, _, err = RenderWorkingLogEntry(out)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if role != "assistant" {
		t.Fatalf("expected assistant role for text_output, got %s", role)
	}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	st, err := shortterm.Open(filepath.Join(dir, "short_term_memory.db"))
	if err != nil {
		t.Fatalf("open shortterm: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sem, err := semantic.Open(filepath.Join(dir, "semantic_memory.db"))
	if err != nil {
		t.Fatalf("open semantic: %v", err)
	}
	t.Cleanup(func() { sem.Close() })

	vecs, err := vectorstore.Open(filepath.Join(dir, "long_term_memory.db"), 64)
	if err != nil {
		t.Fatalf("open vectorstore: %v", err)
	}
	t.Cleanup(func() { vecs.Close() })

	wl, err := tags.Load(filepath.Join(dir, "missing_whitelist.json"), "awareness")
	if err != nil {
		t.Fatalf("load whitelist: %v", err)
	}

	return Deps{
		ShortTerm: st,
		Semantic:  sem,
		Vectors:   vecs,
		Whitelist: wl,
		TagRules:  tags.DefaultExperienceRules(),
	}
}

func TestBuildShortTermFallsBackToRecent(t *testing.T) {
	deps := newTestDeps(t)
	if _, err := deps.ShortTerm.InsertBatch(1000, 0, 1000, 1, []string{"the robot avoided a near collision"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx := BuildShortTerm(deps, 2000, nil, "totally unrelated query with no tag matches xyz")
	if ctx.ShortTermMode != ShortTermModeFallback {
		t.Fatalf("expected fallback mode, got %s", ctx.ShortTermMode)
	}
}

func TestBuildShortTermUsesTagFilterWhenAvailable(t *testing.T) {
	deps := newTestDeps(t)
	if _, err := deps.ShortTerm.InsertBatch(1000, 0, 1000, 1, []string{"avoided a near-collision with the table"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx := BuildShortTerm(deps, 2000, nil, "did we have a near collision today?")
	if ctx.ShortTermMode != ShortTermModeTagFilter {
		t.Fatalf("expected tag_filter mode, got %s", ctx.ShortTermMode)
	}
}
