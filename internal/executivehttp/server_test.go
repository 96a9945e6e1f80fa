package executivehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/deflagg/eva-sub002/internal/config"
	"github.com/deflagg/eva-sub002/internal/modelclient"
	"github.com/deflagg/eva-sub002/internal/semantic"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/tags"
	"github.com/deflagg/eva-sub002/internal/tone"
	"github.com/deflagg/eva-sub002/internal/toolcontract"
	"github.com/deflagg/eva-sub002/internal/trace"
	"github.com/deflagg/eva-sub002/internal/vectorstore"
	"github.com/deflagg/eva-sub002/internal/wm"
	"github.com/deflagg/eva-sub002/internal/writequeue"
)

// stubClient always returns a fixed commit_text_response tool call.
type stubClient struct {
	resp modelclient.Response
	err error
}

func (s *stubClient) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	return s.resp, s.err
}

func testServer(t *testing.T, client modelclient.Client) *Server {
	t.Helper()
	dir := t.TempDir()

	log := wm.New(filepath.Join(dir, "working_memory.log"))
	queue := writequeue.New()
	t.Cleanup(queue.Close)

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

	vecs, err := vectorstore.Open(filepath.Join(dir, "vectors.db"), 64)
	if err != nil {
		t.Fatalf("open vectorstore: %v", err)
	}
	t.Cleanup(func() { vecs.Close() })

	wl, err := tags.Load(filepath.Join(dir, "experience_tags.json"), "awareness")
	if err != nil {
		t.Fatalf("load whitelist: %v", err)
	}

	toneCache, err := tone.Load(filepath.Join(dir, "personality_tone.json"))
	if err != nil {
		t.Fatalf("load tone cache: %v", err)
	}

	cfg := config.Default()
	cfg.Memory.Dir = dir

	return New(Deps{
		Config: cfg,
		Log: log,
		Queue: queue,
		ShortTerm: st,
		Semantic: sem,
		Vectors: vecs,
		Whitelist: wl,
		ExperienceTagRules: tags.DefaultExperienceRules(),
		PersonalityTagRules: tags.DefaultPersonalityRules(),
		Tone: toneCache,
		Model: client,
		Trace: trace.New(filepath.Join(dir, "trace.jsonl"), ""),
		Persona: "You are EVA.",
		AssetsDir: filepath.Join(dir, "working_memory_assets"),
		Now: func() int64 { return 1000 },
	})
}

func TestHandleHealthReportsJobState(t *testing.T) {
	s := testServer(t, &stubClient{})
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
	if _, ok := body.Jobs[JobCompaction]; !ok {
		t.Fatalf("expected compaction job state present")
	}
}

func TestHandleEventsAppendsAndReturnsAccepted(t *testing.T) {
	s := testServer(t, &stubClient{})
	body := `{"v":1,"source":"detector","events":[{"name":"near_collision","ts_ms":100,"severity":"high","data":{"track_id":"t1"}}]}`
	req := httptest.NewRequest("POST", "/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp eventsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("expected 1 accepted event, got %d", resp.Accepted)
	}

	entries, err := s.deps.Log.Read()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "near_collision" {
		t.Fatalf("expected event entry persisted, got %+v", entries)
	}
}

func TestHandleEventsRejectsBadShape(t *testing.T) {
	s := testServer(t, &stubClient{})
	req := httptest.NewRequest("POST", "/events", bytes.NewBufferString(`{"v":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleRespondUsesToolCallAndPersists(t *testing.T) {
	client := &stubClient{resp: modelclient.Response{
		ToolCall: &modelclient.ToolCall{
			Name: toolcontract.ToolCommitTextResponse,
			Args: map[string]any{
				"text": "hello there",
				"meta": map[string]any{
					"tone": "warm",
					"concepts": []any{"chat"},
					"surprise": 0.2,
				},
			},
		},
	}}
	s := testServer(t, client)

	req := httptest.NewRequest("POST", "/respond", bytes.NewBufferString(`{"text":"hi eva"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp respondResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("expected tool-call text, got %q", resp.Text)
	}
	if resp.Meta.Tone != "warm" {
		t.Fatalf("expected tone warm, got %q", resp.Meta.Tone)
	}

	entries, err := s.deps.Log.Read()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected text_input + text_output appended, got %d entries", len(entries))
	}
}

func TestHandleRespondFallsBackWithoutToolCall(t *testing.T) {
	client := &stubClient{resp: modelclient.Response{Text: "plain reply"}}
	s := testServer(t, client)

	req := httptest.NewRequest("POST", "/respond", bytes.NewBufferString(`{"text":"hi eva"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp respondResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "plain reply" {
		t.Fatalf("expected fallback text, got %q", resp.Text)
	}
	if resp.Meta.Note != "fallback" {
		t.Fatalf("expected fallback note, got %q", resp.Meta.Note)
	}
}

func TestHandleRespondRejectsEmptyText(t *testing.T) {
	s := testServer(t, &stubClient{})
	req := httptest.NewRequest("POST", "/respond", bytes.NewBufferString(`{"text":""}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleJobsRunRejectsUnknownJob(t *testing.T) {
	s := testServer(t, &stubClient{})
	req := httptest.NewRequest("POST", "/jobs/run", bytes.NewBufferString(`{"job":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleJobsRunCompactionNoopsOnEmptyLog(t *testing.T) {
	s := testServer(t, &stubClient{})
	req := httptest.NewRequest("POST", "/jobs/run", bytes.NewBufferString(`{"job":"compaction","now_ms":5000}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
