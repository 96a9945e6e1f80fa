// Package executivehttp wires the memory pipeline packages into the
// Executive's HTTP surface: /health, /events, /respond, /insight, and
// /jobs/run.
//
// Grounded on memory-service/cmd/memory-service/main.go's Service+mux
// shape in the teacher repo (one struct holding every initialized
// component, one handler method per route registered on an
// http.ServeMux), generalized from the memory-service's four routes to
// the Executive's five and from its single graph.DB to the Executive's
// wm/shortterm/semantic/vectorstore/tone stack.
package executivehttp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deflagg/eva-sub002/internal/compaction"
	"github.com/deflagg/eva-sub002/internal/config"
	"github.com/deflagg/eva-sub002/internal/evamem"
	"github.com/deflagg/eva-sub002/internal/httpx"
	"github.com/deflagg/eva-sub002/internal/logging"
	"github.com/deflagg/eva-sub002/internal/modelclient"
	"github.com/deflagg/eva-sub002/internal/promotion"
	"github.com/deflagg/eva-sub002/internal/retrieval"
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

// JobName identifies one of the two scheduled jobs.
type JobName string

const (
	JobCompaction JobName = "compaction"
	JobPromotion JobName = "promotion"
)

// JobState records one job's last four lifecycle timestamps plus its last
// error, surfaced on GET /health.
type JobState struct {
	LastRequestedAtMs int64 `json:"last_requested_at_ms,omitempty"`
	LastStartedAtMs int64 `json:"last_started_at_ms,omitempty"`
	LastCompletedAtMs int64 `json:"last_completed_at_ms,omitempty"`
	LastFailedAtMs int64 `json:"last_failed_at_ms,omitempty"`
	LastError string `json:"last_error,omitempty"`
	running bool
}

// Deps bundles every component the Executive's handlers read or write.
type Deps struct {
	Config *config.Config
	Log *wm.Log
	Queue *writequeue.Queue
	ShortTerm *shortterm.Store
	Semantic *semantic.Store
	Vectors *vectorstore.Store
	Whitelist *tags.Whitelist
	ExperienceTagRules *tags.RuleSet
	PersonalityTagRules *tags.RuleSet
	Tone *tone.Cache
	Model modelclient.Client
	Trace *trace.Logger
	Persona string
	AssetsDir string
	Now func() int64 // injectable clock, defaults to time.Now in New
}

// Server holds the Executive's initialized components and job/cooldown
// runtime state.
type Server struct {
	deps Deps

	jobsMu sync.Mutex
	jobs map[JobName]*JobState

	insightMu sync.Mutex
	lastInsightRequestAtMs int64
}

// New constructs a Server from deps, defaulting Now to time.Now in
// milliseconds if unset.
func New(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = nowMs
	}
	return &Server{
		deps: deps,
		jobs: map[JobName]*JobState{
			JobCompaction: {},
			JobPromotion: {},
		},
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Mux returns the http.ServeMux wired to every Executive route.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /events", s.handleEvents)
	mux.HandleFunc("POST /respond", s.handleRespond)
	mux.HandleFunc("POST /insight", s.handleInsight)
	mux.HandleFunc("POST /jobs/run", s.handleJobsRun)
	return mux
}

// ─── Health ─────────────────────────────────────────────────────────────

type healthPaths struct {
	WorkingMemoryLog string `json:"working_memory_log"`
	ShortTermDB string `json:"short_term_db"`
	LongTermDir string `json:"long_term_dir"`
}

type healthResponse struct {
	Status string `json:"status"`
	Model string `json:"model"`
	Guardrails bool `json:"guardrails"`
	Jobs map[JobName]JobState `json:"jobs"`
	MemoryPaths healthPaths `json:"memory_paths"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jobsMu.Lock()
	jobsSnapshot := make(map[JobName]JobState, len(s.jobs))
	for name, js := range s.jobs {
		jobsSnapshot[name] = *js
	}
	s.jobsMu.Unlock()

	model := "none"
	if s.deps.Model != nil {
		model = "configured"
	}

	dir := s.deps.Config.Memory.Dir
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Model: model,
		Guardrails: s.deps.Whitelist != nil,
		Jobs: jobsSnapshot,
		MemoryPaths: healthPaths{
			WorkingMemoryLog: filepath.Join(dir, "working_memory.log"),
			ShortTermDB: filepath.Join(dir, "short_term_memory.db"),
			LongTermDir: filepath.Join(dir, "long_term_memory_db"),
		},
	})
}

// ─── Events ─────────────────────────────────────────────────────────────

type eventIn struct {
	Name string `json:"name"`
	TsMs int64 `json:"ts_ms"`
	Severity evamem.Severity `json:"severity"`
	TrackID string `json:"track_id,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

type eventsRequest struct {
	V int `json:"v"`
	Source string `json:"source"`
	Events []eventIn `json:"events"`
	Meta map[string]any `json:"meta,omitempty"`
}

type eventsResponse struct {
	Accepted int `json:"accepted"`
	TsMs int64 `json:"ts_ms"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if code, ok := httpx.ReadJSONBody(w, r, s.maxBodyBytes(), &req); !ok {
		httpx.Fail(w, code, "failed to read request body", nil)
		return
	}
	if req.V != 1 || req.Source == "" || len(req.Events) == 0 {
		httpx.Fail(w, httpx.ErrInvalidRequest, "events request must be {v:1, source, events:[...]}", nil)
		return
	}

	now := s.deps.Now()
	entries := make([]*evamem.Entry, 0, len(req.Events))
	for _, ev := range req.Events {
		if ev.Name == "" {
			httpx.Fail(w, httpx.ErrInvalidRequest, "event missing name", nil)
			return
		}
		entries = append(entries, &evamem.Entry{
			Type: evamem.EntryWMEvent,
			TsMs: ev.TsMs,
			Source: req.Source,
			Name: ev.Name,
			Severity: ev.Severity,
			TrackID: ev.TrackID,
			Summary: summarizeEventData(ev.Name, ev.Data),
			Data: ev.Data,
		})
	}

	_, err := s.deps.Queue.Submit(r.Context(), func(ctx context.Context) (any, error) {
		return nil, s.deps.Log.Append(entries)
	})
	if err != nil {
		httpx.Fail(w, httpx.ErrMemoryWriteFailed, err.Error(), nil)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, eventsResponse{Accepted: len(entries), TsMs: now})
}

// summarizeEventData renders name plus up to four short scalar k=v pairs
// from data, capped at 180 chars total.
func summarizeEventData(name string, data map[string]any) string {
	var b strings.Builder
	b.WriteString(name)
	count := 0
	for k, v := range data {
		if count >= 4 {
			break
		}
		scalar, ok := scalarString(v)
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf(" %s=%s", k, scalar))
		count++
	}
	out := b.String()
	if len(out) > 180 {
		out = out[:180]
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%g", t), true
	case bool:
		return fmt.Sprintf("%t", t), true
	default:
		return "", false
	}
}

func (s *Server) maxBodyBytes() int64 {
	if s.deps.Config.Insight.MaxBodyBytes > 0 {
		return s.deps.Config.Insight.MaxBodyBytes
	}
	return 8 << 20
}

// ─── Respond ────────────────────────────────────────────────────────────

type respondRequest struct {
	Text string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

type respondResponse struct {
	Text string `json:"text"`
	Meta evamem.Meta `json:"meta"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if code, ok := httpx.ReadJSONBody(w, r, s.maxBodyBytes(), &req); !ok {
		httpx.Fail(w, code, "failed to read request body", nil)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httpx.Fail(w, httpx.ErrInvalidRequest, "text must be non-empty", nil)
		return
	}

	requestID := uuid.NewString()
	sessionKey := req.SessionID
	if sessionKey == "" {
		sessionKey = tone.DefaultSessionKey
	}
	currentTone := s.deps.Tone.Get(sessionKey)
	explicitChange := tone.IsExplicitToneChange(req.Text)

	s.deps.Trace.Log(trace.PhaseRequest, map[string]any{"request_id": requestID, "text": req.Text})

	workingLog, err := s.deps.Log.Read()
	if err != nil {
		httpx.Fail(w, httpx.ErrMemoryWriteFailed, err.Error(), nil)
		return
	}

	now := s.deps.Now()
	longTerm, err := retrieval.BuildLongTerm(s.retrievalDeps(), req.Text)
	if err != nil {
		httpx.Fail(w, httpx.ErrMemoryWriteFailed, err.Error(), nil)
		return
	}
	shortTerm := retrieval.BuildShortTerm(s.retrievalDeps(), now, workingLog, req.Text)

	systemPrompt := s.renderSystemPrompt(shortTerm.ShortTermBlock, longTerm, currentTone)

	messages := make([]modelclient.Message, 0, len(workingLog))
	for _, e := range workingLog {
		_, block, err := retrieval.RenderWorkingLogEntry(e)
		if err != nil {
			continue
		}
		messages = append(messages, modelclient.Message{Role: e.Role(), Text: block})
	}

	modelReq := modelclient.Request{
		SystemPrompt: systemPrompt,
		Messages: messages,
		Tools: []toolcontract.ToolDef{toolcontract.CommitTextResponseTool},
		FinalUser: "CURRENT_USER_REQUEST: " + req.Text,
	}

	_, text, meta, err := s.callRespond(r.Context(), modelReq, currentTone)
	if err != nil {
		s.deps.Trace.Log(trace.PhaseError, map[string]any{"request_id": requestID, "error": err.Error()})
		httpx.Fail(w, httpx.ErrModelCallFailed, err.Error(), nil)
		return
	}

	reason := "observed"
	if explicitChange {
		reason = "explicit"
	}

	_, err = s.deps.Queue.Submit(r.Context(), func(ctx context.Context) (any, error) {
		entries := []*evamem.Entry{
			{Type: evamem.EntryTextInput, TsMs: now, RequestID: requestID, SessionID: req.SessionID, Text: req.Text},
			{Type: evamem.EntryTextOutput, TsMs: now + 1, RequestID: requestID, SessionID: req.SessionID, Text: text, Meta: &meta},
		}
		if err := s.deps.Log.Append(entries); err != nil {
			return nil, err
		}
		return nil, s.deps.Tone.Update(sessionKey, meta.Tone, now+1, reason)
	})
	if err != nil {
		httpx.Fail(w, httpx.ErrMemoryWriteFailed, err.Error(), nil)
		return
	}

	s.deps.Trace.Log(trace.PhaseResponse, map[string]any{"request_id": requestID, "text": text, "meta": meta})

	httpx.WriteJSON(w, http.StatusOK, respondResponse{Text: text, Meta: meta, RequestID: requestID, SessionID: req.SessionID})
}

// callRespond invokes the model and extracts {text, meta}, falling back to
// the plain-text path if the model did not call commit_text_response.
func (s *Server) callRespond(ctx context.Context, req modelclient.Request, currentTone string) (modelclient.Response, string, evamem.Meta, error) {
	resp, err := s.deps.Model.Complete(ctx, req)
	if err != nil {
		return resp, "", evamem.Meta{}, err
	}

	if resp.ToolCall != nil && resp.ToolCall.Name == toolcontract.ToolCommitTextResponse {
		if verr := toolcontract.Validate(toolcontract.CommitTextResponseTool, resp.ToolCall.Args); verr == nil {
			text, _ := resp.ToolCall.Args["text"].(string)
			meta := s.sanitizeMeta(resp.ToolCall.Args["meta"], currentTone)
			return resp, text, meta, nil
		}
	}

	// Fallback: plain text without a tool call. Never surface an empty reply.
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = "I don't have a response right now."
	}
	meta := evamem.Meta{
		Tone: currentTone,
		Concepts: []string{s.deps.Whitelist.Fallback()},
		Surprise: 0,
		Note: "fallback",
	}
	return resp, text, meta, nil
}

// sanitizeMeta validates and normalizes the model-reported meta object:
// whitelist-filters concepts, clamps surprise into [0,1], and normalizes
// tone against the allowed set.
func (s *Server) sanitizeMeta(raw any, currentTone string) evamem.Meta {
	m, _ := raw.(map[string]any)
	tone_, _ := m["tone"].(string)
	if tone_ == "" {
		tone_ = currentTone
	}
	note, _ := m["note"].(string)

	var surprise float64
	switch v := m["surprise"].(type) {
	case float64:
		surprise = v
	case int:
		surprise = float64(v)
	}
	if surprise < 0 {
		surprise = 0
	} else if surprise > 1 {
		surprise = 1
	}

	var rawConcepts []string
	if arr, ok := m["concepts"].([]any); ok {
		for _, c := range arr {
			if str, ok := c.(string); ok {
				rawConcepts = append(rawConcepts, str)
			}
		}
	}
	concepts := s.deps.Whitelist.Sanitize(rawConcepts)
	if len(concepts) > 6 {
		concepts = concepts[:6]
	}

	return evamem.Meta{
		Tone: tone.Normalize(tone_),
		Concepts: concepts,
		Surprise: surprise,
		Note: note,
	}
}

func (s *Server) renderSystemPrompt(shortTermBlock, longTermBlock, currentTone string) string {
	var b strings.Builder
	b.WriteString(s.deps.Persona)
	b.WriteString("\n\n")
	b.WriteString(shortTermBlock)
	b.WriteString("\n\n")
	b.WriteString(longTermBlock)
	b.WriteString(fmt.Sprintf("\n\nALLOWED_CONCEPTS: %v\nMAX_CONCEPTS: 6\nCURRENT_TONE: %s\nALLOWED_TONES: %v\n",
		"see experience_tags.json", currentTone, tone.AllowedTones))
	return b.String()
}

func (s *Server) retrievalDeps() retrieval.Deps {
	return retrieval.Deps{
		ShortTerm: s.deps.ShortTerm,
		Semantic: s.deps.Semantic,
		Vectors: s.deps.Vectors,
		Whitelist: s.deps.Whitelist,
		TagRules: s.deps.ExperienceTagRules,
	}
}

// ─── Insight ────────────────────────────────────────────────────────────

type insightFrameIn struct {
	FrameID string `json:"frame_id,omitempty"`
	TsMs int64 `json:"ts_ms,omitempty"`
	Mime string `json:"mime"`
	AssetRelPath string `json:"asset_rel_path"`
}

type insightRequest struct {
	ClipID string `json:"clip_id,omitempty"`
	TriggerFrameID string `json:"trigger_frame_id,omitempty"`
	Frames []insightFrameIn `json:"frames"`
}

type insightResponse struct {
	Summary insightSummary `json:"summary"`
	Usage evamem.Usage `json:"usage"`
}

type insightSummary struct {
	OneLiner string `json:"one_liner"`
	WhatChanged []string `json:"what_changed"`
	TTSResponse string `json:"tts_response,omitempty"`
	Severity evamem.Severity `json:"severity"`
	Tags []string `json:"tags"`
}

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	var req insightRequest
	if code, ok := httpx.ReadJSONBody(w, r, s.maxBodyBytes(), &req); !ok {
		httpx.Fail(w, code, "failed to read request body", nil)
		return
	}

	maxFrames := s.deps.Config.Insight.MaxFrames
	if maxFrames <= 0 || maxFrames > 6 {
		maxFrames = 6
	}
	if len(req.Frames) < 1 || len(req.Frames) > maxFrames {
		httpx.Fail(w, httpx.ErrTooManyFrames, fmt.Sprintf("frames must have 1-%d entries", maxFrames), nil)
		return
	}

	now := s.deps.Now()
	s.insightMu.Lock()
	elapsed := now - s.lastInsightRequestAtMs
	cooldownMs := s.deps.Config.Insight.CooldownMs
	if s.lastInsightRequestAtMs != 0 && elapsed < cooldownMs {
		retryAfter := cooldownMs - elapsed
		s.insightMu.Unlock()
		httpx.Fail(w, httpx.ErrCooldownActive, "insight cooldown active", map[string]any{"retryAfterMs": retryAfter})
		return
	}
	s.lastInsightRequestAtMs = now
	s.insightMu.Unlock()

	images := make([]modelclient.Image, 0, len(req.Frames))
	var assetRefs []string
	for _, f := range req.Frames {
		if f.Mime != "image/jpeg" {
			httpx.Fail(w, httpx.ErrInvalidRequest, "frames[].mime must be image/jpeg", nil)
			return
		}
		data, code, err := s.loadAsset(f.AssetRelPath)
		if err != nil {
			httpx.Fail(w, code, err.Error(), nil)
			return
		}
		images = append(images, modelclient.Image{MimeType: f.Mime, Data: data})
		assetRefs = append(assetRefs, f.AssetRelPath)
	}

	systemPrompt := s.renderInsightSystemPrompt()
	modelReq := modelclient.Request{
		SystemPrompt: systemPrompt,
		Images: images,
		Tools: []toolcontract.ToolDef{toolcontract.SubmitInsightTool},
		FinalUser: "Describe what changed across these frames.",
	}

	resp, err := s.deps.Model.Complete(r.Context(), modelReq)
	if err != nil {
		httpx.Fail(w, httpx.ErrModelCallFailed, err.Error(), nil)
		return
	}
	if resp.ToolCall == nil || resp.ToolCall.Name != toolcontract.ToolSubmitInsight {
		httpx.Fail(w, httpx.ErrModelNoToolCall, "model did not call submit_insight", nil)
		return
	}
	if err := toolcontract.Validate(toolcontract.SubmitInsightTool, resp.ToolCall.Args); err != nil {
		httpx.Fail(w, httpx.ErrModelInvalidToolArgs, err.Error(), nil)
		return
	}

	oneLiner, _ := resp.ToolCall.Args["one_liner"].(string)
	ttsResponse, _ := resp.ToolCall.Args["tts_response"].(string)
	severityStr, _ := resp.ToolCall.Args["severity"].(string)
	whatChanged := toolcontract.StringSlice(resp.ToolCall.Args, "what_changed")
	rawTags := toolcontract.StringSlice(resp.ToolCall.Args, "tags")
	tagsOut := s.deps.Whitelist.Sanitize(rawTags)

	summary := insightSummary{
		OneLiner: oneLiner,
		WhatChanged: whatChanged,
		TTSResponse: ttsResponse,
		Severity: evamem.Severity(severityStr),
		Tags: tagsOut,
	}

	entry := &evamem.Entry{
		Type: evamem.EntryWMInsight,
		TsMs: now,
		ClipID: req.ClipID,
		TriggerFrameID: req.TriggerFrameID,
		OneLiner: oneLiner,
		WhatChanged: whatChanged,
		Tags: tagsOut,
		Assets: assetRefs,
		Narration: ttsResponse,
		Severity: summary.Severity,
		Usage: &evamem.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, CostUSD: resp.Usage.CostUSD},
	}

	_, err = s.deps.Queue.Submit(r.Context(), func(ctx context.Context) (any, error) {
		return nil, s.deps.Log.Append([]*evamem.Entry{entry})
	})
	if err != nil {
		httpx.Fail(w, httpx.ErrMemoryWriteFailed, err.Error(), nil)
		return
	}

	usage := evamem.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, CostUSD: resp.Usage.CostUSD}
	httpx.WriteJSON(w, http.StatusOK, insightResponse{Summary: summary, Usage: usage})
}

func (s *Server) renderInsightSystemPrompt() string {
	return fmt.Sprintf("%s\n\nTTS_STYLE: %s\nDescribe the supplied frames, call submit_insight with your findings.",
		s.deps.Persona, s.deps.Config.Insight.TTSStyle)
}

// loadAsset resolves relPath against the assets directory, rejecting any
// path that escapes it, and loads the file's bytes.
func (s *Server) loadAsset(relPath string) ([]byte, httpx.ErrorCode, error) {
	if relPath == "" {
		return nil, httpx.ErrInsightAssetInvalid, fmt.Errorf("asset_rel_path must be non-empty")
	}
	full := filepath.Join(s.deps.AssetsDir, relPath)
	rel, err := filepath.Rel(s.deps.AssetsDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, httpx.ErrInsightAssetInvalid, fmt.Errorf("asset_rel_path escapes the assets directory")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, httpx.ErrInsightAssetMissing, fmt.Errorf("asset not found: %s", relPath)
		}
		return nil, httpx.ErrInsightAssetMissing, err
	}
	return data, "", nil
}

// ─── Jobs ───────────────────────────────────────────────────────────────

type jobsRunRequest struct {
	Job JobName `json:"job"`
	NowMs int64 `json:"now_ms,omitempty"`
}

func (s *Server) handleJobsRun(w http.ResponseWriter, r *http.Request) {
	var req jobsRunRequest
	if code, ok := httpx.ReadJSONBody(w, r, s.maxBodyBytes(), &req); !ok {
		httpx.Fail(w, code, "failed to read request body", nil)
		return
	}

	nowArg := req.NowMs
	if nowArg == 0 {
		nowArg = s.deps.Now()
	}

	switch req.Job {
	case JobCompaction:
		s.runCompaction(w, r, nowArg)
	case JobPromotion:
		s.runPromotion(w, r, nowArg)
	default:
		httpx.Fail(w, httpx.ErrInvalidRequest, "job must be 'compaction' or 'promotion'", nil)
	}
}

func (s *Server) markRequested(job JobName, nowMs int64) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	js := s.jobs[job]
	js.LastRequestedAtMs = nowMs
	if js.running {
		return false
	}
	js.running = true
	js.LastStartedAtMs = nowMs
	return true
}

func (s *Server) markCompleted(job JobName, nowMs int64) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	js := s.jobs[job]
	js.running = false
	js.LastCompletedAtMs = nowMs
}

func (s *Server) markFailed(job JobName, nowMs int64, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	js := s.jobs[job]
	js.running = false
	js.LastFailedAtMs = nowMs
	js.LastError = err.Error()
}

func (s *Server) runCompaction(w http.ResponseWriter, r *http.Request, nowArg int64) {
	if !s.markRequested(JobCompaction, nowArg) {
		httpx.Fail(w, httpx.ErrCompactionJobFailed, "compaction already running", nil)
		return
	}
	windowMs := s.deps.Config.Jobs.Compaction.WindowMs
	res, err := compaction.Run(r.Context(), s.deps.Model, s.deps.Log, s.deps.ShortTerm, nowArg, windowMs)
	if err != nil {
		s.markFailed(JobCompaction, s.deps.Now(), err)
		httpx.Fail(w, httpx.ErrCompactionJobFailed, err.Error(), nil)
		return
	}
	s.markCompleted(JobCompaction, s.deps.Now())
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) runPromotion(w http.ResponseWriter, r *http.Request, nowArg int64) {
	if !s.markRequested(JobPromotion, nowArg) {
		httpx.Fail(w, httpx.ErrPromotionJobFailed, "promotion already running", nil)
		return
	}
	loc, err := time.LoadLocation(s.deps.Config.Jobs.Timezone)
	if err != nil {
		loc = time.UTC
	}
	startMs, endMs := promotion.WindowForMidnight(time.UnixMilli(nowArg), loc)

	deps := promotion.Deps{
		ShortTerm: s.deps.ShortTerm,
		Semantic: s.deps.Semantic,
		Vectors: s.deps.Vectors,
		Whitelist: s.deps.Whitelist,
		ExperienceTagRules: s.deps.ExperienceTagRules,
		PersonalityTagRules: s.deps.PersonalityTagRules,
	}
	res, err := promotion.Run(deps, nowArg, startMs, endMs)
	if err != nil {
		s.markFailed(JobPromotion, s.deps.Now(), err)
		httpx.Fail(w, httpx.ErrPromotionJobFailed, err.Error(), nil)
		return
	}

	if _, err := promotion.BuildExperienceCache(s.deps.Vectors); err != nil {
		logging.Warn("executivehttp", "refresh experience cache: %v", err)
	}
	if _, err := promotion.BuildPersonalityCache(s.deps.Semantic); err != nil {
		logging.Warn("executivehttp", "refresh personality cache: %v", err)
	}

	s.markCompleted(JobPromotion, s.deps.Now())
	httpx.WriteJSON(w, http.StatusOK, res)
}
