// Package orchestratorhttp is the Orchestrator's thin HTTP surface:
// /text and /speech proxy to the Executive's /respond, and /health
// reports supervised child status.
//
// Grounded on modelclient.Client's capability-interface shape in the
// generalized Executive package for TTSSynth (the model boundary pattern
// reused for speech synthesis: any implementation satisfying the
// interface works, production or test double), and on
// internal/supervisor's ChildStatus for the /health payload.
package orchestratorhttp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/deflagg/eva-sub002/internal/httpx"
	"github.com/deflagg/eva-sub002/internal/supervisor"
)

// TTSSynth is the capability boundary for rendering text to speech.
// Production code talks to a real synthesis backend; tests inject a stub.
type TTSSynth interface {
	Synthesize(ctx context.Context, text, voice string, rate float64) (mp3 []byte, err error)
}

// ExecutiveClient is the capability boundary for calling the Executive's
// /respond endpoint.
type ExecutiveClient interface {
	Respond(ctx context.Context, text, sessionID string) (RespondResult, error)
}

// RespondResult mirrors the Executive's /respond response shape.
type RespondResult struct {
	Text string `json:"text"`
	Meta map[string]any `json:"meta"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
}

// HTTPExecutiveClient is the default ExecutiveClient: a thin proxy over
// the Executive's HTTP surface.
type HTTPExecutiveClient struct {
	BaseURL string
	HTTP *http.Client
}

func (c *HTTPExecutiveClient) Respond(ctx context.Context, text, sessionID string) (RespondResult, error) {
	body, err := json.Marshal(map[string]string{"text": text, "session_id": sessionID})
	if err != nil {
		return RespondResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/respond", bytes.NewReader(body))
	if err != nil {
		return RespondResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return RespondResult{}, err
	}
	defer resp.Body.Close()

	var out RespondResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RespondResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("orchestratorhttp: executive /respond returned %d", resp.StatusCode)
	}
	return out, nil
}

// Config tunes the Orchestrator's own body/character caps, independent of
// the Executive's.
type Config struct {
	MaxTextChars int
	MaxBodyBytes int64
	DefaultVoice string
	DefaultRate float64
}

func defaultConfig(cfg Config) Config {
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 2000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "default"
	}
	if cfg.DefaultRate == 0 {
		cfg.DefaultRate = 1.0
	}
	return cfg
}

// Server is the Orchestrator's /text, /speech, /health surface.
type Server struct {
	cfg Config
	executive ExecutiveClient
	tts TTSSynth
	supervisor *supervisor.Supervisor

	cacheMu sync.RWMutex
	cache map[string][]byte
}

// New constructs a Server. sup may be nil in tests that don't exercise
// /health.
func New(cfg Config, executive ExecutiveClient, tts TTSSynth, sup *supervisor.Supervisor) *Server {
	return &Server{
		cfg: defaultConfig(cfg),
		executive: executive,
		tts: tts,
		supervisor: sup,
		cache: make(map[string][]byte),
	}
}

// Mux returns the http.ServeMux wired to the Orchestrator's routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /text", s.handleText)
	mux.HandleFunc("POST /speech", s.handleSpeech)
	return mux
}

type textRequest struct {
	Text string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var children []supervisor.ChildStatus
	if s.supervisor != nil {
		children = s.supervisor.Statuses()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "children": children})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if code, ok := httpx.ReadJSONBody(w, r, s.cfg.MaxBodyBytes, &req); !ok {
		httpx.Fail(w, code, "failed to read request body", nil)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		httpx.Fail(w, httpx.ErrInvalidRequest, "text must be non-empty", nil)
		return
	}
	if len(text) > s.cfg.MaxTextChars {
		text = text[:s.cfg.MaxTextChars]
	}

	result, err := s.executive.Respond(r.Context(), text, req.SessionID)
	if err != nil {
		httpx.Fail(w, httpx.ErrModelCallFailed, err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

type speechRequest struct {
	Text string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	Voice string `json:"voice,omitempty"`
	Rate float64 `json:"rate,omitempty"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if code, ok := httpx.ReadJSONBody(w, r, s.cfg.MaxBodyBytes, &req); !ok {
		httpx.Fail(w, code, "failed to read request body", nil)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		httpx.Fail(w, httpx.ErrInvalidRequest, "text must be non-empty", nil)
		return
	}
	if len(text) > s.cfg.MaxTextChars {
		text = text[:s.cfg.MaxTextChars]
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}
	rate := req.Rate
	if rate == 0 {
		rate = s.cfg.DefaultRate
	}

	result, err := s.executive.Respond(r.Context(), text, req.SessionID)
	if err != nil {
		httpx.Fail(w, httpx.ErrModelCallFailed, err.Error(), nil)
		return
	}

	key := ttsCacheKey(result.Text, voice, rate)
	if mp3, hit := s.cacheGet(key); hit {
		w.Header().Set("X-Eva-TTS-Cache", "HIT")
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(mp3)
		return
	}

	mp3, err := s.tts.Synthesize(r.Context(), result.Text, voice, rate)
	if err != nil {
		httpx.Fail(w, httpx.ErrModelCallFailed, err.Error(), nil)
		return
	}
	s.cachePut(key, mp3)

	w.Header().Set("X-Eva-TTS-Cache", "MISS")
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(mp3)
}

func ttsCacheKey(text, voice string, rate float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.3f", text, voice, rate)))
	return hex.EncodeToString(sum[:])
}

func (s *Server) cacheGet(key string) ([]byte, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	mp3, ok := s.cache[key]
	return mp3, ok
}

func (s *Server) cachePut(key string, mp3 []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = mp3
}
