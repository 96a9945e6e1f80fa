// Package framerouter is the Orchestrator's `/eye` WebSocket hub: it
// enforces the single-UI-client invariant, forwards binary frame
// envelopes to the vision Detector, and routes the Detector's
// frame-scoped replies back to the UI connection that sent the frame.
//
// Grounded on the connected/disconnected bookkeeping in
// internal/senses/discord.go from the teacher repo (a guarded struct
// tracking connection state with timestamps and counters), generalized
// from a single long-lived Discord session to a route table keyed by
// frame_id with its own TTL, and built on github.com/gorilla/websocket
// directly rather than through discordgo's vendored copy.
package framerouter

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deflagg/eva-sub002/internal/alertdebounce"
	"github.com/deflagg/eva-sub002/internal/logging"
)

const routeTTL = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize: 1 << 20,
	WriteBufferSize: 1 << 20,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FrameEnvelope is the binary frame header sent by the UI, followed by
// ImageLen raw image bytes.
type FrameEnvelope struct {
	FrameID string `json:"frame_id"`
	TsMs int64 `json:"ts_ms"`
	Width int `json:"width"`
	Height int `json:"height"`
	Mime string `json:"mime"`
	ImageLen int `json:"image_len"`
}

// DetectorReply is any frame-scoped envelope the Detector sends back:
// detections, frame_events, error, or insight.
type DetectorReply struct {
	Type string `json:"type"`
	FrameID string `json:"frame_id,omitempty"`
	Raw json.RawMessage `json:"-"`
}

// alertEvent is one entry of a detections/frame_events payload's
// items/events array.
type alertEvent struct {
	Name string `json:"name"`
	TrackID any `json:"track_id"`
	Severity string `json:"severity"`
}

// detectionsPayload covers both the `detections{frame_id,items[]}` and
// `frame_events{frame_id,events[]}` wire shapes.
type detectionsPayload struct {
	Items []alertEvent `json:"items"`
	Events []alertEvent `json:"events"`
}

// insightPayload is the Detector's `insight{clip_id,trigger_frame_id,
// summary,usage}` envelope, summary-only fields needed for alert relay.
type insightPayload struct {
	ClipID string `json:"clip_id"`
	Summary struct {
		Severity string `json:"severity"`
		OneLiner string `json:"one_liner"`
		TTSResponse string `json:"tts_response"`
	} `json:"summary"`
}

// Speech is the capability boundary for rendering an alert's spoken
// text to audio bytes, satisfied by a TTS backend in production.
type Speech interface {
	Synthesize(text string) (mp3 []byte, mime string, err error)
}

type route struct {
	conn *websocket.Conn
	expiresAt time.Time
}

// Router owns the single UI connection, the frame_id route table, and a
// handle to the Detector socket.
type Router struct {
	mu sync.Mutex
	ui *websocket.Conn
	routes map[string]route

	detector DetectorSender
	debouncer *alertdebounce.Debouncer
	speech Speech
	speechEnabled bool
}

// DetectorSender is the capability boundary for forwarding a frame to the
// Detector; satisfied by *DetectorClient in production, a stub in tests.
type DetectorSender interface {
	Connected() bool
	SendFrame(envelope FrameEnvelope, image []byte) error
}

// New returns a Router forwarding frames to detector, with its own
// alert debouncer (60s dedupe window, 10s global cooldown).
func New(detector DetectorSender) *Router {
	return &Router{routes: make(map[string]route), detector: detector, debouncer: alertdebounce.New()}
}

// SetSpeech wires a Speech backend for speech_output alerts and enables
// pushing it after every debounced text_output alert. Call before
// UIHandler serves connections; with no Speech set, alerts push
// text_output only.
func (rt *Router) SetSpeech(s Speech, enabled bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.speech = s
	rt.speechEnabled = enabled
}

// UIHandler upgrades the request to a WebSocket, enforcing the
// single-client invariant: a second concurrent connect is sent
// SINGLE_CLIENT_ONLY and closed.
func (rt *Router) UIHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("frame-router", "upgrade failed: %v", err)
		return
	}

	rt.mu.Lock()
	if rt.ui != nil {
		rt.mu.Unlock()
		_ = conn.WriteJSON(map[string]string{"type": "error", "code": "SINGLE_CLIENT_ONLY"})
		conn.Close()
		return
	}
	rt.ui = conn
	rt.mu.Unlock()

	_ = conn.WriteJSON(map[string]string{"type": "hello"})

	defer func() {
		rt.mu.Lock()
		if rt.ui == conn {
			rt.ui = nil
			rt.routes = make(map[string]route)
		}
		rt.mu.Unlock()
		conn.Close()
	}()

	rt.readLoop(conn)
}

func (rt *Router) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			rt.handleBinaryFrame(conn, data)
		case websocket.TextMessage:
			rt.handleTextMessage(conn, data)
		}
	}
}

// handleBinaryFrame parses the length-prefixed JSON header followed by
// image_len raw bytes, validates lengths, and forwards to the Detector.
func (rt *Router) handleBinaryFrame(conn *websocket.Conn, data []byte) {
	if len(data) < 4 {
		return
	}
	headerLen := binary.BigEndian.Uint32(data[:4])
	if int(4+headerLen) > len(data) {
		logging.Warn("frame-router", "truncated frame header")
		return
	}
	var env FrameEnvelope
	if err := json.Unmarshal(data[4:4+headerLen], &env); err != nil {
		logging.Warn("frame-router", "invalid frame header: %v", err)
		return
	}
	imageStart := 4 + int(headerLen)
	image := data[imageStart:]
	if len(image) != env.ImageLen {
		logging.Warn("frame-router", "frame %s image_len mismatch: declared %d got %d", env.FrameID, env.ImageLen, len(image))
		return
	}

	if !rt.detector.Connected() {
		_ = conn.WriteJSON(map[string]string{"type": "error", "frame_id": env.FrameID, "code": "QV_UNAVAILABLE"})
		return
	}

	rt.putRoute(env.FrameID, conn)
	if err := rt.detector.SendFrame(env, image); err != nil {
		logging.Warn("frame-router", "send frame %s: %v", env.FrameID, err)
	}
}

// handleTextMessage passes UI `command` JSON messages through to the
// Detector unchanged.
func (rt *Router) handleTextMessage(conn *websocket.Conn, data []byte) {
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return
	}
	if generic["type"] != "command" {
		return
	}
	if sender, ok := rt.detector.(interface{ SendCommand([]byte) error }); ok {
		if err := sender.SendCommand(data); err != nil {
			logging.Warn("frame-router", "forward command: %v", err)
		}
	}
}

// DeliverDetectorReply routes a frame-scoped Detector reply to its
// matching UI connection and evicts the route. An orphaned frame_id
// (route expired or never existed) is dropped.
func (rt *Router) DeliverDetectorReply(frameID string, payload []byte) {
	rt.mu.Lock()
	r, ok := rt.routes[frameID]
	if ok {
		delete(rt.routes, frameID)
	}
	conn := rt.ui
	rt.mu.Unlock()

	if !ok || time.Now().After(r.expiresAt) {
		return
	}
	if conn == nil || conn != r.conn {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logging.Warn("frame-router", "deliver reply for %s: %v", frameID, err)
	}
}

// RelayInsightAlert inspects a Detector insight reply and, if its
// summary severity is high and the debouncer allows it, pushes
// text_output (then speech_output, if a Speech backend is enabled) to
// the UI connection.
func (rt *Router) RelayInsightAlert(payload []byte, now time.Time) {
	var ip insightPayload
	if err := json.Unmarshal(payload, &ip); err != nil {
		return
	}
	if ip.Summary.Severity != "high" {
		return
	}
	text := ip.Summary.OneLiner
	speechText := ip.Summary.TTSResponse
	if speechText == "" {
		speechText = text
	}
	rt.fireAlert(alertdebounce.InsightKey(ip.ClipID), now, text, speechText)
}

// RelayDetectionAlerts inspects a Detector detections/frame_events reply
// and fires an alert for each high-severity item/event, subject to the
// debouncer.
func (rt *Router) RelayDetectionAlerts(payload []byte, now time.Time) {
	var dp detectionsPayload
	if err := json.Unmarshal(payload, &dp); err != nil {
		return
	}
	events := dp.Events
	if len(events) == 0 {
		events = dp.Items
	}
	for _, ev := range events {
		if ev.Severity != "high" {
			continue
		}
		trackID := ""
		if ev.TrackID != nil {
			trackID = fmt.Sprintf("%v", ev.TrackID)
		}
		text := fmt.Sprintf("%s detected", ev.Name)
		rt.fireAlert(alertdebounce.EventKey(ev.Name, trackID), now, text, "")
	}
}

// fireAlert checks the debouncer and, if it allows key to fire, pushes
// text_output then (if a Speech backend is enabled) speech_output to the
// UI connection.
func (rt *Router) fireAlert(key string, now time.Time, text, speechText string) {
	if !rt.debouncer.Allow(key, now) {
		return
	}

	rt.mu.Lock()
	conn := rt.ui
	speech := rt.speech
	speechEnabled := rt.speechEnabled
	rt.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.WriteJSON(map[string]string{"type": "text_output", "text": text}); err != nil {
		logging.Warn("frame-router", "push alert text_output: %v", err)
		return
	}

	if !speechEnabled || speech == nil || speechText == "" {
		return
	}
	mp3, mime, err := speech.Synthesize(speechText)
	if err != nil {
		logging.Warn("frame-router", "synthesize alert speech: %v", err)
		return
	}
	if err := conn.WriteJSON(map[string]string{
		"type": "speech_output",
		"bytes_b64": base64.StdEncoding.EncodeToString(mp3),
		"mime": mime,
	}); err != nil {
		logging.Warn("frame-router", "push alert speech_output: %v", err)
	}
}

// putRoute registers frameID -> conn with a 5s TTL, evicting any expired
// entries first.
func (rt *Router) putRoute(frameID string, conn *websocket.Conn) {
	now := time.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, r := range rt.routes {
		if now.After(r.expiresAt) {
			delete(rt.routes, id)
		}
	}
	rt.routes[frameID] = route{conn: conn, expiresAt: now.Add(routeTTL)}
}

// RouteCount reports the number of live (unexpired) routes, for tests and
// observability.
func (rt *Router) RouteCount() int {
	now := time.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, r := range rt.routes {
		if now.Before(r.expiresAt) {
			n++
		}
	}
	return n
}

// EncodeFrameEnvelope renders env as the 4-byte-length-prefixed binary
// frame wire shape UIHandler expects, for test fixtures and any future
// non-browser UI client.
func EncodeFrameEnvelope(env FrameEnvelope, image []byte) ([]byte, error) {
	header, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(header) > 1<<20 {
		return nil, fmt.Errorf("framerouter: frame header too large")
	}
	out := make([]byte, 4+len(header)+len(image))
	binary.BigEndian.PutUint32(out[:4], uint32(len(header)))
	copy(out[4:], header)
	copy(out[4+len(header):], image)
	return out, nil
}
