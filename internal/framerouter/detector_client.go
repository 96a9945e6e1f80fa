package framerouter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deflagg/eva-sub002/internal/logging"
)

const (
	reconnectMin = 250 * time.Millisecond
	reconnectMax = 5 * time.Second
)

// DetectorClient is the Orchestrator's persistent client connection to
// the vision Detector's `/infer` socket, reconnecting with exponential
// backoff and delivering frame-scoped replies to a Router.
type DetectorClient struct {
	url string
	router *Router

	mu sync.Mutex
	conn *websocket.Conn
}

// NewDetectorClient returns a client dialing url; call Run to start the
// connect/reconnect loop.
func NewDetectorClient(url string) *DetectorClient {
	return &DetectorClient{url: url}
}

// AttachRouter wires the client to the Router that will receive delivered
// replies. Must be called before Run.
func (d *DetectorClient) AttachRouter(r *Router) {
	d.router = r
}

// Run connects and reconnects to the Detector until ctx is canceled.
// Reconnect attempts do not cancel frames already routed — only new
// SendFrame calls fail while disconnected.
func (d *DetectorClient) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
		if err != nil {
			logging.Warn("frame-router", "detector dial failed: %v (retry in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = reconnectMin
		d.setConn(conn)
		d.readLoop(ctx, conn)
		d.setConn(nil)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}

func (d *DetectorClient) setConn(c *websocket.Conn) {
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()
}

func (d *DetectorClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var reply DetectorReply
		if err := json.Unmarshal(data, &reply); err != nil {
			logging.Warn("frame-router", "malformed detector reply: %v", err)
			continue
		}
		switch reply.Type {
		case "detections", "frame_events", "error", "insight":
			if reply.FrameID != "" && d.router != nil {
				d.router.DeliverDetectorReply(reply.FrameID, data)
			}
		}
		if d.router == nil {
			continue
		}
		now := time.Now()
		switch reply.Type {
		case "insight":
			d.router.RelayInsightAlert(data, now)
		case "detections", "frame_events":
			d.router.RelayDetectionAlerts(data, now)
		}
	}
}

// Connected reports whether the Detector socket is currently open.
func (d *DetectorClient) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// SendFrame forwards a frame envelope + image bytes to the Detector.
func (d *DetectorClient) SendFrame(env FrameEnvelope, image []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	payload, err := EncodeFrameEnvelope(env, image)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// SendCommand forwards a UI `command` message unchanged.
func (d *DetectorClient) SendCommand(data []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
