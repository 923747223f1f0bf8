// Package agent implements the north-side link to the browser agent: a
// single duplex WebSocket carrying JSON frames. The link serializes
// outbound writes, demultiplexes inbound frames onto per-request delivery
// queues, runs the heartbeat, and performs the reconnection handshake that
// rebinds surviving requests after a disconnect.
package agent

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/metrics"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/router-for-me/LMArenaBridge/internal/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrNotConnected is returned for outbound writes while no agent is attached.
var ErrNotConnected = errors.New("browser agent not connected")

const (
	// writeWait bounds a single frame write so a stalled agent cannot
	// wedge every producer behind the writer lock.
	writeWait = 10 * time.Second

	// missedPongThreshold is how many heartbeat intervals may elapse
	// without a pong before the link is treated as dead.
	missedPongThreshold = 3
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin checks
// are left to the deployment; the agent connects from a browser extension
// whose origin is not predictable.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Link is the single agent connection slot. At most one WebSocket is active;
// a newly accepted connection supersedes any prior one. Every outbound write
// re-reads the slot and fails with ErrNotConnected when it is empty.
type Link struct {
	requests *bridge.Registry
	models   *registry.ModelRegistry

	pingInterval time.Duration

	mu   sync.Mutex // guards conn
	conn *websocket.Conn

	// writeMu serializes wire writes; gorilla connections permit only one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewLink creates the link against the given request and model registries.
func NewLink(requests *bridge.Registry, models *registry.ModelRegistry, pingInterval time.Duration) *Link {
	return &Link{
		requests:     requests,
		models:       models,
		pingInterval: pingInterval,
	}
}

// Connected reports whether an agent is currently attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// SetPingInterval applies a hot-reloaded heartbeat interval to future
// connections.
func (l *Link) SetPingInterval(d time.Duration) {
	l.mu.Lock()
	l.pingInterval = d
	l.mu.Unlock()
}

// HandleUpgrade upgrades the HTTP request and runs the connection until it
// closes. Blocking is intentional: the HTTP handler goroutine becomes the
// read loop.
func (l *Link) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("agent: websocket upgrade failed: %v", err)
		return
	}
	l.run(conn)
}

// run installs conn as the current link, performs reconnect notification,
// starts the heartbeat, and reads frames until the connection dies.
func (l *Link) run(conn *websocket.Conn) {
	l.mu.Lock()
	prev := l.conn
	l.conn = conn
	interval := l.pingInterval
	l.mu.Unlock()
	if prev != nil {
		// A new agent supersedes the old link.
		log.Warn("agent: new connection replaces existing link")
		_ = prev.Close()
	}

	metrics.AgentConnected.Set(1)
	log.Info("agent: browser connected")

	// If requests survived a disconnect, tell the agent which ones so it
	// can initiate the reconnection handshake.
	if pending := l.requests.PendingIDs(); len(pending) > 0 {
		log.Infof("agent: reconnected with %d pending requests", len(pending))
		if err := l.writeFrame(reconnectionAck{
			Type:              "reconnection_ack",
			PendingRequestIDs: pending,
			Message:           fmt.Sprintf("Reconnected. Found %d pending request(s).", len(pending)),
		}); err != nil {
			log.Errorf("agent: failed to send reconnection_ack: %v", err)
		}
	}

	stopHeartbeat := make(chan struct{})
	hb := &heartbeat{lastPong: time.Now()}
	go l.heartbeatLoop(conn, hb, interval, stopHeartbeat)

	l.readLoop(conn, hb)

	close(stopHeartbeat)
	_ = conn.Close()

	// Only the current link's death counts as a disconnect; a superseded
	// connection must not tear down its replacement.
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
	}
	l.mu.Unlock()

	if current {
		metrics.AgentConnected.Set(0)
		log.Warn("agent: browser disconnected")
		l.requests.HandleAgentDisconnect()
	}
}

// Close shuts the current connection, if any.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// readLoop dispatches inbound frames until the connection errors out.
func (l *Link) readLoop(conn *websocket.Conn, hb *heartbeat) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warnf("agent: read error: %v", err)
			}
			return
		}

		msg := gjson.ParseBytes(data)
		switch msg.Get("type").String() {
		case "pong":
			hb.pongReceived()
		case "reconnection_handshake":
			l.handleHandshake(msg)
		case "model_registry":
			l.handleModelRegistry(msg)
		default:
			l.routeRequestFrame(msg)
		}
	}
}

// handleHandshake restores the delivery path for every surviving request the
// agent still knows about and acknowledges with the restored count.
func (l *Link) handleHandshake(msg gjson.Result) {
	restored := 0
	msg.Get("pending_request_ids").ForEach(func(_, id gjson.Result) bool {
		if l.requests.Get(id.String()) != nil {
			l.requests.Transition(id.String(), bridge.StateProcessing)
			restored++
			log.Infof("agent: restored request channel %s", id.String())
		}
		return true
	})

	if err := l.writeFrame(restorationAck{
		Type:          "restoration_ack",
		RestoredCount: restored,
		Message:       fmt.Sprintf("Restored %d request channel(s).", restored),
	}); err != nil {
		log.Errorf("agent: failed to send restoration_ack: %v", err)
	}
}

func (l *Link) handleModelRegistry(msg gjson.Result) {
	if n := l.models.Update(msg.Get("models").Raw); n >= 0 {
		metrics.ModelsRegistered.Set(float64(n))
	}
	if err := l.writeFrame(modelRegistryAck{
		Type:  "model_registry_ack",
		Count: l.models.Count(),
	}); err != nil {
		log.Errorf("agent: failed to send model_registry_ack: %v", err)
	}
}

// routeRequestFrame hands an agent frame to its request's delivery queue.
// Frames for ids the registry no longer knows are dropped.
func (l *Link) routeRequestFrame(msg gjson.Result) {
	id := msg.Get("request_id").String()
	data := msg.Get("data")
	if id == "" || !data.Exists() {
		log.Debugf("agent: ignoring frame without request id: %s", msg.Raw)
		return
	}

	req := l.requests.Get(id)
	if req == nil {
		log.Warnf("agent: received message for unknown or closed request %s", id)
		return
	}

	l.requests.Transition(id, bridge.StateProcessing)

	frame, ok := bridge.ParseFrame(data.String())
	if !ok {
		log.Warnf("agent: could not parse frame for %s: %s", id, data.String())
		return
	}

	l.deliver(req, frame)

	if frame.Kind == bridge.FrameDone {
		l.requests.Complete(req.ID)
	}
}

// deliver blocks while the queue is full — this is the backpressure path
// from a slow client back to the agent. If the request disappears from the
// registry while blocked (client cancelled), the frame is dropped.
func (l *Link) deliver(req *bridge.Request, frame bridge.Frame) {
	for {
		select {
		case req.Queue <- frame:
			return
		case <-time.After(time.Second):
			if l.requests.Get(req.ID) == nil {
				log.Debugf("agent: dropping frame for vanished request %s", req.ID)
				return
			}
		}
	}
}

// DispatchRequest marks a request dispatched and writes its evaluation
// payload to the agent. The mark must precede the write: an agent reply can
// arrive the moment the frame is on the wire, and its Processing transition
// must not be overwritten afterwards. On a write error the caller fails the
// request, so the premature mark is harmless.
func (l *Link) DispatchRequest(id string, payload *translator.EvaluationPayload, files []translator.Attachment) error {
	if files == nil {
		files = []translator.Attachment{}
	}
	l.requests.MarkDispatched(id)
	return l.writeFrame(dispatchFrame{
		RequestID:     id,
		Payload:       payload,
		FilesToUpload: files,
	})
}

// AbortRequest tells the agent the client gave up on id. Best-effort.
func (l *Link) AbortRequest(id string) error {
	return l.writeFrame(abortFrame{Type: "abort_request", RequestID: id})
}

// RequestModelRefresh asks the agent to re-send its model registry.
func (l *Link) RequestModelRefresh() error {
	return l.writeFrame(refreshFrame{Type: "refresh_models"})
}

// writeFrame serializes one outbound frame. The slot is re-read under the
// lock on every call so writers racing a disconnect fail cleanly.
func (l *Link) writeFrame(v any) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// heartbeat tracks pong liveness for one connection.
type heartbeat struct {
	mu       sync.Mutex
	lastPong time.Time
	missed   int
}

func (h *heartbeat) pongReceived() {
	h.mu.Lock()
	h.lastPong = time.Now()
	h.missed = 0
	h.mu.Unlock()
}

// check increments the missed counter when no pong arrived within twice the
// interval and reports whether the threshold was crossed.
func (h *heartbeat) check(interval time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastPong) > 2*interval {
		h.missed++
	}
	return h.missed >= missedPongThreshold
}

// heartbeatLoop pings the agent every interval and closes the connection
// after three missed pongs. Closing makes the read loop exit and run the
// normal disconnect path.
func (l *Link) heartbeatLoop(conn *websocket.Conn, hb *heartbeat, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if hb.check(interval) {
				log.Warn("agent: heartbeat timed out, closing link")
				_ = conn.Close()
				return
			}
			if err := l.writeFrame(pingFrame{
				Type:      "ping",
				Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
			}); err != nil {
				log.Errorf("agent: heartbeat send failed: %v", err)
				return
			}
		}
	}
}

// Outbound frame shapes.

type dispatchFrame struct {
	RequestID     string                        `json:"request_id"`
	Payload       *translator.EvaluationPayload `json:"payload"`
	FilesToUpload []translator.Attachment       `json:"files_to_upload"`
}

type abortFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type refreshFrame struct {
	Type string `json:"type"`
}

type pingFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type reconnectionAck struct {
	Type              string   `json:"type"`
	PendingRequestIDs []string `json:"pending_request_ids"`
	Message           string   `json:"message"`
}

type restorationAck struct {
	Type          string `json:"type"`
	RestoredCount int    `json:"restored_count"`
	Message       string `json:"message"`
}

type modelRegistryAck struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}
