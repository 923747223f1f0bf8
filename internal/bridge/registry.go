package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/LMArenaBridge/internal/metrics"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	log "github.com/sirupsen/logrus"
)

// ErrOverloaded is returned by Admit when the live request count has
// reached the concurrency cap.
var ErrOverloaded = errors.New("too many concurrent requests")

// deliverTimeout bounds how long the bridge waits to push an injected
// error frame into a full delivery queue before giving up.
const deliverTimeout = time.Second

// Registry owns the set of in-flight requests. All mutations are serialized
// under a single mutex; no transition is observable mid-update.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*Request

	maxConcurrent int
	queueSize     int
	graceWindow   time.Duration

	shuttingDown bool
}

// NewRegistry creates an empty registry with the given concurrency cap,
// per-request queue bound, and disconnect grace window.
func NewRegistry(maxConcurrent, queueSize int, graceWindow time.Duration) *Registry {
	r := &Registry{
		requests:      make(map[string]*Request),
		maxConcurrent: maxConcurrent,
		queueSize:     queueSize,
		graceWindow:   graceWindow,
	}
	return r
}

// SetLimits applies hot-reloaded config values. Existing queues keep their
// original bound; only future admissions see a new queue size.
func (r *Registry) SetLimits(maxConcurrent, queueSize int, graceWindow time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxConcurrent = maxConcurrent
	r.queueSize = queueSize
	r.graceWindow = graceWindow
}

// Admit atomically checks the live count against the cap and inserts a new
// request. Returns ErrOverloaded without mutating state when the cap is
// reached. Request identifiers must be unique across the process lifetime;
// the caller generates them with uuid.
func (r *Registry) Admit(id string, rawPayload []byte, model registry.Model, modelName string, streaming bool) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.requests) >= r.maxConcurrent {
		return nil, ErrOverloaded
	}

	req := &Request{
		ID:         id,
		ModelName:  modelName,
		Model:      model,
		Streaming:  streaming,
		RawPayload: rawPayload,
		Queue:      make(chan Frame, r.queueSize),
		CreatedAt:  time.Now(),
		state:      StatePending,
	}
	r.requests[id] = req
	metrics.ActiveRequests.Inc()
	log.Infof("bridge: tracking request %s (model %s, streaming %t)", id, modelName, streaming)
	return req, nil
}

// Get returns the request for id, or nil when unknown.
func (r *Registry) Get(id string) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id]
}

// State returns the current lifecycle state of id.
func (r *Registry) State(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return StateCompleted, false
	}
	return req.state, true
}

// MarkDispatched records that the request's payload was written to the link.
func (r *Registry) MarkDispatched(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[id]; ok {
		req.state = StateDispatched
		req.dispatchedAt = time.Now()
		req.lastActivityAt = req.dispatchedAt
	}
}

// Transition moves the request to the given state and refreshes its
// last-activity timestamp. Unknown ids are a no-op.
func (r *Registry) Transition(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[id]; ok {
		req.state = state
		req.lastActivityAt = time.Now()
	}
}

// Complete removes the request from tracking. It is idempotent and safe for
// ids that were never admitted.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[id]; ok {
		req.state = StateCompleted
		delete(r.requests, id)
		metrics.ActiveRequests.Dec()
		log.Infof("bridge: request %s completed and removed", id)
	}
}

// Live reports the number of tracked requests.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Pending returns the requests that were dispatched to the agent but have
// not reached a terminal state.
func (r *Registry) Pending() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Request
	for _, req := range r.requests {
		if req.state == StateDispatched || req.state == StateProcessing {
			out = append(out, req)
		}
	}
	return out
}

// PendingIDs returns the ids of Pending().
func (r *Registry) PendingIDs() []string {
	pending := r.Pending()
	ids := make([]string, 0, len(pending))
	for _, req := range pending {
		ids = append(ids, req.ID)
	}
	return ids
}

// SetShutdown marks the registry as shutting down; subsequent agent
// disconnects bypass the grace window and fail pending requests at once.
func (r *Registry) SetShutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
}

// HandleAgentDisconnect implements disconnect-survival. Requests still in
// {Dispatched, Processing} keep their queues and get a grace window before
// they are timed out; everything else is failed immediately with a
// browser_disconnected error. During shutdown the grace window is skipped.
//
// The watcher is deliberately not cancelled by a reconnect: if the agent
// returns and restores the queues in time, the watcher finds the requests
// terminated and does nothing.
func (r *Registry) HandleAgentDisconnect() {
	r.mu.Lock()
	shuttingDown := r.shuttingDown
	grace := r.graceWindow
	var surviving []string
	var doomed []string
	for id, req := range r.requests {
		if req.state == StateDispatched || req.state == StateProcessing {
			surviving = append(surviving, id)
		} else {
			doomed = append(doomed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range doomed {
		r.failRequest(id, "Browser disconnected", StateErrored)
	}

	if len(surviving) == 0 {
		return
	}

	if shuttingDown {
		log.Info("bridge: shutting down, timing out all pending requests immediately")
		for _, id := range surviving {
			r.timeoutRequest(id, grace)
		}
		return
	}

	log.Warnf("bridge: agent disconnected with %d pending requests, grace window %s", len(surviving), grace)
	go r.timeoutWatcher(surviving, grace)
}

// FailAll errors out every live request. Used during process shutdown for
// requests that never reached the agent.
func (r *Registry) FailAll(message string) {
	r.mu.Lock()
	var ids []string
	for id := range r.requests {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.failRequest(id, message, StateErrored)
	}
}

// timeoutWatcher re-inspects the watched requests after the grace window
// and times out the ones that are still non-terminal.
func (r *Registry) timeoutWatcher(ids []string, grace time.Duration) {
	time.Sleep(grace)
	log.Infof("bridge: grace window elapsed, checking %d requests", len(ids))
	for _, id := range ids {
		r.mu.Lock()
		req, ok := r.requests[id]
		alive := ok && !req.state.Terminal()
		r.mu.Unlock()
		if alive {
			log.Warnf("bridge: request %s timed out after agent disconnect", id)
			r.timeoutRequest(id, grace)
		}
	}
}

func (r *Registry) timeoutRequest(id string, grace time.Duration) {
	msg := fmt.Sprintf("Request timed out after %d seconds. Browser may have disconnected during Cloudflare challenge.", int(grace.Seconds()))
	r.failRequest(id, msg, StateTimeout)
	metrics.ErrorsTotal.WithLabelValues("disconnect_timeout").Inc()
}

// failRequest delivers one error frame on the request's queue and removes
// it from tracking. Delivery gives up after deliverTimeout so a stuck
// consumer cannot wedge the watcher.
func (r *Registry) failRequest(id, message string, terminal State) {
	r.mu.Lock()
	req, ok := r.requests[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	req.state = terminal
	delete(r.requests, id)
	metrics.ActiveRequests.Dec()
	r.mu.Unlock()

	select {
	case req.Queue <- ErrorFrame(message):
	case <-time.After(deliverTimeout):
		log.Errorf("bridge: could not deliver error to request %s, queue full", id)
	}
	log.Warnf("bridge: request %s failed (%s) and removed", id, terminal)
}
