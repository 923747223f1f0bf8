package bridge

import (
	"time"

	"github.com/router-for-me/LMArenaBridge/internal/registry"
)

// State is the lifecycle state of one request.
type State int

const (
	// StatePending: admitted, dispatch frame not yet written to the link.
	StatePending State = iota
	// StateDispatched: dispatch frame written, no inbound frame yet.
	StateDispatched
	// StateProcessing: at least one inbound frame received.
	StateProcessing
	// StateCompleted is terminal.
	StateCompleted
	// StateTimeout is terminal; the disconnect grace window elapsed.
	StateTimeout
	// StateErrored is terminal.
	StateErrored
)

// String returns the wire/log name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "sent_to_browser"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateTimeout:
		return "timeout"
	case StateErrored:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the state is one of the terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimeout || s == StateErrored
}

// Request is one in-flight chat completion. It is created on admission and
// removed from the registry on terminal transition. The registry owns its
// lifetime; the stream translator holds a borrow valid until terminal.
//
// Queue is the delivery queue: single producer (the agent link demux),
// single consumer (the stream translator). Its bound provides backpressure
// from slow clients to the agent. It is never closed; consumers terminate
// on Done or Error frames.
type Request struct {
	ID        string
	ModelName string
	Model     registry.Model
	Streaming bool
	// RawPayload is the original client request body, retained until terminal.
	RawPayload []byte

	Queue chan Frame

	CreatedAt time.Time

	// Mutable fields below are guarded by the owning Registry's mutex.
	state          State
	dispatchedAt   time.Time
	lastActivityAt time.Time
}
