// ABOUTME: Dispatch error taxonomy and pipeline states.
// ABOUTME: Code maps any pipeline error to the wire code sent in error events.

package dispatch

import (
	"errors"

	"github.com/2389/channel-router/internal/hub"
)

var (
	// ErrInvalidMessage rejects malformed input before anything is persisted.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound means the referenced channel does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps Directory Store failures.
	ErrStorage = errors.New("storage error")
	// ErrAgentUnavailable means a subscribed agent has no live runtime.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrAgentTimeout means an invocation exceeded the invoke timeout.
	ErrAgentTimeout = errors.New("agent timeout")
	// ErrAgentError means the runtime returned an error.
	ErrAgentError = errors.New("agent error")
	// ErrTransport is a send to a connection that has gone away.
	ErrTransport = hub.ErrConnectionGone
	// ErrDuplicate means the client message id was already accepted recently.
	ErrDuplicate = errors.New("duplicate message")
	// ErrClosed means the dispatcher is shutting down.
	ErrClosed = errors.New("dispatcher closed")
)

// State is a step of the per-message pipeline.
type State string

const (
	StateReceived          State = "received"
	StatePersisted         State = "persisted"
	StateRouted            State = "routed"
	StateAgentInvoked      State = "agent_invoked"
	StateResponsePersisted State = "response_persisted"
	StateBroadcast         State = "broadcast"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidMessage, "invalid_message"},
	{ErrNotFound, "not_found"},
	{ErrDuplicate, "duplicate"},
	{ErrAgentUnavailable, "agent_unavailable"},
	{ErrAgentTimeout, "agent_timeout"},
	{ErrAgentError, "agent_error"},
	{ErrTransport, "transport_error"},
	{ErrClosed, "unavailable"},
	{ErrStorage, "storage_error"},
}

// Code returns the wire code for err, "internal" when unrecognised.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
