// ABOUTME: Runtime handle abstraction for agents the router can invoke.
// ABOUTME: Defines Runtime, GenerateContext, and the RuntimeFunc adapter.

package agent

import (
	"context"
	"errors"

	"github.com/2389/channel-router/internal/store"
)

// ErrRuntimeCrashed marks a Generate failure after which the runtime handle is
// no longer usable. The registry drops such handles; the supervisor restarts them.
var ErrRuntimeCrashed = errors.New("agent runtime crashed")

// GenerateContext is everything an agent sees when asked for a reply.
type GenerateContext struct {
	AgentID string
	Channel *store.Channel
	Message *store.Message
	// History holds recent channel messages, newest first, excluding Message.
	History []*store.Message
}

// Runtime is a live, initialized agent capable of producing replies.
type Runtime interface {
	Generate(ctx context.Context, gc GenerateContext) (string, error)
	Close() error
}

// RuntimeFunc adapts a plain function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, gc GenerateContext) (string, error)

// Generate calls f.
func (f RuntimeFunc) Generate(ctx context.Context, gc GenerateContext) (string, error) {
	return f(ctx, gc)
}

// Close is a no-op.
func (f RuntimeFunc) Close() error { return nil }
