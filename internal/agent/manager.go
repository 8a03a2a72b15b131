// ABOUTME: Runtime Registry mapping agent identities to live runtime handles.
// ABOUTME: Sharded so lookups for unrelated agents never contend on one lock.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/channel-router/internal/metrics"
	"github.com/2389/channel-router/internal/shardmap"
)

// ErrAgentNotFound indicates no runtime is registered for the agent.
var ErrAgentNotFound = errors.New("agent not found")

// Handle is a registered runtime together with its registration time.
type Handle struct {
	AgentID      string
	Runtime      Runtime
	RegisteredAt time.Time
}

// Registry is the process-wide map from agent ID to runtime handle.
type Registry struct {
	handles *shardmap.Map[*Handle]
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handles: shardmap.New[*Handle](0),
		logger:  logger.With("component", "registry"),
	}
}

// Register installs rt for agentID. An existing handle is replaced and closed;
// a re-register models a restart, so it is logged but not an error.
func (r *Registry) Register(agentID string, rt Runtime) {
	h := &Handle{AgentID: agentID, Runtime: rt, RegisteredAt: time.Now()}
	prev, replaced := r.handles.Swap(agentID, h)

	if replaced {
		r.logger.Warn("replacing registered runtime", "agent_id", agentID)
		if err := prev.Runtime.Close(); err != nil {
			r.logger.Warn("closing replaced runtime", "agent_id", agentID, "error", err)
		}
	} else {
		metrics.AgentsRegistered.Inc()
	}

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", agentID,
		"total_agents", r.handles.Len(),
	)
}

// Resolve returns the runtime registered for agentID, or ErrAgentNotFound.
func (r *Registry) Resolve(agentID string) (Runtime, error) {
	h, ok := r.handles.Get(agentID)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return h.Runtime, nil
}

// Unregister removes and closes the runtime for agentID. It reports whether a
// handle was present.
func (r *Registry) Unregister(agentID string) bool {
	h, ok := r.handles.Delete(agentID)
	if !ok {
		return false
	}
	r.closeHandle(h)
	r.logger.Info("=== AGENT UNREGISTERED ===",
		"agent_id", agentID,
		"total_agents", r.handles.Len(),
	)
	return true
}

func (r *Registry) closeHandle(h *Handle) {
	metrics.AgentsRegistered.Dec()
	if err := h.Runtime.Close(); err != nil {
		r.logger.Warn("closing runtime", "agent_id", h.AgentID, "error", err)
	}
}

// Invoke resolves agentID and calls Generate. A runtime failing with
// ErrRuntimeCrashed is removed, unless it was replaced while the call ran.
func (r *Registry) Invoke(ctx context.Context, agentID string, gc GenerateContext) (string, error) {
	h, ok := r.handles.Get(agentID)
	if !ok {
		return "", ErrAgentNotFound
	}

	gc.AgentID = agentID
	out, err := h.Runtime.Generate(ctx, gc)
	if err != nil && errors.Is(err, ErrRuntimeCrashed) {
		removed := false
		r.handles.Update(agentID, func(cur *Handle, ok bool) (*Handle, bool) {
			if ok && cur == h {
				removed = true
				return nil, false
			}
			return cur, ok
		})
		if removed {
			r.closeHandle(h)
			r.logger.Error("runtime crashed, unregistered", "agent_id", agentID, "error", err)
		}
	}
	return out, err
}

// Has reports whether agentID has a registered runtime.
func (r *Registry) Has(agentID string) bool {
	_, ok := r.handles.Get(agentID)
	return ok
}

// List returns the registered agent IDs, sorted.
func (r *Registry) List() []string {
	ids := r.handles.Keys()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered runtimes.
func (r *Registry) Len() int {
	return r.handles.Len()
}

// Close unregisters and closes every runtime.
func (r *Registry) Close() {
	for _, h := range r.handles.Drain() {
		r.closeHandle(h)
	}
	r.logger.Info("registry closed")
}
