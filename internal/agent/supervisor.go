// ABOUTME: Supervisor starts and stops configured agent runtimes in the Registry.
// ABOUTME: Bootstrap replays stored server-agent associations; a cron job keeps them reconciled.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/channel-router/internal/config"
	"github.com/2389/channel-router/internal/store"
)

// ErrNoDefinition indicates the agent has no configured runtime definition.
var ErrNoDefinition = errors.New("no runtime definition for agent")

// AssociationLister is the slice of the Directory Store the supervisor reads.
type AssociationLister interface {
	ListServerAgents(ctx context.Context) ([]*store.ServerAgent, error)
}

// Factory builds a runtime from its definition.
type Factory func(def config.RuntimeConfig) (Runtime, error)

// SupervisorParams configures a Supervisor.
type SupervisorParams struct {
	Registry    *Registry
	Store       AssociationLister
	Definitions []config.RuntimeConfig
	Factory     Factory // defaults to NewRuntime
	Logger      *slog.Logger
}

// Supervisor owns the lifecycle of runtimes built from configuration.
type Supervisor struct {
	registry *Registry
	store    AssociationLister
	defs     map[string]config.RuntimeConfig
	factory  Factory
	logger   *slog.Logger

	mu      sync.Mutex
	managed map[string]bool

	cron *cron.Cron
}

// NewSupervisor creates a Supervisor. No runtimes are started until Bootstrap.
func NewSupervisor(p SupervisorParams) *Supervisor {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := p.Factory
	if factory == nil {
		factory = NewRuntime
	}

	defs := make(map[string]config.RuntimeConfig, len(p.Definitions))
	for _, d := range p.Definitions {
		defs[d.ID] = d
	}

	return &Supervisor{
		registry: p.Registry,
		store:    p.Store,
		defs:     defs,
		factory:  factory,
		logger:   logger.With("component", "supervisor"),
		managed:  make(map[string]bool),
	}
}

// Defined reports whether agentID has a runtime definition.
func (s *Supervisor) Defined(agentID string) bool {
	_, ok := s.defs[agentID]
	return ok
}

// Start builds the runtime for agentID and registers it, replacing any
// existing handle.
func (s *Supervisor) Start(agentID string) error {
	def, ok := s.defs[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDefinition, agentID)
	}

	rt, err := s.factory(def)
	if err != nil {
		return fmt.Errorf("building runtime %s: %w", agentID, err)
	}

	s.mu.Lock()
	s.managed[agentID] = true
	s.mu.Unlock()

	s.registry.Register(agentID, rt)
	s.logger.Info("runtime started", "agent_id", agentID, "kind", def.Kind, "name", def.Name)
	return nil
}

// Ensure starts agentID when it has a definition and no live runtime. It
// reports whether a runtime was started.
func (s *Supervisor) Ensure(agentID string) (bool, error) {
	if !s.Defined(agentID) || s.registry.Has(agentID) {
		return false, nil
	}
	if err := s.Start(agentID); err != nil {
		return false, err
	}
	return true, nil
}

// Stop unregisters agentID if the supervisor started it.
func (s *Supervisor) Stop(agentID string) {
	s.mu.Lock()
	delete(s.managed, agentID)
	s.mu.Unlock()

	if s.registry.Unregister(agentID) {
		s.logger.Info("runtime stopped", "agent_id", agentID)
	}
}

// associated returns the agents with at least one server association.
func (s *Supervisor) associated(ctx context.Context) (map[string]bool, error) {
	links, err := s.store.ListServerAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing server agents: %w", err)
	}
	out := make(map[string]bool, len(links))
	for _, l := range links {
		out[l.AgentID] = true
	}
	return out, nil
}

// Bootstrap starts every associated agent that has a definition and no live
// runtime. It returns how many runtimes were started.
func (s *Supervisor) Bootstrap(ctx context.Context) (int, error) {
	agents, err := s.associated(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for id := range agents {
		if !s.Defined(id) {
			s.logger.Debug("associated agent has no runtime definition", "agent_id", id)
			continue
		}
		if s.registry.Has(id) {
			continue
		}
		if err := s.Start(id); err != nil {
			s.logger.Error("failed to start runtime", "agent_id", id, "error", err)
			continue
		}
		started++
	}

	s.logger.Info("bootstrap complete", "associated", len(agents), "started", started)
	return started, nil
}

// Reconcile restarts associated agents whose runtime is missing (stopped or
// crashed) and stops managed runtimes whose agent is no longer associated.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	agents, err := s.associated(ctx)
	if err != nil {
		return err
	}

	for id := range agents {
		if !s.Defined(id) || s.registry.Has(id) {
			continue
		}
		s.logger.Warn("runtime missing, restarting", "agent_id", id)
		if err := s.Start(id); err != nil {
			s.logger.Error("failed to restart runtime", "agent_id", id, "error", err)
		}
	}

	s.mu.Lock()
	var orphaned []string
	for id := range s.managed {
		if !agents[id] {
			orphaned = append(orphaned, id)
		}
	}
	s.mu.Unlock()

	for _, id := range orphaned {
		s.logger.Info("agent no longer associated", "agent_id", id)
		s.Stop(id)
	}
	return nil
}

// Schedule runs Reconcile on a cron spec (standard 5-field or descriptors
// such as "@every 1m") until Shutdown.
func (s *Supervisor) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Reconcile(rctx); err != nil {
			s.logger.Error("reconcile failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}

	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("reconcile scheduled", "schedule", spec)
	return nil
}

// Shutdown stops the reconcile schedule, waiting for a running job to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
