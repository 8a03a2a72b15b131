// ABOUTME: Directory API: validated query and mutation surface over the Directory Store.
// ABOUTME: Used by the HTTP handlers and by the dispatcher to resolve channel subscribers.

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/channel-router/internal/store"
)

// ErrValidation wraps request validation failures.
var ErrValidation = errors.New("invalid request")

// maxNameLength bounds server and channel names.
const maxNameLength = 100

// AgentStarter starts a runtime for a newly attached agent when one is defined.
type AgentStarter interface {
	Ensure(agentID string) (bool, error)
}

// Service wraps a store.Store with validation and logging.
type Service struct {
	store   store.Store
	starter AgentStarter
	logger  *slog.Logger
}

// NewService creates a Service. Pass nil logger for default.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "directory"),
	}
}

// SetAgentStarter installs the hook run after AttachAgent.
func (s *Service) SetAgentStarter(starter AgentStarter) {
	s.starter = starter
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func cleanName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("%s is required", field)
	}
	if len(name) > maxNameLength {
		return "", validationError("%s must be at most %d characters", field, maxNameLength)
	}
	return name, nil
}

func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return validationError("%s is required", field)
	}
	return nil
}

// Servers lists every server.
func (s *Service) Servers(ctx context.Context) ([]*store.Server, error) {
	return s.store.ListServers(ctx)
}

// Server returns one server.
func (s *Service) Server(ctx context.Context, id string) (*store.Server, error) {
	return s.store.GetServer(ctx, id)
}

// CreateServer creates a server with a non-empty name.
func (s *Service) CreateServer(ctx context.Context, name string) (*store.Server, error) {
	name, err := cleanName("name", name)
	if err != nil {
		return nil, err
	}
	srv, err := s.store.CreateServer(ctx, name)
	if err != nil {
		return nil, err
	}
	s.logger.Info("server created", "server_id", srv.ID, "name", srv.Name)
	return srv, nil
}

// RenameServer changes a server's name.
func (s *Service) RenameServer(ctx context.Context, id, name string) (*store.Server, error) {
	name, err := cleanName("name", name)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameServer(ctx, id, name); err != nil {
		return nil, err
	}
	s.logger.Info("server renamed", "server_id", id, "name", name)
	return s.store.GetServer(ctx, id)
}

// DeleteServer deletes a server and everything it owns.
func (s *Service) DeleteServer(ctx context.Context, id string) error {
	if err := s.store.DeleteServer(ctx, id); err != nil {
		return err
	}
	s.logger.Info("server deleted", "server_id", id)
	return nil
}

// CreateChannel creates a channel. channelType accepts the names understood
// by store.ParseChannelType; empty means group.
func (s *Service) CreateChannel(ctx context.Context, serverID, name, channelType string) (*store.Channel, error) {
	name, err := cleanName("name", name)
	if err != nil {
		return nil, err
	}
	typ, err := store.ParseChannelType(channelType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ch, err := s.store.CreateChannel(ctx, serverID, name, typ)
	if err != nil {
		return nil, err
	}
	s.logger.Info("channel created", "channel_id", ch.ID, "server_id", serverID, "type", typ)
	return ch, nil
}

// Channels lists a server's channels. Returns store.ErrNotFound for an unknown server.
func (s *Service) Channels(ctx context.Context, serverID string) ([]*store.Channel, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	return s.store.ListChannels(ctx, serverID)
}

// Channel returns one channel.
func (s *Service) Channel(ctx context.Context, id string) (*store.Channel, error) {
	return s.store.GetChannel(ctx, id)
}

// DeleteChannel deletes a channel with its participants and messages.
func (s *Service) DeleteChannel(ctx context.Context, id string) error {
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("channel deleted", "channel_id", id)
	return nil
}

// Join adds or refreshes a participant.
func (s *Service) Join(ctx context.Context, channelID, userID, role string, metadata map[string]any) (*store.ChannelParticipant, error) {
	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	p := &store.ChannelParticipant{
		ChannelID: channelID,
		UserID:    strings.TrimSpace(userID),
		Role:      role,
		Metadata:  metadata,
	}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Debug("participant joined", "channel_id", channelID, "user_id", p.UserID)
	return p, nil
}

// Leave removes a participant.
func (s *Service) Leave(ctx context.Context, channelID, userID string) error {
	return s.store.RemoveParticipant(ctx, channelID, userID)
}

// Participants lists a channel's members. Returns store.ErrNotFound for an unknown channel.
func (s *Service) Participants(ctx context.Context, channelID string) ([]*store.ChannelParticipant, error) {
	if _, err := s.store.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, channelID)
}

// AttachAgent associates an agent with a server and starts its runtime when
// one is defined and not yet running.
func (s *Service) AttachAgent(ctx context.Context, serverID, agentID string) error {
	if err := requireID("agentId", agentID); err != nil {
		return err
	}
	agentID = strings.TrimSpace(agentID)
	if err := s.store.AttachAgentToServer(ctx, serverID, agentID); err != nil {
		return err
	}
	s.logger.Info("agent attached", "server_id", serverID, "agent_id", agentID)

	if s.starter != nil {
		if _, err := s.starter.Ensure(agentID); err != nil {
			s.logger.Warn("failed to start attached agent", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// DetachAgent removes an association.
func (s *Service) DetachAgent(ctx context.Context, serverID, agentID string) error {
	if err := s.store.DetachAgentFromServer(ctx, serverID, agentID); err != nil {
		return err
	}
	s.logger.Info("agent detached", "server_id", serverID, "agent_id", agentID)
	return nil
}

// AgentsForServer lists the agents associated with a server.
func (s *Service) AgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	return s.store.ListAgentsForServer(ctx, serverID)
}

// Append persists one message to a channel.
func (s *Service) Append(ctx context.Context, channelID, authorID, content string, metadata map[string]any) (*store.Message, error) {
	return s.store.AppendMessage(ctx, channelID, authorID, content, metadata)
}

// History returns up to limit messages before the cursor, newest first.
// Returns store.ErrNotFound for an unknown channel.
// Message returns one stored message by id.
func (s *Service) Message(ctx context.Context, id string) (*store.Message, error) {
	return s.store.GetMessage(ctx, id)
}

func (s *Service) History(ctx context.Context, channelID string, limit int, before string) ([]*store.Message, error) {
	if _, err := s.store.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, channelID, limit, before)
}

// Subscribers returns the agents that should answer a message by authorID in
// ch: agents associated with the channel's server that are also channel
// participants, never the author. A dm channel yields at most one agent, the
// lexically first.
func (s *Service) Subscribers(ctx context.Context, ch *store.Channel, authorID string) ([]string, error) {
	agents, err := s.store.ListAgentsForServer(ctx, ch.ServerID)
	if err != nil {
		return nil, fmt.Errorf("listing server agents: %w", err)
	}
	if len(agents) == 0 {
		return nil, nil
	}

	participants, err := s.store.ListParticipants(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	members := make(map[string]bool, len(participants))
	for _, p := range participants {
		members[p.UserID] = true
	}

	var subs []string
	for _, id := range agents {
		if id != authorID && members[id] {
			subs = append(subs, id)
		}
	}

	if ch.Type == store.ChannelTypeDM && len(subs) > 1 {
		s.logger.Warn("dm channel has several agent participants, routing to one",
			"channel_id", ch.ID, "agents", subs, "chosen", subs[0])
		subs = subs[:1]
	}
	return subs, nil
}
