// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping cascade and ordering semantics

package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu           sync.RWMutex
	servers      map[string]*Server
	channels     map[string]*Channel
	participants map[string]map[string]*ChannelParticipant // channelID -> userID
	serverAgents map[string]map[string]*ServerAgent        // serverID -> agentID
	messages     map[string][]*Message                     // channelID -> append order
	messageIndex map[string]*Message

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers:      make(map[string]*Server),
		channels:     make(map[string]*Channel),
		participants: make(map[string]map[string]*ChannelParticipant),
		serverAgents: make(map[string]map[string]*ServerAgent),
		messages:     make(map[string][]*Message),
		messageIndex: make(map[string]*Message),
	}
}

func copyMessage(msg *Message) *Message {
	c := *msg
	c.Metadata = maps.Clone(msg.Metadata)
	return &c
}

// CreateServer stores a new server.
func (m *MockStore) CreateServer(ctx context.Context, name string) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv := &Server{ID: newID(), Name: name, CreatedAt: time.Now().UTC()}
	m.servers[srv.ID] = srv

	result := *srv
	return &result, nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *srv
	return &result, nil
}

// ListServers returns all servers ordered by creation time.
func (m *MockStore) ListServers(ctx context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		c := *srv
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RenameServer changes a server's name.
func (m *MockStore) RenameServer(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	srv.Name = name
	return nil
}

// DeleteServer removes a server and everything it owns.
func (m *MockStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	delete(m.serverAgents, id)
	for chID, ch := range m.channels {
		if ch.ServerID == id {
			m.deleteChannelLocked(chID)
		}
	}
	return nil
}

// CreateChannel stores a new channel under an existing server.
func (m *MockStore) CreateChannel(ctx context.Context, serverID, name string, channelType ChannelType) (*Channel, error) {
	if channelType != ChannelTypeDM && channelType != ChannelTypeGroup {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelType, channelType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[serverID]; !ok {
		return nil, ErrNotFound
	}

	ch := &Channel{
		ID:        newID(),
		ServerID:  serverID,
		Name:      name,
		Type:      channelType,
		CreatedAt: time.Now().UTC(),
	}
	m.channels[ch.ID] = ch

	result := *ch
	return &result, nil
}

// GetChannel retrieves a channel by ID.
func (m *MockStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *ch
	return &result, nil
}

// ListChannels returns a server's channels ordered by creation time.
func (m *MockStore) ListChannels(ctx context.Context, serverID string) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Channel{}
	for _, ch := range m.channels {
		if ch.ServerID == serverID {
			c := *ch
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteChannel removes a channel with its participants and messages.
func (m *MockStore) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return ErrNotFound
	}
	m.deleteChannelLocked(id)
	return nil
}

func (m *MockStore) deleteChannelLocked(id string) {
	delete(m.channels, id)
	delete(m.participants, id)
	for _, msg := range m.messages[id] {
		delete(m.messageIndex, msg.ID)
	}
	delete(m.messages, id)
}

// AddParticipant upserts a membership.
func (m *MockStore) AddParticipant(ctx context.Context, p *ChannelParticipant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[p.ChannelID]; !ok {
		return ErrNotFound
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}

	members, ok := m.participants[p.ChannelID]
	if !ok {
		members = make(map[string]*ChannelParticipant)
		m.participants[p.ChannelID] = members
	}
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	members[p.UserID] = &c
	return nil
}

// RemoveParticipant deletes a membership.
func (m *MockStore) RemoveParticipant(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.participants[channelID]
	if _, ok := members[userID]; !ok {
		return ErrNotFound
	}
	delete(members, userID)
	return nil
}

// ListParticipants returns a channel's members ordered by join time.
func (m *MockStore) ListParticipants(ctx context.Context, channelID string) ([]*ChannelParticipant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*ChannelParticipant{}
	for _, p := range m.participants[channelID] {
		c := *p
		c.Metadata = maps.Clone(p.Metadata)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// AttachAgentToServer associates an agent with a server.
func (m *MockStore) AttachAgentToServer(ctx context.Context, serverID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[serverID]; !ok {
		return ErrNotFound
	}
	agents, ok := m.serverAgents[serverID]
	if !ok {
		agents = make(map[string]*ServerAgent)
		m.serverAgents[serverID] = agents
	}
	if _, exists := agents[agentID]; !exists {
		agents[agentID] = &ServerAgent{ServerID: serverID, AgentID: agentID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

// DetachAgentFromServer removes an association.
func (m *MockStore) DetachAgentFromServer(ctx context.Context, serverID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents := m.serverAgents[serverID]
	if _, ok := agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(agents, agentID)
	return nil
}

// ListAgentsForServer returns the sorted agent IDs associated with a server.
func (m *MockStore) ListAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []string{}
	for id := range m.serverAgents[serverID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ListServerAgents returns every association ordered by server then agent.
func (m *MockStore) ListServerAgents(ctx context.Context) ([]*ServerAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*ServerAgent{}
	for _, agents := range m.serverAgents {
		for _, sa := range agents {
			c := *sa
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// AppendMessage appends a message to a channel's log.
func (m *MockStore) AppendMessage(ctx context.Context, channelID, authorID, content string, metadata map[string]any) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}

	msg := &Message{
		ID:        newMessageID(),
		ChannelID: channelID,
		ServerID:  ch.ServerID,
		AuthorID:  authorID,
		Content:   content,
		Metadata:  maps.Clone(metadata),
		CreatedAt: time.Now().UTC(),
	}
	m.messages[channelID] = append(m.messages[channelID], msg)
	m.messageIndex[msg.ID] = msg

	return copyMessage(msg), nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns up to limit messages newest first, optionally before a cursor.
func (m *MockStore) ListMessages(ctx context.Context, channelID string, limit int, before string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	log := m.messages[channelID]

	out := []*Message{}
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		if before != "" && log[i].ID >= before {
			continue
		}
		out = append(out, copyMessage(log[i]))
	}
	return out, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
