// ABOUTME: Directory Store interface and data types for channel-router persistence
// ABOUTME: Defines Server, Channel, ChannelParticipant, ServerAgent and Message records

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidChannelType is returned when a channel type is not recognized
var ErrInvalidChannelType = errors.New("invalid channel type")

// Pagination bounds for ListMessages
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 500
)

// ChannelType distinguishes direct-message channels from multi-party ones
type ChannelType string

const (
	ChannelTypeDM    ChannelType = "dm"    // exactly one agent answers
	ChannelTypeGroup ChannelType = "group" // every agent participant answers
)

// ParseChannelType normalizes the channel type names clients use.
// An empty string selects ChannelTypeGroup.
func ParseChannelType(s string) (ChannelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dm", "direct", "direct_message", "direct-message":
		return ChannelTypeDM, nil
	case "", "group", "multi", "multi-party", "text":
		return ChannelTypeGroup, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelType, s)
	}
}

// Server is a top-level grouping of channels and agent associations
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Channel is a conversation surface owned by exactly one Server
type Channel struct {
	ID        string      `json:"id"`
	ServerID  string      `json:"serverId"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ChannelParticipant is the membership of one user or agent in one channel.
// (ChannelID, UserID) is unique.
type ChannelParticipant struct {
	ChannelID string         `json:"channelId"`
	UserID    string         `json:"userId"`
	JoinedAt  time.Time      `json:"joinedAt"`
	Role      string         `json:"role,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ServerAgent associates an agent identity with a server
type ServerAgent struct {
	ServerID  string    `json:"serverId"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one immutable entry in a channel's append-only log.
// IDs are ULIDs, so lexical order is append order.
type Message struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	ServerID  string         `json:"serverId"`
	AuthorID  string         `json:"authorId"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store defines the Directory Store operations. All durable router state lives here.
type Store interface {
	// Servers
	CreateServer(ctx context.Context, name string) (*Server, error)
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	RenameServer(ctx context.Context, id, name string) error
	DeleteServer(ctx context.Context, id string) error

	// Channels
	CreateChannel(ctx context.Context, serverID, name string, channelType ChannelType) (*Channel, error)
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context, serverID string) ([]*Channel, error)
	DeleteChannel(ctx context.Context, id string) error

	// Participants
	AddParticipant(ctx context.Context, p *ChannelParticipant) error
	RemoveParticipant(ctx context.Context, channelID, userID string) error
	ListParticipants(ctx context.Context, channelID string) ([]*ChannelParticipant, error)

	// Server agents
	AttachAgentToServer(ctx context.Context, serverID, agentID string) error
	DetachAgentFromServer(ctx context.Context, serverID, agentID string) error
	ListAgentsForServer(ctx context.Context, serverID string) ([]string, error)
	ListServerAgents(ctx context.Context) ([]*ServerAgent, error)

	// Messages
	AppendMessage(ctx context.Context, channelID, authorID, content string, metadata map[string]any) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, channelID string, limit int, before string) ([]*Message, error)

	// Ping reports whether the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the ListMessages pagination bounds.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
