// ABOUTME: Real-time event names and payload shapes shared by all transports.
// ABOUTME: Client events arrive as (event, JSON payload) pairs regardless of framing.

package hub

import (
	"context"
	"encoding/json"
	"strings"
)

// Server -> client events.
const (
	EventConnected     = "connected"
	EventRoomJoined    = "room-joined"
	EventRoomLeft      = "room-left"
	EventMessage       = "message"
	EventAgentResponse = "agent-response"
	EventBroadcast     = "broadcast"
	EventError         = "error"
	EventAgentError    = "agent-error"
)

// Client -> server events. "message" shares its name with the server event.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
)

// Error codes carried in error events.
const (
	CodeRateLimited  = "rate_limited"
	CodeUnknownEvent = "unknown_event"
	CodeBadRequest   = "bad_request"
)

// ConnectedPayload is sent once per connection.
type ConnectedPayload struct {
	Message     string `json:"message"`
	ServerID    string `json:"serverId"`
	AgentID     string `json:"agentId"`
	DefaultRoom string `json:"defaultRoom"`
}

// RoomPayload acknowledges a join or leave.
type RoomPayload struct {
	RoomID    string `json:"roomId"`
	ChannelID string `json:"channelId"`
	Success   bool   `json:"success"`
}

// ErrorPayload reports a failure to the originating connection.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ChannelID string `json:"channelId,omitempty"`
}

// ClientMessage is an inbound "message" event with its connection context.
type ClientMessage struct {
	ConnID string
	// Principal is the authenticated identity, empty when auth is disabled.
	Principal string
	// Room is the connection's primary room, used when the payload names no channel.
	Room    string
	Payload json.RawMessage
}

// MessageHandler receives client "message" events.
type MessageHandler interface {
	HandleClientMessage(ctx context.Context, msg ClientMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg ClientMessage)

// HandleClientMessage calls f.
func (f MessageHandlerFunc) HandleClientMessage(ctx context.Context, msg ClientMessage) {
	f(ctx, msg)
}

// roomRequest accepts {roomId}, {channelId}, {room} or a bare string.
type roomRequest struct {
	RoomID    string `json:"roomId"`
	ChannelID string `json:"channelId"`
	Room      string `json:"room"`
}

func parseRoom(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ""
	}
	for _, v := range []string{req.RoomID, req.ChannelID, req.Room} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
