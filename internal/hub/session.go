// ABOUTME: Per-connection session state and transport-independent client event handling.
// ABOUTME: Applies the inbound rate limit and routes join/leave/message events.

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/2389/channel-router/internal/metrics"
)

// session is owned by a transport's read loop; it is not shared.
type session struct {
	conn      Conn
	principal string
	// room is the primary room: the connect-time room, then the latest explicit join.
	room    string
	limiter *rate.Limiter
}

func (h *Hub) newSession(conn Conn, principal, room string) *session {
	s := &session{conn: conn, principal: principal, room: room}
	if h.opts.MessagesPerSecond > 0 {
		burst := h.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), burst)
	}
	return s
}

// requestedRoom reads the room a client asked for on connect.
func requestedRoom(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"channelId", "room", "roomId"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

// handleClientEvent processes one inbound event from a session's connection.
func (h *Hub) handleClientEvent(ctx context.Context, s *session, event string, payload json.RawMessage) {
	connID := s.conn.ID()

	switch event {
	case EventJoinRoom:
		room := parseRoom(payload)
		if room == "" {
			h.SendToConnection(ctx, connID, EventError, ErrorPayload{Code: CodeBadRequest, Message: "roomId is required"})
			return
		}
		if err := h.JoinRoom(ctx, connID, room); err == nil {
			s.room = room
		}

	case EventLeaveRoom:
		room := parseRoom(payload)
		if room == "" {
			h.SendToConnection(ctx, connID, EventError, ErrorPayload{Code: CodeBadRequest, Message: "roomId is required"})
			return
		}
		_ = h.LeaveRoom(ctx, connID, room)
		if s.room == room {
			s.room = ""
		}

	case EventMessage:
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.InboundRateLimited.Inc()
			h.SendToConnection(ctx, connID, EventError, ErrorPayload{
				Code:      CodeRateLimited,
				Message:   "too many messages, slow down",
				ChannelID: s.room,
			})
			return
		}
		handler := h.messageHandler()
		if handler == nil {
			h.logger.Warn("no message handler installed, dropping message", "conn_id", connID)
			return
		}
		handler.HandleClientMessage(ctx, ClientMessage{
			ConnID:    connID,
			Principal: s.principal,
			Room:      s.room,
			Payload:   payload,
		})

	default:
		h.logger.Debug("unknown client event", "conn_id", connID, "event", event)
		h.SendToConnection(ctx, connID, EventError, ErrorPayload{Code: CodeUnknownEvent, Message: "unknown event: " + event})
	}
}
