// ABOUTME: Connection Manager tracking live connections and their room memberships.
// ABOUTME: Provides send-to-one, broadcast-to-room and broadcast-to-all over any transport.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/channel-router/internal/metrics"
	"github.com/2389/channel-router/internal/shardmap"
)

// Options configures a Hub.
type Options struct {
	// ServerID and AgentID are reported to clients in the connected event.
	ServerID string
	AgentID  string

	// DefaultRoom is joined on connect when AutoJoin is set and the client
	// did not ask for a room of its own.
	DefaultRoom string
	AutoJoin    bool

	// Inbound client event limit per connection. Zero disables limiting.
	MessagesPerSecond float64
	Burst             int

	// Relay, when set, carries room broadcasts between router instances.
	Relay Relay

	Logger *slog.Logger
}

// member is a registered connection and the rooms it has joined.
type member struct {
	conn  Conn
	rooms map[string]struct{}
}

// Hub is the process-wide Connection Manager.
type Hub struct {
	opts   Options
	origin string
	logger *slog.Logger

	conns *shardmap.Map[*member]
	rooms *shardmap.Map[map[string]Conn] // roomID -> connID -> Conn

	handlerMu sync.RWMutex
	handler   MessageHandler
}

// New creates a Hub.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:   opts,
		origin: uuid.New().String(),
		logger: logger.With("component", "hub"),
		conns:  shardmap.New[*member](0),
		rooms:  shardmap.New[map[string]Conn](0),
	}
}

// SetMessageHandler installs the receiver of client "message" events.
func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

func (h *Hub) messageHandler() MessageHandler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// DefaultRoomFor picks the room a new connection joins: the requested room
// when given, else the configured default when auto-join is enabled.
func (h *Hub) DefaultRoomFor(requested string) string {
	if requested != "" {
		return requested
	}
	if h.opts.AutoJoin {
		return h.opts.DefaultRoom
	}
	return ""
}

// OnConnect registers conn with an empty room set, emits "connected", and
// joins defaultRoom when it is non-empty.
func (h *Hub) OnConnect(ctx context.Context, conn Conn, defaultRoom string) {
	h.conns.Swap(conn.ID(), &member{conn: conn, rooms: make(map[string]struct{})})
	metrics.Connections.WithLabelValues(conn.Transport()).Inc()

	h.logger.Info("connection opened",
		"conn_id", conn.ID(),
		"transport", conn.Transport(),
		"default_room", defaultRoom,
		"total_connections", h.conns.Len(),
	)

	h.SendToConnection(ctx, conn.ID(), EventConnected, ConnectedPayload{
		Message:     "Connected to channel router",
		ServerID:    h.opts.ServerID,
		AgentID:     h.opts.AgentID,
		DefaultRoom: defaultRoom,
	})

	if defaultRoom != "" {
		if err := h.JoinRoom(ctx, conn.ID(), defaultRoom); err != nil {
			h.logger.Debug("default room join failed", "conn_id", conn.ID(), "error", err)
		}
	}
}

// OnDisconnect forgets the connection and clears all its memberships.
func (h *Hub) OnDisconnect(connID string) {
	m, ok := h.conns.Delete(connID)
	if !ok {
		return
	}
	metrics.Connections.WithLabelValues(m.conn.Transport()).Dec()

	// The member is no longer reachable through conns, so its room set is stable.
	for room := range m.rooms {
		h.removeFromRoom(room, connID)
	}

	h.logger.Info("connection closed",
		"conn_id", connID,
		"rooms", len(m.rooms),
		"total_connections", h.conns.Len(),
	)
}

// JoinRoom adds roomID to the connection's room set and acknowledges with
// "room-joined". Joining a room twice is harmless.
func (h *Hub) JoinRoom(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}

	var conn Conn
	h.conns.Update(connID, func(m *member, ok bool) (*member, bool) {
		if !ok {
			return nil, false
		}
		m.rooms[roomID] = struct{}{}
		conn = m.conn
		return m, true
	})
	if conn == nil {
		return ErrConnectionGone
	}

	h.rooms.Update(roomID, func(members map[string]Conn, ok bool) (map[string]Conn, bool) {
		if !ok {
			members = make(map[string]Conn)
		}
		members[connID] = conn
		return members, true
	})

	// A disconnect racing this join may have missed the room entry above.
	if _, ok := h.conns.Get(connID); !ok {
		h.removeFromRoom(roomID, connID)
		return ErrConnectionGone
	}

	h.logger.Debug("joined room", "conn_id", connID, "room", roomID)
	h.SendToConnection(ctx, connID, EventRoomJoined, RoomPayload{RoomID: roomID, ChannelID: roomID, Success: true})
	return nil
}

// LeaveRoom removes roomID from the connection's room set.
func (h *Hub) LeaveRoom(ctx context.Context, connID, roomID string) error {
	found := false
	h.conns.Update(connID, func(m *member, ok bool) (*member, bool) {
		if !ok {
			return nil, false
		}
		found = true
		delete(m.rooms, roomID)
		return m, true
	})
	if !found {
		return ErrConnectionGone
	}

	h.removeFromRoom(roomID, connID)
	h.logger.Debug("left room", "conn_id", connID, "room", roomID)
	h.SendToConnection(ctx, connID, EventRoomLeft, RoomPayload{RoomID: roomID, ChannelID: roomID, Success: true})
	return nil
}

func (h *Hub) removeFromRoom(roomID, connID string) {
	h.rooms.Update(roomID, func(members map[string]Conn, ok bool) (map[string]Conn, bool) {
		if !ok {
			return nil, false
		}
		delete(members, connID)
		return members, len(members) > 0
	})
}

// SendToConnection delivers one event to one connection. Failures, including
// a connection that has already gone, are logged and never returned.
func (h *Hub) SendToConnection(ctx context.Context, connID, event string, payload any) {
	m, ok := h.conns.Get(connID)
	if !ok {
		metrics.SendFailures.Inc()
		h.logger.Debug("send to missing connection", "conn_id", connID, "event", event, "error", ErrConnectionGone)
		return
	}
	h.deliver(ctx, m.conn, event, payload)
}

func (h *Hub) deliver(ctx context.Context, conn Conn, event string, payload any) bool {
	if err := conn.Send(ctx, event, payload); err != nil {
		metrics.SendFailures.Inc()
		h.logger.Debug("send failed", "conn_id", conn.ID(), "event", event, "error", err)
		return false
	}
	metrics.EventsSent.WithLabelValues(event).Inc()
	return true
}

// BroadcastToRoom delivers the event to every connection currently joined to
// roomID and returns how many accepted it. Delivery is best-effort and
// at-most-once; nothing is queued for connections that join later.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID, event string, payload any) int {
	n := h.deliverRoom(ctx, roomID, event, payload)
	h.publish(ctx, roomID, event, payload)
	return n
}

// roomMembers snapshots the connections joined to roomID.
func (h *Hub) roomMembers(roomID string) []Conn {
	var targets []Conn
	h.rooms.View(roomID, func(members map[string]Conn, ok bool) {
		for _, c := range members {
			targets = append(targets, c)
		}
	})
	return targets
}

func (h *Hub) deliverRoom(ctx context.Context, roomID, event string, payload any) int {
	targets := h.roomMembers(roomID)

	n := 0
	for _, c := range targets {
		if h.deliver(ctx, c, event, payload) {
			n++
		}
	}
	h.logger.Debug("room broadcast", "room", roomID, "event", event, "members", len(targets), "delivered", n)
	return n
}

// BroadcastAll delivers the event to every connection.
func (h *Hub) BroadcastAll(ctx context.Context, event string, payload any) int {
	n := h.deliverAll(ctx, event, payload)
	h.publish(ctx, "", event, payload)
	return n
}

func (h *Hub) deliverAll(ctx context.Context, event string, payload any) int {
	var targets []Conn
	h.conns.Range(func(_ string, m *member) bool {
		targets = append(targets, m.conn)
		return true
	})

	n := 0
	for _, c := range targets {
		if h.deliver(ctx, c, event, payload) {
			n++
		}
	}
	return n
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	return h.conns.Len()
}

// Rooms returns the rooms a connection has joined, sorted.
func (h *Hub) Rooms(connID string) []string {
	var rooms []string
	h.conns.View(connID, func(m *member, ok bool) {
		if !ok {
			return
		}
		for r := range m.rooms {
			rooms = append(rooms, r)
		}
	})
	sort.Strings(rooms)
	return rooms
}

// Members returns the connection IDs joined to a room, sorted.
func (h *Hub) Members(roomID string) []string {
	var ids []string
	h.rooms.View(roomID, func(members map[string]Conn, ok bool) {
		for id := range members {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// CloseAll closes every connection with the given reason.
func (h *Hub) CloseAll(reason string) {
	var conns []Conn
	h.conns.Range(func(_ string, m *member) bool {
		conns = append(conns, m.conn)
		return true
	})
	for _, c := range conns {
		_ = c.Close(reason)
		h.OnDisconnect(c.ID())
	}
}

func (h *Hub) publish(ctx context.Context, roomID, event string, payload any) {
	if h.opts.Relay == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encoding relay payload", "event", event, "error", err)
		return
	}
	msg := RelayMessage{Origin: h.origin, Room: roomID, Event: event, Payload: data}
	if err := h.opts.Relay.Publish(ctx, msg); err != nil {
		metrics.RelayPublishFailures.Inc()
		h.logger.Warn("relay publish failed", "room", roomID, "event", event, "error", err)
	}
}

// RunRelay re-delivers broadcasts published by other instances until ctx ends.
// It returns immediately when no relay is configured.
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.opts.Relay == nil {
		return nil
	}
	h.logger.Info("relay subscription started")
	return h.opts.Relay.Subscribe(ctx, func(msg RelayMessage) {
		if msg.Origin == h.origin {
			return
		}
		if msg.Room == "" {
			h.deliverAll(ctx, msg.Event, msg.Payload)
			return
		}
		h.deliverRoom(ctx, msg.Room, msg.Event, msg.Payload)
	})
}
