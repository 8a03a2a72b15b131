// ABOUTME: Event-multiplexed transport speaking Engine.IO v4 / Socket.IO v5 over websocket.
// ABOUTME: Supports the default namespace, text events, acks and server-driven heartbeats.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Engine.IO heartbeat settings advertised in the open packet.
const (
	pingInterval = 25 * time.Second
	pingTimeout  = 20 * time.Second
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO packet types.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

var errUnsupportedPacket = errors.New("unsupported socket.io packet")

func encodeSocketIOEvent(event string, payload any) ([]byte, error) {
	args, err := json.Marshal([]any{event, payload})
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, args...), nil
}

// sioPacket is a decoded Socket.IO packet (without the Engine.IO prefix).
type sioPacket struct {
	typ       byte
	namespace string
	ackID     string
	data      string
}

func parseSocketIOPacket(s string) (sioPacket, error) {
	if s == "" {
		return sioPacket{}, errUnsupportedPacket
	}
	p := sioPacket{typ: s[0], namespace: "/"}
	rest := s[1:]

	if p.typ == '5' || p.typ == '6' {
		return p, fmt.Errorf("%w: binary packets", errUnsupportedPacket)
	}

	if strings.HasPrefix(rest, "/") {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			p.namespace, rest = rest[:i], rest[i+1:]
		} else {
			p.namespace, rest = rest, ""
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	p.ackID, p.data = rest[:i], rest[i:]
	return p, nil
}

// decodeEvent splits an EVENT packet's ["name", arg] array. Missing args decode as null.
func decodeEvent(data string) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(data), &args); err != nil {
		return "", nil, fmt.Errorf("decoding event arguments: %w", err)
	}
	if len(args) == 0 {
		return "", nil, errors.New("event without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("decoding event name: %w", err)
	}
	if len(args) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, args[1], nil
}

func engineError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message})
}

// SocketIOHandler serves Socket.IO clients connecting with the websocket
// transport (for example io(url, {transports: ["websocket"]})). HTTP
// long-polling is not offered.
func (h *Hub) SocketIOHandler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("EIO") != "4" {
			engineError(w, 5, "Unsupported protocol version")
			return
		}
		if q.Get("transport") != "websocket" {
			engineError(w, 0, "Transport unknown")
			return
		}

		principal, ok := h.authenticate(w, r, opts)
		if !ok {
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			h.logger.Debug("socket.io accept failed", "error", err)
			return
		}
		ws.SetReadLimit(readLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := newWSConn(ws, TransportSocketIO, encodeSocketIOEvent, h.logger)
		go conn.writeLoop(ctx)
		defer func() { _ = conn.Close("bye") }()

		open, _ := json.Marshal(map[string]any{
			"sid":          conn.ID(),
			"upgrades":     []string{},
			"pingInterval": pingInterval.Milliseconds(),
			"pingTimeout":  pingTimeout.Milliseconds(),
			"maxPayload":   readLimit,
		})
		_ = conn.sendRaw(append([]byte{eioOpen}, open...))

		var lastPong atomic.Int64
		lastPong.Store(time.Now().UnixNano())
		go h.heartbeat(ctx, conn, &lastPong)

		s := h.newSession(conn, principal, h.DefaultRoomFor(requestedRoom(r)))
		connected := false
		defer func() {
			if connected {
				h.OnDisconnect(conn.ID())
			}
		}()

		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					h.logger.Debug("socket.io read failed", "conn_id", conn.ID(), "error", err)
				}
				return
			}
			if typ != websocket.MessageText || len(data) == 0 {
				continue
			}

			switch data[0] {
			case eioClose:
				return
			case eioPing:
				_ = conn.sendRaw(append([]byte{eioPong}, data[1:]...))
			case eioPong:
				lastPong.Store(time.Now().UnixNano())
			case eioNoop:
			case eioMessage:
				if !h.handleSocketIOPacket(ctx, s, string(data[1:]), &connected) {
					return
				}
			default:
				h.logger.Debug("unknown engine.io packet", "conn_id", conn.ID(), "type", string(data[0]))
			}
		}
	})
}

// handleSocketIOPacket processes one Socket.IO packet. It returns false when
// the client disconnected its namespace.
func (h *Hub) handleSocketIOPacket(ctx context.Context, s *session, raw string, connected *bool) bool {
	conn := s.conn.(*wsConn)

	p, err := parseSocketIOPacket(raw)
	if err != nil {
		h.logger.Debug("dropping socket.io packet", "conn_id", conn.ID(), "error", err)
		return true
	}

	if p.namespace != "/" {
		msg, _ := json.Marshal(map[string]string{"message": "Invalid namespace"})
		_ = conn.sendRaw([]byte(fmt.Sprintf("%c%c%s,%s", eioMessage, sioConnectError, p.namespace, msg)))
		return true
	}

	switch p.typ {
	case sioConnect:
		if *connected {
			return true
		}
		ack, _ := json.Marshal(map[string]string{"sid": conn.ID()})
		_ = conn.sendRaw(append([]byte{eioMessage, sioConnect}, ack...))
		*connected = true
		h.OnConnect(ctx, conn, s.room)

	case sioDisconnect:
		return false

	case sioEvent:
		if !*connected {
			return true
		}
		event, payload, err := decodeEvent(p.data)
		if err != nil {
			h.SendToConnection(ctx, conn.ID(), EventError, ErrorPayload{Code: CodeBadRequest, Message: err.Error()})
			return true
		}
		h.handleClientEvent(ctx, s, event, payload)
		if p.ackID != "" {
			_ = conn.sendRaw([]byte(fmt.Sprintf("%c%c%s[]", eioMessage, sioAck, p.ackID)))
		}

	default:
		h.logger.Debug("ignoring socket.io packet", "conn_id", conn.ID(), "type", string(p.typ))
	}
	return true
}

// heartbeat pings the client every pingInterval and closes the connection
// when no pong arrives within pingTimeout.
func (h *Hub) heartbeat(ctx context.Context, conn *wsConn, lastPong *atomic.Int64) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastPong.Load())) > pingInterval+pingTimeout {
				h.logger.Debug("heartbeat timeout", "conn_id", conn.ID())
				_ = conn.Close("ping timeout")
				return
			}
			_ = conn.sendRaw([]byte{eioPing})
		}
	}
}
