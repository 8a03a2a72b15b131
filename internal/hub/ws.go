// ABOUTME: Plain websocket transport: one JSON object per frame, {"type": event, "payload": {...}}.
// ABOUTME: Also holds the upgrade options and authentication hook shared with the socket.io transport.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// Transport names reported by Conn.Transport.
const (
	TransportWebSocket = "websocket"
	TransportSocketIO  = "socket.io"
)

// readLimit bounds a single inbound frame.
const readLimit = 64 << 10

// Authenticator resolves the principal of an upgrade request. A non-nil
// error rejects the upgrade with 401.
type Authenticator func(r *http.Request) (string, error)

// HandlerOptions configures the transport handlers.
type HandlerOptions struct {
	// OriginPatterns lists cross-origin hosts allowed to connect.
	OriginPatterns []string
	Authenticate   Authenticator
}

// frame is the plain transport's wire shape in both directions.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{event, payload})
}

func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request, opts HandlerOptions) (string, bool) {
	if opts.Authenticate == nil {
		return "", true
	}
	principal, err := opts.Authenticate(r)
	if err != nil {
		h.logger.Debug("rejected connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return principal, true
}

// WebSocketHandler serves the plain JSON-framed transport.
func (h *Hub) WebSocketHandler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := h.authenticate(w, r, opts)
		if !ok {
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			h.logger.Debug("websocket accept failed", "error", err)
			return
		}
		ws.SetReadLimit(readLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := newWSConn(ws, TransportWebSocket, encodeFrame, h.logger)
		go conn.writeLoop(ctx)

		s := h.newSession(conn, principal, h.DefaultRoomFor(requestedRoom(r)))
		h.OnConnect(ctx, conn, s.room)
		defer func() {
			h.OnDisconnect(conn.ID())
			_ = conn.Close("bye")
		}()

		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					h.logger.Debug("websocket read failed", "conn_id", conn.ID(), "error", err)
				}
				return
			}
			if typ != websocket.MessageText {
				continue
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
				h.SendToConnection(ctx, conn.ID(), EventError, ErrorPayload{Code: CodeBadRequest, Message: "frames must be {\"type\": ..., \"payload\": ...}"})
				continue
			}
			if len(f.Payload) == 0 {
				f.Payload = json.RawMessage("null")
			}
			h.handleClientEvent(ctx, s, f.Type, f.Payload)
		}
	})
}
