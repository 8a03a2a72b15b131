// Package hub is the Connection Manager for real-time clients.
//
// A Hub tracks live connections and the rooms (channels) each has joined,
// and offers three delivery primitives: SendToConnection, BroadcastToRoom and
// BroadcastAll. Callers never see transports; every transport wraps its
// socket in a Conn.
//
// # Transports
//
//   - WebSocketHandler: JSON frames {"type": "join-room", "payload": {...}}
//   - SocketIOHandler: Engine.IO v4 / Socket.IO v5 over websocket, e.g.
//     42["join-room",{"roomId":"..."}]
//
// Both accept the client events join-room, leave-room and message, and
// receive connected, room-joined, room-left, error and the agent response
// events.
//
// # Delivery
//
// Each Conn owns a bounded send queue drained by one writer goroutine. A full
// queue or a closed connection drops the event; broadcast is at-most-once and
// nothing is replayed. Clients fetch history over the HTTP API.
//
// # Agent responses
//
// BroadcastAgentResponse (compat.go) sends one response as "message",
// "agent-response" and "broadcast" {type, payload}.
//
// # Relay
//
// With a Relay configured, room broadcasts are also published to Redis and
// re-delivered by every other instance running RunRelay.
package hub
