// Package gateway orchestrates the channel-router server components.
//
// # Overview
//
// The gateway owns every long-lived component and wires them together:
//
//	store.Store          durable servers, channels, participants, messages
//	agent.Registry       live agent runtimes by id
//	agent.Supervisor     starts configured runtimes for attached agents
//	directory.Service    validated Directory operations
//	hub.Hub              realtime connections and rooms
//	dispatch.Dispatcher  the message pipeline
//
// Inbound socket messages flow hub -> dispatcher -> directory/registry ->
// hub. HTTP submissions enter the dispatcher directly.
//
// # HTTP
//
//   - GET /health - process status (JSON)
//   - GET /health/ready - 503 until a runtime is registered and the store (and relay) answer
//   - GET /metrics - Prometheus, when metrics.enabled
//   - /ws - plain JSON websocket transport
//   - /socket.io/ - Socket.IO v4 over websocket
//   - /api/... - Directory API (api.go)
//
// With auth.jwt_secret set, the API and socket upgrades require a token
// and Directory mutations require the admin role.
//
// # gRPC
//
// When server.grpc_addr is set (or on :50051 under Tailscale) the standard
// grpc.health.v1 service and server reflection are served. Health flips to
// NOT_SERVING as soon as Shutdown begins.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run bootstraps runtimes for stored agent associations, schedules the
// reconcile job, then serves until ctx ends and shuts down within 10s.
package gateway
