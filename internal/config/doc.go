// Package config handles configuration loading for channel-router.
//
// # Configuration File
//
// The file path is resolved by the CLI (in order):
//
//  1. Path from ROUTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/channel-router/router.yaml
//  3. ~/.config/channel-router/router.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
// Both formats share the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ROUTER_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # HTTP API, WebSocket transports, health
//	  grpc_addr: "0.0.0.0:50051"  # optional gRPC health service
//	  server_id: "router-1"
//	  agent_id: "assistant"
//
//	database:
//	  path: "/var/lib/channel-router/router.db"
//
//	agents:
//	  invoke_timeout: "60s"
//	  think_delay: "0s"
//	  max_concurrent: 64
//	  reconcile_schedule: "@every 1m"
//	  runtimes:
//	    - id: "assistant"
//	      kind: "http"
//	      url: "http://127.0.0.1:9000/generate"
//
//	rooms:
//	  default_room: "lobby"
//	  auto_join: true
//	  messages_per_second: 10           # 0 disables inbound limiting
//	  burst: 20
//
//	redis:
//	  url: "redis://localhost:6379/0"   # enables cross-instance broadcast
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Parse validates required addresses, the database path, JWT secret length,
// duration syntax and runtime definitions, then fills defaults for anything
// left unset.
package config
