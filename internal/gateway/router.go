// ABOUTME: HTTP routing for the gateway: health, metrics, realtime transports and the Directory API
// ABOUTME: Uses chi with request IDs, panic recovery, CORS and Prometheus request metrics

package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/channel-router/internal/auth"
	"github.com/2389/channel-router/internal/hub"
	"github.com/2389/channel-router/internal/metrics"
)

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	ServerID      string `json:"serverId"`
	Connections   int    `json:"connections"`
	Agents        int    `json:"agents"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// allowedOrigins returns the configured origins, or a wildcard when none are set.
func (g *Gateway) allowedOrigins() []string {
	if len(g.config.Server.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return g.config.Server.AllowedOrigins
}

// originHosts converts allowed origins to the host patterns the websocket
// upgrader matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			hosts = append(hosts, o)
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	sockOpts := hub.HandlerOptions{OriginPatterns: originHosts(g.allowedOrigins())}
	if g.verifier != nil {
		sockOpts.Authenticate = auth.Authenticator(g.verifier)
	}
	r.Handle("/ws", g.hub.WebSocketHandler(sockOpts))
	sio := g.hub.SocketIOHandler(sockOpts)
	r.Handle("/socket.io", sio)
	r.Handle("/socket.io/", sio)

	r.Route("/api", g.apiRoutes)

	return r
}

// handleHealth reports process status for external monitors.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Service:       "channel-router",
		ServerID:      g.config.Server.ServerID,
		Connections:   g.hub.Count(),
		Agents:        g.registry.Len(),
		Uptime:        uptime.String(),
		UptimeSeconds: int64(uptime.Seconds()),
	})
}

// handleReady returns 200 OK once a runtime is registered and the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if g.relay != nil {
		if err := g.relay.Ping(r.Context()); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			writeJSONError(w, http.StatusServiceUnavailable, "relay unavailable")
			return
		}
	}
	agents := g.registry.Len()
	if agents == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no agents registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "agents": agents})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
