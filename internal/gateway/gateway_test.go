// ABOUTME: Tests for the Gateway orchestrator: construction, health endpoints and lifecycle
// ABOUTME: Runs the real servers on loopback ports and probes them over HTTP and gRPC

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/channel-router/internal/config"
	"github.com/2389/channel-router/internal/hub"
)

const testSecret = "test-secret-key-for-jwt-signing!"

const baseConfig = `
server:
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
agents:
  invoke_timeout: 2s
  runtimes:
    - id: echo
      kind: echo
`

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig parses baseConfig plus any extra YAML and applies defaults.
func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(baseConfig+extra), "yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

// newTestGateway builds a gateway that is shut down when the test ends.
func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNew_WeakSecret(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "channel-router", body.Service)
	assert.Equal(t, "channel-router", body.ServerID)
	assert.Equal(t, 0, body.Connections)
	assert.Equal(t, 0, body.Agents)
	assert.NotEmpty(t, body.Uptime)
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no runtime registered yet")

	_, err := gw.supervisor.Ensure("echo")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agents":1`)
}

// downRelay is a relay whose backend never answers.
type downRelay struct{}

func (downRelay) Publish(context.Context, hub.RelayMessage) error { return errors.New("down") }
func (downRelay) Subscribe(ctx context.Context, _ func(hub.RelayMessage)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (downRelay) Ping(context.Context) error { return errors.New("connection refused") }
func (downRelay) Close() error { return nil }

func TestHandleReady_RelayUnavailable(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	_, err := gw.supervisor.Ensure("echo")
	require.NoError(t, err)
	gw.relay = downRelay{}

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay unavailable")
}

func TestStart_BootstrapsAttachedRuntimes(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	ctx := context.Background()

	srv, err := gw.store.CreateServer(ctx, "Workspace")
	require.NoError(t, err)
	require.NoError(t, gw.store.AttachAgentToServer(ctx, srv.ID, "echo"))
	require.False(t, gw.registry.Has("echo"))

	require.NoError(t, gw.Start(ctx))
	assert.True(t, gw.registry.Has("echo"))
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, "metrics:\n  enabled: true\n"))

	gw.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "channel_router_")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	gw := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/servers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"*", "https://app.example.com", "http://localhost:3000", "example.org"})
	assert.Equal(t, []string{"*", "app.example.com", "localhost:3000", "example.org"}, got)
}

func TestRun_ServesHTTPAndGRPCHealth(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: healthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, "")
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	got, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", got)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	got, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", got)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	got, err := resolveTailscaleStateDir("/var/lib/router")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/router", got)

	got, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, got, "channel-router")
}
