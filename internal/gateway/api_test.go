// ABOUTME: Tests for the Directory API handlers and message submission over HTTP
// ABOUTME: Exercises the full stack against an in-memory SQLite store and echo runtime

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/channel-router/internal/auth"
	"github.com/2389/channel-router/internal/dispatch"
	"github.com/2389/channel-router/internal/store"
)

// apiClient issues requests against a gateway handler.
type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func (c *apiClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(c.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedChannel creates a server with the echo agent attached and a channel
// where both alice and echo participate.
func seedChannel(t *testing.T, c *apiClient, channelType string) (*store.Server, *store.Channel) {
	t.Helper()

	rec := c.do(http.MethodPost, "/api/servers", NameRequest{Name: "Workspace"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	srv := decode[store.Server](t, rec)

	rec = c.do(http.MethodPost, "/api/servers/"+srv.ID+"/channels", CreateChannelRequest{Name: "general", Type: channelType})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ch := decode[store.Channel](t, rec)

	rec = c.do(http.MethodPost, "/api/servers/"+srv.ID+"/agents", AttachAgentRequest{AgentID: "echo"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, user := range []string{"alice", "echo"} {
		rec = c.do(http.MethodPost, "/api/channels/"+ch.ID+"/participants", JoinRequest{UserID: user})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return &srv, &ch
}

func TestAPI_ServerLifecycle(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	c := &apiClient{t: t, handler: gw.Handler()}

	rec := c.do(http.MethodPost, "/api/servers", NameRequest{Name: "  Acme  "})
	require.Equal(t, http.StatusCreated, rec.Code)
	srv := decode[store.Server](t, rec)
	assert.Equal(t, "Acme", srv.Name)

	rec = c.do(http.MethodPatch, "/api/servers/"+srv.ID, NameRequest{Name: "Acme Corp"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Acme Corp", decode[store.Server](t, rec).Name)

	rec = c.do(http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct{ Servers []store.Server }](t, rec)
	require.Len(t, list.Servers, 1)

	rec = c.do(http.MethodDelete, "/api/servers/"+srv.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = c.do(http.MethodGet, "/api/servers/"+srv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	c := &apiClient{t: t, handler: gw.Handler()}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"blank server name", http.MethodPost, "/api/servers", NameRequest{Name: "   "}, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/servers", "{", http.StatusBadRequest},
		{"unknown server channels", http.MethodGet, "/api/servers/nope/channels", nil, http.StatusNotFound},
		{"unknown channel", http.MethodGet, "/api/channels/nope", nil, http.StatusNotFound},
		{"unknown channel history", http.MethodGet, "/api/channels/nope/messages", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/channels/nope/messages?limit=x", nil, http.StatusBadRequest},
		{"oversized body", http.MethodPost, "/api/servers", `{"name":"` + strings.Repeat("a", maxRequestBody) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.t = t
			rec := c.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestAPI_InvalidChannelType(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	c := &apiClient{t: t, handler: gw.Handler()}

	srv := decode[store.Server](t, c.do(http.MethodPost, "/api/servers", NameRequest{Name: "S"}))
	rec := c.do(http.MethodPost, "/api/servers/"+srv.ID+"/channels", CreateChannelRequest{Name: "x", Type: "voice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AttachStartsRuntime(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	c := &apiClient{t: t, handler: gw.Handler()}

	srv, _ := seedChannel(t, c, "group")
	assert.True(t, gw.registry.Has("echo"))

	rec := c.do(http.MethodGet, "/api/servers/"+srv.ID+"/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"echo"}, decode[struct{ Agents []string }](t, rec).Agents)

	rec = c.do(http.MethodGet, "/api/agents", nil)
	assert.Equal(t, []string{"echo"}, decode[struct{ Agents []string }](t, rec).Agents)

	rec = c.do(http.MethodDelete, "/api/servers/"+srv.ID+"/agents/echo", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_SubmitMessageWait(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	c := &apiClient{t: t, handler: gw.Handler()}
	_, ch := seedChannel(t, c, "dm")

	rec := c.do(http.MethodPost, "/api/channels/"+ch.ID+"/messages?wait=true",
		map[string]any{"text": "hello", "authorId": "alice", "clientMessageId": "c-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SubmitResponse](t, rec)
	assert.Equal(t, "hello", resp.Message.Content)
	assert.Equal(t, []string{"echo"}, resp.Subscribers)
	require.Len(t, resp.Outcomes, 1)
	assert.Equal(t, dispatch.StateDone, resp.Outcomes[0].State)
	require.NotNil(t, resp.Outcomes[0].Response)
	assert.Equal(t, "echo: hello", resp.Outcomes[0].Response.Content)

	rec = c.do(http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]any{"text": "hello", "authorId": "alice", "clientMessageId": "c-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = c.do(http.MethodGet, "/api/channels/"+ch.ID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct{ Messages []store.Message }](t, rec)
	require.Len(t, history.Messages, 2)

	reply := resp.Outcomes[0].Response
	rec = c.do(http.MethodGet, "/api/messages/"+reply.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[store.Message](t, rec)
	assert.Equal(t, "echo: hello", got.Content)
	assert.Equal(t, "echo", got.AuthorID)
	assert.Equal(t, resp.Message.ID, got.Metadata["inReplyTo"])

	rec = c.do(http.MethodGet, "/api/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SubmitMessageErrors(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	c := &apiClient{t: t, handler: gw.Handler()}
	_, ch := seedChannel(t, c, "group")

	rec := c.do(http.MethodPost, "/api/channels/"+ch.ID+"/messages", map[string]any{"text": "   ", "authorId": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, "/api/channels/"+ch.ID+"/messages", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "authorId is required without auth")

	rec = c.do(http.MethodPost, "/api/channels/missing/messages", map[string]any{"text": "hi", "authorId": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodPost, "/api/channels/"+ch.ID+"/messages", `"plain string body"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "raw string carries no author")
}

func TestAPI_AuthEnforced(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGateway(t, cfg)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	adminToken, err := verifier.Generate("root", []string{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	aliceToken, err := verifier.Generate("alice", nil, time.Hour)
	require.NoError(t, err)

	anon := &apiClient{t: t, handler: gw.Handler()}
	admin := &apiClient{t: t, handler: gw.Handler(), token: adminToken}
	alice := &apiClient{t: t, handler: gw.Handler(), token: aliceToken}

	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/servers", nil).Code)
	assert.Equal(t, http.StatusForbidden, alice.do(http.MethodPost, "/api/servers", NameRequest{Name: "S"}).Code)

	_, ch := seedChannel(t, admin, "group")

	rec := alice.do(http.MethodPost, "/api/channels/"+ch.ID+"/participants", JoinRequest{UserID: "bob"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = alice.do(http.MethodPost, "/api/channels/"+ch.ID+"/participants", JoinRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", decode[store.ChannelParticipant](t, rec).UserID)

	rec = alice.do(http.MethodPost, "/api/channels/"+ch.ID+"/messages?wait=true",
		map[string]any{"text": "hi", "authorId": "mallory"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	assert.Equal(t, "alice", resp.Message.AuthorID, "token principal overrides payload authorId")

	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/health", nil).Code, "health stays public")
}

func TestWebSocket_ReceivesAgentResponse(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	c := &apiClient{t: t, handler: gw.Handler()}
	_, ch := seedChannel(t, c, "dm")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channelId=" + ch.ID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	type frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	next := func() frame {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	assert.Equal(t, "connected", next().Type)
	assert.Equal(t, "room-joined", next().Type)

	out, err := json.Marshal(map[string]any{
		"type":    "message",
		"payload": map[string]any{"content": "ping", "authorId": "alice"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, out))

	var events []string
	for len(events) < 3 {
		f := next()
		events = append(events, f.Type)
		if f.Type == "agent-response" {
			var p dispatch.ResponsePayload
			require.NoError(t, json.Unmarshal(f.Payload, &p))
			assert.Equal(t, "echo: ping", p.Content)
			assert.Equal(t, "echo", p.AgentID)
		}
	}
	assert.Equal(t, []string{"message", "agent-response", "broadcast"}, events)
}
