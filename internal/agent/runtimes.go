// ABOUTME: Built-in runtime kinds: an in-process echo agent and a remote HTTP agent.
// ABOUTME: NewRuntime builds either from a config.RuntimeConfig definition.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/channel-router/internal/config"
)

// DefaultEchoPrefix is prepended to the input by echo runtimes.
const DefaultEchoPrefix = "echo: "

// maxHistory bounds how many prior messages are sent to remote runtimes.
const maxHistory = 20

// EchoRuntime replies with its input behind a fixed prefix.
type EchoRuntime struct {
	Prefix string
}

// NewEchoRuntime returns an EchoRuntime. An empty prefix selects DefaultEchoPrefix.
func NewEchoRuntime(prefix string) *EchoRuntime {
	if prefix == "" {
		prefix = DefaultEchoPrefix
	}
	return &EchoRuntime{Prefix: prefix}
}

// Generate returns Prefix + the inbound content.
func (e *EchoRuntime) Generate(ctx context.Context, gc GenerateContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if gc.Message == nil {
		return "", errors.New("no message to echo")
	}
	return e.Prefix + gc.Message.Content, nil
}

// Close is a no-op.
func (e *EchoRuntime) Close() error { return nil }

// HTTPRuntime forwards generate requests to a remote agent over HTTP.
type HTTPRuntime struct {
	url    string
	client *http.Client
}

// NewHTTPRuntime returns a runtime posting to url. A nil client selects a
// client without its own timeout; the caller's context bounds each request.
func NewHTTPRuntime(url string, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPRuntime{url: url, client: client}
}

type historyEntry struct {
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type generateRequest struct {
	AgentID   string         `json:"agent_id"`
	ChannelID string         `json:"channel_id"`
	ServerID  string         `json:"server_id"`
	MessageID string         `json:"message_id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content"`
	History   []historyEntry `json:"history,omitempty"`
}

type generateResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Generate POSTs the request as JSON and expects {"content": "..."} back.
// Failing to reach the endpoint at all is reported as ErrRuntimeCrashed.
func (h *HTTPRuntime) Generate(ctx context.Context, gc GenerateContext) (string, error) {
	if gc.Message == nil {
		return "", errors.New("no message to send")
	}

	req := generateRequest{
		AgentID:   gc.AgentID,
		ChannelID: gc.Message.ChannelID,
		ServerID:  gc.Message.ServerID,
		MessageID: gc.Message.ID,
		AuthorID:  gc.Message.AuthorID,
		Content:   gc.Message.Content,
	}
	for i, m := range gc.History {
		if i == maxHistory {
			break
		}
		req.History = append(req.History, historyEntry{AuthorID: m.AuthorID, Content: m.Content, CreatedAt: m.CreatedAt})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrRuntimeCrashed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", fmt.Errorf("agent returned %d: %s", resp.StatusCode, msg)
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.Content, nil
}

// Close releases idle connections held by the client.
func (h *HTTPRuntime) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// NewRuntime builds a Runtime from a configured definition.
func NewRuntime(def config.RuntimeConfig) (Runtime, error) {
	switch def.Kind {
	case "echo":
		return NewEchoRuntime(def.Prefix), nil
	case "http":
		if def.URL == "" {
			return nil, fmt.Errorf("runtime %s: url is required", def.ID)
		}
		return NewHTTPRuntime(def.URL, nil), nil
	default:
		return nil, fmt.Errorf("runtime %s: unknown kind %q", def.ID, def.Kind)
	}
}
