// ABOUTME: Minimal HTTP agent runtime for local and end-to-end testing; echoes each message back.
// ABOUTME: Usage: echo-agent [-addr localhost:9090] [-prefix "echo: "] [-delay 0s] [-fail-on word]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type generateRequest struct {
	AgentID   string `json:"agent_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	History   []struct {
		AuthorID string `json:"author_id"`
		Content  string `json:"content"`
	} `json:"history"`
}

type generateResponse struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// echoer answers generate requests.
type echoer struct {
	prefix string
	delay  time.Duration
	failOn string
	logger *slog.Logger
}

func (e *echoer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Post("/generate", e.handleGenerate)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

func (e *echoer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, generateResponse{Error: "invalid request: " + err.Error()})
		return
	}

	e.logger.Info("generate",
		"agent_id", req.AgentID,
		"channel_id", req.ChannelID,
		"message_id", req.MessageID,
		"history", len(req.History))

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-r.Context().Done():
			return
		}
	}

	if e.failOn != "" && strings.Contains(req.Content, e.failOn) {
		writeResponse(w, http.StatusOK, generateResponse{Error: "refusing to answer"})
		return
	}

	writeResponse(w, http.StatusOK, generateResponse{Content: e.prefix + req.Content})
}

func writeResponse(w http.ResponseWriter, status int, resp generateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	prefix := flag.String("prefix", "echo: ", "reply prefix")
	delay := flag.Duration("delay", 0, "artificial latency per reply")
	failOn := flag.String("fail-on", "", "reply with an error when the message contains this text")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "echo-agent")
	e := &echoer{prefix: *prefix, delay: *delay, failOn: *failOn, logger: logger}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           e.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", *addr, "endpoint", "/generate")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
