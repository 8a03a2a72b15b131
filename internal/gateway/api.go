// ABOUTME: Directory API HTTP handlers for servers, channels, participants, agents and messages
// ABOUTME: Message submission goes through the dispatcher; ?wait=true returns agent outcomes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/channel-router/internal/auth"
	"github.com/2389/channel-router/internal/directory"
	"github.com/2389/channel-router/internal/dispatch"
	"github.com/2389/channel-router/internal/store"
)

// maxRequestBody bounds JSON request bodies on the API.
const maxRequestBody = 64 << 10

// NameRequest is the body of server create and rename requests.
type NameRequest struct {
	Name string `json:"name"`
}

// CreateChannelRequest is the body of POST /api/servers/{id}/channels.
type CreateChannelRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// JoinRequest is the body of POST /api/channels/{id}/participants.
type JoinRequest struct {
	UserID   string         `json:"userId"`
	Role     string         `json:"role,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AttachAgentRequest is the body of POST /api/servers/{id}/agents.
type AttachAgentRequest struct {
	AgentID string `json:"agentId"`
}

// OutcomeResponse reports one subscriber's terminal state.
type OutcomeResponse struct {
	AgentID  string         `json:"agentId"`
	State    dispatch.State `json:"state"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Response *store.Message `json:"response,omitempty"`
}

// SubmitResponse is the body returned by POST /api/channels/{id}/messages.
type SubmitResponse struct {
	Message     *store.Message    `json:"message"`
	Subscribers []string          `json:"subscribers"`
	Outcomes    []OutcomeResponse `json:"outcomes,omitempty"`
}

// apiRoutes mounts the Directory API. With auth enabled every route needs a
// token and directory mutations need an admin role.
func (g *Gateway) apiRoutes(r chi.Router) {
	if g.verifier != nil {
		r.Use(auth.HTTPAuthMiddleware(g.verifier))
	}

	r.Get("/agents", g.handleListRuntimes)

	r.Route("/servers", func(r chi.Router) {
		r.Get("/", g.handleListServers)
		r.With(g.requireAdmin).Post("/", g.handleCreateServer)

		r.Route("/{serverID}", func(r chi.Router) {
			r.Get("/", g.handleGetServer)
			r.With(g.requireAdmin).Patch("/", g.handleRenameServer)
			r.With(g.requireAdmin).Delete("/", g.handleDeleteServer)

			r.Get("/channels", g.handleListChannels)
			r.With(g.requireAdmin).Post("/channels", g.handleCreateChannel)

			r.Get("/agents", g.handleListServerAgents)
			r.With(g.requireAdmin).Post("/agents", g.handleAttachAgent)
			r.With(g.requireAdmin).Delete("/agents/{agentID}", g.handleDetachAgent)
		})
	})

	r.Route("/channels/{channelID}", func(r chi.Router) {
		r.Get("/", g.handleGetChannel)
		r.With(g.requireAdmin).Delete("/", g.handleDeleteChannel)

		r.Get("/participants", g.handleListParticipants)
		r.Post("/participants", g.handleJoin)
		r.Delete("/participants/{userID}", g.handleLeave)

		r.Get("/messages", g.handleHistory)
		r.Post("/messages", g.handleSubmitMessage)
	})

	r.Get("/messages/{messageID}", g.handleGetMessage)
}

// requireAdmin gates a route on the admin role when auth is enabled.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	if g.verifier == nil {
		return next
	}
	return auth.RequireAdminHTTP()(next)
}

// mayActAs reports whether the caller may act on behalf of userID.
func (g *Gateway) mayActAs(r *http.Request, userID string) bool {
	if g.verifier == nil {
		return true
	}
	ac := auth.FromContext(r.Context())
	return ac != nil && (ac.IsAdmin() || ac.PrincipalID == userID)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(directory.ErrValidation, err)
	}
	return nil
}

// statusFor maps directory and dispatch errors to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrValidation), errors.Is(err, dispatch.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a JSON error, hiding internal details behind 500s.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSONError(w, status, msg)
}

func (g *Gateway) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"agents": g.registry.List()})
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.directory.Servers(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	srv, err := g.directory.CreateServer(r.Context(), req.Name)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := g.directory.Server(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (g *Gateway) handleRenameServer(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	srv, err := g.directory.RenameServer(r.Context(), chi.URLParam(r, "serverID"), req.Name)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := g.directory.DeleteServer(r.Context(), chi.URLParam(r, "serverID")); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := g.directory.Channels(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (g *Gateway) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	ch, err := g.directory.CreateChannel(r.Context(), chi.URLParam(r, "serverID"), req.Name, req.Type)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (g *Gateway) handleListServerAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.directory.AgentsForServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (g *Gateway) handleAttachAgent(w http.ResponseWriter, r *http.Request) {
	var req AttachAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	serverID := chi.URLParam(r, "serverID")
	if err := g.directory.AttachAgent(r.Context(), serverID, req.AgentID); err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"serverId": serverID,
		"agentId":  req.AgentID,
		"running":  g.registry.Has(req.AgentID),
	})
}

func (g *Gateway) handleDetachAgent(w http.ResponseWriter, r *http.Request) {
	err := g.directory.DetachAgent(r.Context(), chi.URLParam(r, "serverID"), chi.URLParam(r, "agentID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := g.directory.Channel(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (g *Gateway) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := g.directory.DeleteChannel(r.Context(), chi.URLParam(r, "channelID")); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := g.directory.Participants(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

func (g *Gateway) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = auth.PrincipalID(r.Context())
	}
	if !g.mayActAs(r, req.UserID) {
		writeJSONError(w, http.StatusForbidden, "cannot add another principal")
		return
	}
	p, err := g.directory.Join(r.Context(), chi.URLParam(r, "channelID"), req.UserID, req.Role, req.Metadata)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (g *Gateway) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !g.mayActAs(r, userID) {
		writeJSONError(w, http.StatusForbidden, "cannot remove another principal")
		return
	}
	if err := g.directory.Leave(r.Context(), chi.URLParam(r, "channelID"), userID); err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := g.directory.Message(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := g.directory.History(r.Context(), chi.URLParam(r, "channelID"), limit, r.URL.Query().Get("before"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (g *Gateway) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	payload, err := dispatch.DecodeClientPayload(raw)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	authorID := payload.AuthorID
	if principal := auth.PrincipalID(r.Context()); principal != "" {
		authorID = principal
	}

	res, err := g.dispatcher.Ingest(r.Context(), dispatch.Inbound{
		ChannelID:       chi.URLParam(r, "channelID"),
		AuthorID:        authorID,
		Body:            payload.Body,
		ClientMessageID: payload.ClientMessageID,
		Metadata:        payload.Metadata,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := SubmitResponse{Message: res.Message, Subscribers: res.Subscribers}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	select {
	case <-res.Done():
	case <-r.Context().Done():
		return
	}
	for _, out := range res.Wait() {
		or := OutcomeResponse{AgentID: out.AgentID, State: out.State, Response: out.Response}
		if out.Err != nil {
			or.Error = out.Err.Error()
			or.Code = dispatch.Code(out.Err)
		}
		resp.Outcomes = append(resp.Outcomes, or)
	}
	writeJSON(w, http.StatusOK, resp)
}
