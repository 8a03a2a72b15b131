// ABOUTME: Dispatcher runs the per-message pipeline: persist, route, invoke, persist reply, broadcast.
// ABOUTME: Each subscribed agent is invoked in its own goroutine; one agent's failure never blocks another.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/channel-router/internal/agent"
	"github.com/2389/channel-router/internal/dedupe"
	"github.com/2389/channel-router/internal/hub"
	"github.com/2389/channel-router/internal/metrics"
	"github.com/2389/channel-router/internal/store"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultInvokeTimeout = 60 * time.Second
	DefaultMaxConcurrent = 64
	DefaultHistoryLimit  = 20
)

// Directory is what the dispatcher reads and writes in the Directory Store.
type Directory interface {
	Channel(ctx context.Context, id string) (*store.Channel, error)
	Append(ctx context.Context, channelID, authorID, content string, metadata map[string]any) (*store.Message, error)
	History(ctx context.Context, channelID string, limit int, before string) ([]*store.Message, error)
	Subscribers(ctx context.Context, ch *store.Channel, authorID string) ([]string, error)
}

// Invoker calls an agent's runtime by id.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, gc agent.GenerateContext) (string, error)
}

// Broadcaster is the slice of the connection manager the dispatcher emits through.
type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, roomID, event string, payload any) int
	BroadcastAgentResponse(ctx context.Context, roomID string, payload any) int
	SendToConnection(ctx context.Context, connID, event string, payload any)
}

// Renderer turns reply markdown into HTML.
type Renderer interface {
	Render(src string) (string, error)
}

// Options configures a Dispatcher.
type Options struct {
	Directory Directory
	Agents    Invoker
	Hub       Broadcaster
	Renderer  Renderer      // optional
	Dedupe    *dedupe.Cache // optional

	InvokeTimeout   time.Duration
	ThinkDelay      time.Duration
	MaxConcurrent   int
	HistoryLimit    int
	EmitDiagnostics bool

	Logger *slog.Logger
}

// Inbound is one message entering the pipeline.
type Inbound struct {
	ChannelID       string
	AuthorID        string
	Body            Body
	ClientMessageID string
	Metadata        map[string]any
	// ConnID is the originating connection, empty for HTTP submissions.
	ConnID string
}

// Outcome is the terminal state of one subscriber's pipeline.
type Outcome struct {
	AgentID  string
	State    State
	Err      error
	Response *store.Message
}

// Result tracks one ingested message. Subscriber pipelines keep running after
// Ingest returns.
type Result struct {
	Message     *store.Message
	Channel     *store.Channel
	Subscribers []string

	outcomes []Outcome
	wg       sync.WaitGroup
	done     chan struct{}
}

// Done is closed once every subscriber pipeline has finished.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until every subscriber pipeline has finished and returns their
// outcomes in subscriber order.
func (r *Result) Wait() []Outcome {
	<-r.done
	return slices.Clone(r.outcomes)
}

// ResponsePayload is the body of every agent-response emission.
type ResponsePayload struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	ServerID  string    `json:"serverId"`
	AuthorID  string    `json:"authorId"`
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Text      string    `json:"text"`
	HTML      string    `json:"html,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	InReplyTo string    `json:"inReplyTo"`
}

// AgentErrorPayload is the body of agent-error diagnostic events.
type AgentErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ChannelID string `json:"channelId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
}

// Dispatcher routes inbound channel messages to subscribed agents.
type Dispatcher struct {
	dir      Directory
	agents   Invoker
	hub      Broadcaster
	renderer Renderer
	dedupe   *dedupe.Cache
	sem      *semaphore.Weighted

	invokeTimeout   time.Duration
	thinkDelay      time.Duration
	historyLimit    int
	emitDiagnostics bool

	logger *slog.Logger

	// base outlives individual requests; Close cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		dir:             opts.Directory,
		agents:          opts.Agents,
		hub:             opts.Hub,
		renderer:        opts.Renderer,
		dedupe:          opts.Dedupe,
		sem:             semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		invokeTimeout:   opts.InvokeTimeout,
		thinkDelay:      opts.ThinkDelay,
		historyLimit:    opts.HistoryLimit,
		emitDiagnostics: opts.EmitDiagnostics,
		logger:          logger.With("component", "dispatcher"),
		base:            base,
		cancel:          cancel,
	}
}

// Ingest validates, persists and routes one message, then starts a pipeline
// per subscribed agent. It returns once the message is persisted and routed.
// Nothing is persisted when it fails with ErrInvalidMessage, ErrDuplicate or
// ErrNotFound.
func (d *Dispatcher) Ingest(ctx context.Context, in Inbound) (*Result, error) {
	channelID := strings.TrimSpace(in.ChannelID)
	authorID := strings.TrimSpace(in.AuthorID)

	content, err := Normalize(in.Body)
	if err == nil && channelID == "" {
		err = fmt.Errorf("%w: channelId is required", ErrInvalidMessage)
	}
	if err == nil && authorID == "" {
		err = fmt.Errorf("%w: authorId is required", ErrInvalidMessage)
	}
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("invalid").Inc()
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	var dedupeKey string
	if d.dedupe != nil && in.ClientMessageID != "" {
		dedupeKey = dedupe.Key(channelID, authorID, in.ClientMessageID)
		if d.dedupe.CheckAndMark(dedupeKey) {
			metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, in.ClientMessageID)
		}
	}
	forget := func() {
		if dedupeKey != "" {
			d.dedupe.Forget(dedupeKey)
		}
	}

	ch, err := d.dir.Channel(ctx, channelID)
	if err != nil {
		forget()
		return nil, d.storeFailure("channel lookup", channelID, err)
	}

	metadata := in.Metadata
	if in.ClientMessageID != "" {
		metadata = withEntry(metadata, "clientMessageId", in.ClientMessageID)
	}
	msg, err := d.dir.Append(ctx, channelID, authorID, content, metadata)
	if err != nil {
		forget()
		return nil, d.storeFailure("append", channelID, err)
	}
	metrics.MessagesIngested.WithLabelValues("persisted").Inc()

	subs, err := d.dir.Subscribers(ctx, ch, authorID)
	if err != nil {
		d.logger.Error("routing failed", "channel_id", channelID, "message_id", msg.ID, "error", err)
		return nil, fmt.Errorf("%w: resolving subscribers: %w", ErrStorage, err)
	}

	res := &Result{
		Message:     msg,
		Channel:     ch,
		Subscribers: subs,
		outcomes:    make([]Outcome, len(subs)),
		done:        make(chan struct{}),
	}

	d.logger.Debug("message routed",
		"channel_id", channelID,
		"message_id", msg.ID,
		"author_id", authorID,
		"subscribers", subs)

	res.wg.Add(len(subs))
	d.inflight.Add(len(subs))
	for i, agentID := range subs {
		go d.run(res, i, agentID, in.ConnID)
	}
	go func() {
		res.wg.Wait()
		close(res.done)
	}()

	return res, nil
}

func (d *Dispatcher) storeFailure(op, channelID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		metrics.MessagesIngested.WithLabelValues("not_found").Inc()
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	metrics.MessagesIngested.WithLabelValues("storage_error").Inc()
	d.logger.Error("storage failure", "op", op, "channel_id", channelID, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func withEntry(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// run drives one subscriber from Routed to a terminal state.
func (d *Dispatcher) run(res *Result, idx int, agentID, connID string) {
	defer d.inflight.Done()
	defer res.wg.Done()

	out := d.deliver(res.Channel, res.Message, agentID)
	res.outcomes[idx] = out

	if out.State == StateFailed {
		d.reportAgentFailure(res, out, connID)
	}
}

func (d *Dispatcher) deliver(ch *store.Channel, msg *store.Message, agentID string) Outcome {
	out := Outcome{AgentID: agentID, State: StateRouted}
	fail := func(err error) Outcome {
		out.State = StateFailed
		out.Err = err
		return out
	}

	if err := d.sem.Acquire(d.base, 1); err != nil {
		return fail(ErrClosed)
	}

	history, err := d.dir.History(d.base, ch.ID, d.historyLimit, msg.ID)
	if err != nil {
		d.logger.Warn("failed to load history", "channel_id", ch.ID, "error", err)
	}

	ictx, cancel := context.WithTimeout(d.base, d.invokeTimeout)
	start := time.Now()
	reply, err := d.invoke(ictx, agentID, agent.GenerateContext{
		Channel: ch,
		Message: msg,
		History: history,
	})
	timedOut := errors.Is(ictx.Err(), context.DeadlineExceeded)
	cancel()
	d.sem.Release(1)
	metrics.AgentLatency.WithLabelValues(agentID).Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, agent.ErrAgentNotFound):
			err = fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: %s after %s", ErrAgentTimeout, agentID, d.invokeTimeout)
		case d.base.Err() != nil:
			err = fmt.Errorf("%w: %s interrupted", ErrClosed, agentID)
		default:
			err = fmt.Errorf("%w: %s: %w", ErrAgentError, agentID, err)
		}
		metrics.AgentInvocations.WithLabelValues(agentID, Code(err)).Inc()
		return fail(err)
	}
	out.State = StateAgentInvoked

	if strings.TrimSpace(reply) == "" {
		metrics.AgentInvocations.WithLabelValues(agentID, "empty").Inc()
		d.logger.Debug("agent returned empty reply", "agent_id", agentID, "message_id", msg.ID)
		out.State = StateDone
		return out
	}
	metrics.AgentInvocations.WithLabelValues(agentID, "ok").Inc()

	resp, err := d.dir.Append(d.base, ch.ID, agentID, reply, map[string]any{"inReplyTo": msg.ID})
	if err != nil {
		return fail(fmt.Errorf("%w: persisting reply: %w", ErrStorage, err))
	}
	out.Response = resp
	out.State = StateResponsePersisted

	d.think()

	delivered := d.hub.BroadcastAgentResponse(context.WithoutCancel(d.base), ch.ID, d.responsePayload(ch, resp, agentID, msg.ID))
	out.State = StateBroadcast

	d.logger.Info("agent response delivered",
		"channel_id", ch.ID,
		"agent_id", agentID,
		"message_id", resp.ID,
		"in_reply_to", msg.ID,
		"recipients", delivered)

	out.State = StateDone
	return out
}

type invokeResult struct {
	reply string
	err   error
}

// invoke returns when the runtime answers or ctx ends, whichever comes first.
// A runtime that ignores ctx keeps running in the background; whatever it
// returns after the deadline is discarded.
func (d *Dispatcher) invoke(ctx context.Context, agentID string, gc agent.GenerateContext) (string, error) {
	result := make(chan invokeResult, 1)
	go func() {
		reply, err := d.agents.Invoke(ctx, agentID, gc)
		if ctx.Err() != nil {
			d.logger.Debug("discarding late agent reply", "agent_id", agentID, "error", err)
		}
		result <- invokeResult{reply, err}
	}()

	select {
	case r := <-result:
		if r.err == nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return r.reply, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// think waits out the configured delay without holding any shared resource.
func (d *Dispatcher) think() {
	if d.thinkDelay <= 0 {
		return
	}
	t := time.NewTimer(d.thinkDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.base.Done():
	}
}

func (d *Dispatcher) responsePayload(ch *store.Channel, resp *store.Message, agentID, inReplyTo string) ResponsePayload {
	p := ResponsePayload{
		ID:        resp.ID,
		ChannelID: ch.ID,
		ServerID:  ch.ServerID,
		AuthorID:  agentID,
		AgentID:   agentID,
		Content:   resp.Content,
		Text:      resp.Content,
		CreatedAt: resp.CreatedAt,
		InReplyTo: inReplyTo,
	}
	if d.renderer != nil {
		html, err := d.renderer.Render(resp.Content)
		if err != nil {
			d.logger.Warn("failed to render reply", "message_id", resp.ID, "error", err)
		} else {
			p.HTML = html
		}
	}
	return p
}

// reportAgentFailure logs a failed subscriber and surfaces it either to the
// whole room (diagnostics enabled) or to the originating connection.
func (d *Dispatcher) reportAgentFailure(res *Result, out Outcome, connID string) {
	d.logger.Warn("agent pipeline failed",
		"channel_id", res.Channel.ID,
		"agent_id", out.AgentID,
		"message_id", res.Message.ID,
		"error", out.Err)

	payload := AgentErrorPayload{
		Code:      Code(out.Err),
		Message:   out.Err.Error(),
		ChannelID: res.Channel.ID,
		AgentID:   out.AgentID,
		MessageID: res.Message.ID,
	}
	ctx := context.WithoutCancel(d.base)
	switch {
	case d.emitDiagnostics:
		d.hub.BroadcastToRoom(ctx, res.Channel.ID, hub.EventAgentError, payload)
	case connID != "":
		d.hub.SendToConnection(ctx, connID, hub.EventAgentError, payload)
	}
}

// HandleClientMessage ingests a "message" event from a real-time connection.
// The channel defaults to the connection's room and the author to its
// authenticated principal. Failures go back to that connection as an error event.
func (d *Dispatcher) HandleClientMessage(ctx context.Context, msg hub.ClientMessage) {
	p, err := DecodeClientPayload(msg.Payload)

	channelID := p.ChannelID
	if channelID == "" {
		channelID = msg.Room
	}
	authorID := msg.Principal
	if authorID == "" {
		authorID = p.AuthorID
	}

	if err == nil {
		_, err = d.Ingest(ctx, Inbound{
			ChannelID:       channelID,
			AuthorID:        authorID,
			Body:            p.Body,
			ClientMessageID: p.ClientMessageID,
			Metadata:        p.Metadata,
			ConnID:          msg.ConnID,
		})
	}
	if err == nil {
		return
	}

	if errors.Is(err, ErrDuplicate) {
		d.logger.Debug("duplicate client message dropped", "conn_id", msg.ConnID, "channel_id", channelID)
		return
	}

	d.logger.Info("client message rejected", "conn_id", msg.ConnID, "channel_id", channelID, "error", err)
	d.hub.SendToConnection(ctx, msg.ConnID, hub.EventError, hub.ErrorPayload{
		Code:      Code(err),
		Message:   err.Error(),
		ChannelID: channelID,
	})
}

// Close stops accepting messages and waits for in-flight pipelines. If ctx
// ends first, pending invocations are cancelled and ctx's error returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
