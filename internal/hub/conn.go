// ABOUTME: Conn abstraction over real-time transports plus the shared websocket connection.
// ABOUTME: Sends are queued per connection and written by one goroutine, so slow peers never block broadcasts.

package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// sendBufferSize is the outbound queue depth per connection.
	sendBufferSize = 64

	writeTimeout = 10 * time.Second
)

// ErrConnectionGone is returned when sending to a connection that has disconnected.
var ErrConnectionGone = errors.New("connection gone")

// ErrSlowConsumer is returned when a connection's outbound queue is full.
var ErrSlowConsumer = errors.New("connection send queue full")

// Conn is one live client connection, independent of its transport.
type Conn interface {
	ID() string
	Transport() string
	// Send queues one event for delivery. It does not wait for the write.
	Send(ctx context.Context, event string, payload any) error
	Close(reason string) error
}

// outbound is one queued frame. raw frames bypass the event encoder.
type outbound struct {
	event   string
	payload any
	raw     []byte
}

// encoder turns an event into a websocket text frame for one wire format.
type encoder func(event string, payload any) ([]byte, error)

// wsConn is a websocket-backed Conn. Both transports use it with their own encoder.
type wsConn struct {
	id        string
	transport string
	ws        *websocket.Conn
	encode    encoder
	logger    *slog.Logger

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, transport string, enc encoder, logger *slog.Logger) *wsConn {
	id := uuid.New().String()
	return &wsConn{
		id:        id,
		transport: transport,
		ws:        ws,
		encode:    enc,
		logger:    logger.With("conn_id", id, "transport", transport),
		out:       make(chan outbound, sendBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *wsConn) ID() string        { return c.id }
func (c *wsConn) Transport() string { return c.transport }

// Send queues an event. Returns ErrConnectionGone after Close and
// ErrSlowConsumer when the queue is full; the event is dropped in both cases.
func (c *wsConn) Send(ctx context.Context, event string, payload any) error {
	return c.push(outbound{event: event, payload: payload})
}

func (c *wsConn) sendRaw(frame []byte) error {
	return c.push(outbound{raw: frame})
}

func (c *wsConn) push(o outbound) error {
	select {
	case <-c.done:
		return ErrConnectionGone
	default:
	}

	select {
	case c.out <- o:
		return nil
	case <-c.done:
		return ErrConnectionGone
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the websocket. Safe to call repeatedly.
func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// writeLoop drains the queue until the connection closes or ctx ends.
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case o := <-c.out:
			data := o.raw
			if data == nil {
				var err error
				data, err = c.encode(o.event, o.payload)
				if err != nil {
					c.logger.Error("encoding event", "event", o.event, "error", err)
					continue
				}
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("write failed, closing", "error", err)
				_ = c.Close("write failed")
				return
			}
		}
	}
}
