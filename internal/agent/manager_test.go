// ABOUTME: Tests for the Runtime Registry.
// ABOUTME: Validates register/replace, resolve, unregister, crash removal and concurrent access.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/channel-router/internal/store"
)

// closeCounter is a runtime that records Close calls.
type closeCounter struct {
	RuntimeFunc
	closed atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func newCloseCounter(reply string) *closeCounter {
	return &closeCounter{RuntimeFunc: func(ctx context.Context, gc GenerateContext) (string, error) {
		return reply, nil
	}}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Resolve("agent-a")
	require.ErrorIs(t, err, ErrAgentNotFound)

	r.Register("agent-a", NewEchoRuntime(""))
	rt, err := r.Resolve("agent-a")
	require.NoError(t, err)

	out, err := rt.Generate(t.Context(), GenerateContext{Message: &store.Message{Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"agent-a"}, r.List())
}

func TestRegistry_RegisterReplacesAndClosesOld(t *testing.T) {
	r := NewRegistry(nil)
	first := newCloseCounter("one")
	second := newCloseCounter("two")

	r.Register("agent-a", first)
	r.Register("agent-a", second)

	assert.Equal(t, int32(1), first.closed.Load())
	assert.Equal(t, int32(0), second.closed.Load())
	assert.Equal(t, 1, r.Len())

	out, err := r.Invoke(t.Context(), "agent-a", GenerateContext{})
	require.NoError(t, err)
	assert.Equal(t, "two", out)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	rt := newCloseCounter("x")
	r.Register("agent-a", rt)

	assert.True(t, r.Unregister("agent-a"))
	assert.False(t, r.Unregister("agent-a"))
	assert.Equal(t, int32(1), rt.closed.Load())

	_, err := r.Resolve("agent-a")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = r.Invoke(t.Context(), "agent-a", GenerateContext{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_InvokeRemovesCrashedRuntime(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-a", RuntimeFunc(func(ctx context.Context, gc GenerateContext) (string, error) {
		return "", fmt.Errorf("%w: process exited", ErrRuntimeCrashed)
	}))

	_, err := r.Invoke(t.Context(), "agent-a", GenerateContext{})
	require.ErrorIs(t, err, ErrRuntimeCrashed)
	assert.False(t, r.Has("agent-a"))
}

func TestRegistry_InvokeKeepsRuntimeOnOrdinaryError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-a", RuntimeFunc(func(ctx context.Context, gc GenerateContext) (string, error) {
		return "", errors.New("model refused")
	}))

	_, err := r.Invoke(t.Context(), "agent-a", GenerateContext{})
	require.Error(t, err)
	assert.True(t, r.Has("agent-a"))
}

func TestRegistry_InvokeSetsAgentID(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-a", RuntimeFunc(func(ctx context.Context, gc GenerateContext) (string, error) {
		return gc.AgentID, nil
	}))

	out, err := r.Invoke(t.Context(), "agent-a", GenerateContext{})
	require.NoError(t, err)
	assert.Equal(t, "agent-a", out)
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newCloseCounter("a"), newCloseCounter("b")
	r.Register("a", a)
	r.Register("b", b)

	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i%10)
			r.Register(id, NewEchoRuntime(""))
			_, _ = r.Resolve(id)
			_ = r.List()
			if i%3 == 0 {
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 10)
}
