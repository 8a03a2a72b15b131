// ABOUTME: Tests for the dedupe cache used to suppress re-sent client messages.
// ABOUTME: Validates TTL expiration, size limits, eviction, forgetting, sweeping, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return newCache(ttl, maxSize, clock.Now), clock
}

func TestKey_SeparatesChannels(t *testing.T) {
	assert.NotEqual(t, Key("c1", "alice", "m1"), Key("c2", "alice", "m1"))
	assert.NotEqual(t, Key("c1", "alice", "m1"), Key("c1", "bob", "m1"))
	assert.NotEqual(t, Key("ab", "c", "m"), Key("a", "bc", "m"))
	assert.Equal(t, Key("c1", "alice", "m1"), Key("c1", "alice", "m1"))
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)

	assert.False(t, cache.CheckAndMark("k"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("k"), "second sighting is a duplicate")
	assert.True(t, cache.Seen("k"))
	assert.False(t, cache.Seen("other"))
}

func TestCache_Expiry(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 100)

	cache.CheckAndMark("k")
	clock.Advance(59 * time.Second)
	assert.True(t, cache.Seen("k"))

	clock.Advance(2 * time.Second)
	assert.False(t, cache.Seen("k"))
	assert.False(t, cache.CheckAndMark("k"), "expired key is accepted again")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache, _ := newTestCache(time.Hour, 3)

	for i := range 4 {
		cache.CheckAndMark(fmt.Sprintf("k%d", i))
	}

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("k0"))
	assert.True(t, cache.Seen("k3"))
}

func TestCache_Forget(t *testing.T) {
	cache, _ := newTestCache(time.Hour, 10)

	cache.CheckAndMark("k")
	cache.Forget("k")
	cache.Forget("never-marked")

	assert.False(t, cache.Seen("k"))
	assert.False(t, cache.CheckAndMark("k"))
}

func TestCache_SweepDropsOnlyExpired(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)

	cache.CheckAndMark("old")
	clock.Advance(45 * time.Second)
	cache.CheckAndMark("young")
	clock.Advance(30 * time.Second)

	cache.sweep()

	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("young"))
}

func TestCache_Close(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("same-key") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh, "exactly one caller sees the key as new")
}
