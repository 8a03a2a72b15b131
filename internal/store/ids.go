// ABOUTME: Identifier generation for directory records
// ABOUTME: UUIDs for servers and channels, monotonic ULIDs for messages

package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func newID() string {
	return uuid.New().String()
}

// channelLocks serializes appends per channel so message ids and rows are
// produced in arrival order without blocking unrelated channels. An entry
// lives only while some append holds or waits for it.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*channelLock)}
}

func (c *channelLocks) lock(channelID string) func() {
	c.mu.Lock()
	l, ok := c.locks[channelID]
	if !ok {
		l = &channelLock{}
		c.locks[channelID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, channelID)
		}
		c.mu.Unlock()
	}
}

func (c *channelLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// newMessageID returns a ULID. ulid.Make uses process-wide monotonic entropy,
// so ids minted under a channel lock are strictly increasing for that channel.
func newMessageID() string {
	return ulid.Make().String()
}
