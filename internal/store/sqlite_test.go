// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, in-memory mode, persistence across reopen and limit clamping

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	srv, err := store.CreateServer(ctx, "mem")
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if _, err := store.GetServer(ctx, srv.ID); err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	srv, err := store.CreateServer(ctx, "durable")
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	ch, err := store.CreateChannel(ctx, srv.ID, "general", ChannelTypeGroup)
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	msg, err := store.AppendMessage(ctx, ch.ID, "alice", "still here", nil)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage after reopen failed: %v", err)
	}
	if got.Content != "still here" || got.ServerID != srv.ID {
		t.Errorf("GetMessage = %+v, want content %q server %q", got, "still here", srv.ID)
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, msg.CreatedAt)
	}
}

func TestSQLiteStore_ListMessagesClampsLimit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	srv, _ := store.CreateServer(ctx, "acme")
	ch, err := store.CreateChannel(ctx, srv.ID, "general", ChannelTypeGroup)
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	for i := 0; i < DefaultMessageLimit+5; i++ {
		if _, err := store.AppendMessage(ctx, ch.ID, "alice", "x", nil); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := store.ListMessages(ctx, ch.ID, 0, "")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != DefaultMessageLimit {
		t.Errorf("len(msgs) = %d, want default %d", len(msgs), DefaultMessageLimit)
	}

	msgs, err = store.ListMessages(ctx, ch.ID, MaxMessageLimit*10, "")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != DefaultMessageLimit+5 {
		t.Errorf("len(msgs) = %d, want %d", len(msgs), DefaultMessageLimit+5)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{-1, DefaultMessageLimit},
		{0, DefaultMessageLimit},
		{1, 1},
		{MaxMessageLimit, MaxMessageLimit},
		{MaxMessageLimit + 1, MaxMessageLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSQLiteStore_AppendLocksReleased(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	srv, err := store.CreateServer(ctx, "locks")
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		ch, err := store.CreateChannel(ctx, srv.ID, "c", ChannelTypeGroup)
		if err != nil {
			t.Fatalf("CreateChannel failed: %v", err)
		}
		if _, err := store.AppendMessage(ctx, ch.ID, "user1", "hi", nil); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if n := store.appends.len(); n != 0 {
		t.Errorf("append locks after appends = %d, want 0", n)
	}

	// A server delete cascades to channels without touching the lock table.
	if err := store.DeleteServer(ctx, srv.ID); err != nil {
		t.Fatalf("DeleteServer failed: %v", err)
	}
	if n := store.appends.len(); n != 0 {
		t.Errorf("append locks after cascade = %d, want 0", n)
	}
}

func TestChannelLocks_Exclusive(t *testing.T) {
	locks := newChannelLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("c1")
			mu.Lock()
			holders++
			maxSeen = max(maxSeen, holders)
			mu.Unlock()

			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("concurrent holders = %d, want 1", maxSeen)
	}
	if n := locks.len(); n != 0 {
		t.Errorf("lock table size = %d, want 0", n)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
