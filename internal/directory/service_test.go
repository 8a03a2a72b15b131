// ABOUTME: Tests for the Directory API service over the mock store.
// ABOUTME: Covers validation, not-found propagation, subscriber resolution and agent start on attach.

package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/channel-router/internal/store"
)

type fakeStarter struct {
	calls []string
	err   error
}

func (f *fakeStarter) Ensure(agentID string) (bool, error) {
	f.calls = append(f.calls, agentID)
	return f.err == nil, f.err
}

func newTestService() (*Service, *store.MockStore) {
	st := store.NewMockStore()
	return NewService(st, nil), st
}

func TestCreateServer_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateServer(ctx, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	long := make([]byte, maxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = svc.CreateServer(ctx, string(long))
	assert.ErrorIs(t, err, ErrValidation)

	srv, err := svc.CreateServer(ctx, "  Workspace  ")
	require.NoError(t, err)
	assert.Equal(t, "Workspace", srv.Name)
}

func TestRenameServer(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	srv, err := svc.CreateServer(ctx, "old")
	require.NoError(t, err)

	renamed, err := svc.RenameServer(ctx, srv.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Name)

	_, err = svc.RenameServer(ctx, "missing", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.RenameServer(ctx, srv.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateChannel(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	srv, err := svc.CreateServer(ctx, "S1")
	require.NoError(t, err)

	ch, err := svc.CreateChannel(ctx, srv.ID, "general", "")
	require.NoError(t, err)
	assert.Equal(t, store.ChannelTypeGroup, ch.Type)

	dm, err := svc.CreateChannel(ctx, srv.ID, "pair", "dm")
	require.NoError(t, err)
	assert.Equal(t, store.ChannelTypeDM, dm.Type)

	_, err = svc.CreateChannel(ctx, srv.ID, "bad", "broadcast")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateChannel(ctx, "missing", "x", "group")
	assert.ErrorIs(t, err, store.ErrNotFound)

	channels, err := svc.Channels(ctx, srv.ID)
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	_, err = svc.Channels(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJoinAndParticipants(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	srv, _ := st.CreateServer(ctx, "S1")
	ch, _ := st.CreateChannel(ctx, srv.ID, "C1", store.ChannelTypeGroup)

	_, err := svc.Join(ctx, ch.ID, "", "", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Join(ctx, ch.ID, "user1", "member", map[string]any{"nick": "u"})
	require.NoError(t, err)
	_, err = svc.Join(ctx, ch.ID, "user1", "owner", nil)
	require.NoError(t, err)

	ps, err := svc.Participants(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "owner", ps[0].Role)

	require.NoError(t, svc.Leave(ctx, ch.ID, "user1"))
	ps, err = svc.Participants(ctx, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, ps)

	_, err = svc.Participants(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttachAgent_StartsRuntime(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	srv, _ := st.CreateServer(ctx, "S1")

	starter := &fakeStarter{}
	svc.SetAgentStarter(starter)

	require.NoError(t, svc.AttachAgent(ctx, srv.ID, "agentA"))
	assert.Equal(t, []string{"agentA"}, starter.calls)

	starter.err = errors.New("no binary")
	require.NoError(t, svc.AttachAgent(ctx, srv.ID, "agentB"), "start failure does not undo the association")

	agents, err := svc.AgentsForServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agentA", "agentB"}, agents)

	assert.ErrorIs(t, svc.AttachAgent(ctx, srv.ID, " "), ErrValidation)
	assert.ErrorIs(t, svc.AttachAgent(ctx, "missing", "agentA"), store.ErrNotFound)

	require.NoError(t, svc.DetachAgent(ctx, srv.ID, "agentA"))
	agents, err = svc.AgentsForServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agentB"}, agents)
}

func TestHistory(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	srv, _ := st.CreateServer(ctx, "S1")
	ch, _ := st.CreateChannel(ctx, srv.ID, "C1", store.ChannelTypeGroup)

	var ids []string
	for _, text := range []string{"m1", "m2", "m3"} {
		msg, err := svc.Append(ctx, ch.ID, "user1", text, nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := svc.History(ctx, ch.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Content)
	assert.Equal(t, "m2", page[1].Content)

	page, err = svc.History(ctx, ch.ID, 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	_, err = svc.History(ctx, "missing", 10, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribers(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, typ store.ChannelType, members, agents []string) (*Service, *store.Channel) {
		svc, st := newTestService()
		srv, err := st.CreateServer(ctx, "S1")
		require.NoError(t, err)
		ch, err := st.CreateChannel(ctx, srv.ID, "C1", typ)
		require.NoError(t, err)
		for _, m := range members {
			require.NoError(t, st.AddParticipant(ctx, &store.ChannelParticipant{ChannelID: ch.ID, UserID: m}))
		}
		for _, a := range agents {
			require.NoError(t, st.AttachAgentToServer(ctx, srv.ID, a))
		}
		return svc, ch
	}

	tests := []struct {
		name    string
		typ     store.ChannelType
		members []string
		agents  []string
		author  string
		want    []string
	}{
		{
			name:    "dm routes to its agent",
			typ:     store.ChannelTypeDM,
			members: []string{"user1", "agentA"},
			agents:  []string{"agentA"},
			author:  "user1",
			want:    []string{"agentA"},
		},
		{
			name:    "dm with two agents picks the first",
			typ:     store.ChannelTypeDM,
			members: []string{"user1", "agentB", "agentA"},
			agents:  []string{"agentB", "agentA"},
			author:  "user1",
			want:    []string{"agentA"},
		},
		{
			name:    "group routes to every agent participant",
			typ:     store.ChannelTypeGroup,
			members: []string{"user1", "agentA", "agentB"},
			agents:  []string{"agentA", "agentB", "agentC"},
			author:  "user1",
			want:    []string{"agentA", "agentB"},
		},
		{
			name:    "author is excluded",
			typ:     store.ChannelTypeGroup,
			members: []string{"agentA", "agentB"},
			agents:  []string{"agentA", "agentB"},
			author:  "agentA",
			want:    []string{"agentB"},
		},
		{
			name:    "participant that is not a server agent",
			typ:     store.ChannelTypeGroup,
			members: []string{"user1", "agentZ"},
			agents:  []string{"agentA"},
			author:  "user1",
			want:    nil,
		},
		{
			name:    "no server agents",
			typ:     store.ChannelTypeGroup,
			members: []string{"user1"},
			author:  "user1",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ch := setup(t, tt.typ, tt.members, tt.agents)
			got, err := svc.Subscribers(ctx, ch, tt.author)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeleteCascadesThroughService(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	srv, err := svc.CreateServer(ctx, "S1")
	require.NoError(t, err)
	ch, err := svc.CreateChannel(ctx, srv.ID, "C1", "group")
	require.NoError(t, err)
	_, err = svc.Join(ctx, ch.ID, "user1", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteServer(ctx, srv.ID))

	_, err = svc.Channel(ctx, ch.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.Participants(ctx, ch.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteChannel(ctx, ch.ID), store.ErrNotFound)
}
