package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wersvet/chatcore/internal/kv/kvtest"
	"github.com/wersvet/chatcore/internal/mocks"
	"github.com/wersvet/chatcore/internal/models"
)

func TestMarkOnline_AddsToOnlineSetAndRecordsPresence(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	require.NoError(t, e.MarkOnline(ctx, 1, "alice", []int64{10, 20}))

	online, err := store.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, online)

	rec, ok, err := store.GetPresence(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(models.PresenceOnline), rec.Status)
	assert.Equal(t, []int64{10, 20}, rec.ActiveRoom)
}

func TestMarkOffline_RemovedTrueOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	require.NoError(t, e.MarkOnline(ctx, 1, "alice", []int64{10}))

	removed, prevRooms, err := e.MarkOffline(ctx, 1)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []int64{10}, prevRooms)

	// Simulates a racing second reaper/handler observing the same
	// offline transition: the online-set removal already happened, so
	// this call must not report removed=true again.
	removed2, _, err := e.MarkOffline(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed2)

	rec, ok, err := store.GetPresence(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(models.PresenceOffline), rec.Status)
}

func TestMarkOffline_UnknownUserIsNotRemoved(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	removed, prevRooms, err := e.MarkOffline(ctx, 999)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Nil(t, prevRooms)
}

func TestBumpActivity_AlreadyOnlineOnlyTouchesHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	require.NoError(t, e.MarkOnline(ctx, 1, "alice", []int64{10}))

	wasOffline, rooms, err := e.BumpActivity(ctx, 1, "alice")
	require.NoError(t, err)
	assert.False(t, wasOffline)
	assert.Equal(t, []int64{10}, rooms)
	memberships.AssertNotCalled(t, "ActiveRoomIDs")

	_, ok, err := store.Heartbeat(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBumpActivity_OfflineRehydratesFromDB(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	memberships.On("ActiveRoomIDs", ctx, int64(1)).Return([]int64{5, 6}, nil)

	wasOffline, rooms, err := e.BumpActivity(ctx, 1, "alice")
	require.NoError(t, err)
	assert.True(t, wasOffline)
	assert.Equal(t, []int64{5, 6}, rooms)

	online, err := store.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, online)
	memberships.AssertExpectations(t)
}

func TestSnapshot_SkipsMembersWithNoPresenceRecord(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	require.NoError(t, store.AddMember(ctx, 100, 1))
	require.NoError(t, store.AddMember(ctx, 100, 2))
	require.NoError(t, e.MarkOnline(ctx, 1, "alice", []int64{100}))
	// user 2 is a room member with no presence record yet.

	snapshot, err := e.Snapshot(ctx, 100)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(1), snapshot[0].UserID)
}

func TestJoinRoomLeaveRoom_UpdateMemberSet(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	require.NoError(t, e.JoinRoom(ctx, 1, "alice", 100, []int64{100}))
	members, err := store.Members(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, members)

	require.NoError(t, e.LeaveRoom(ctx, 1, "alice", 100, []int64{}))
	members, err = store.Members(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMarkAllOffline_ReapsEveryOnlineUserAndEmitsPerRoom(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)
	emitter := &recordingEmitter{}

	require.NoError(t, e.MarkOnline(ctx, 1, "alice", []int64{10, 20}))
	require.NoError(t, e.MarkOnline(ctx, 2, "bob", []int64{20}))

	e.MarkAllOffline(ctx, emitter)

	online, err := store.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.ElementsMatch(t, []int64{10, 20, 20}, emitter.calls)
}

func TestMarkAllOffline_NoOnlineUsersEmitsNothing(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)
	emitter := &recordingEmitter{}

	e.MarkAllOffline(ctx, emitter)

	assert.Empty(t, emitter.calls)
}

func TestTouch_RefreshesHeartbeatTimestamp(t *testing.T) {
	ctx := context.Background()
	store := kvtest.New()
	memberships := &mocks.MembershipRepository{}
	e := New(store, memberships)

	before := time.Now()
	require.NoError(t, e.Touch(ctx, 1))
	hb, ok, err := store.Heartbeat(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, hb.Before(before))
}
