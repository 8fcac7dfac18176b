package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := NewRedis(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return svc, mr
}

func TestSessionRoundTrip(t *testing.T) {
	svc, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, svc.PutSession(ctx, "tok-1", "a@x", 24*time.Hour))

	email, err := svc.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "a@x", email)

	// Expiry makes the token unknown.
	mr.FastForward(25 * time.Hour)
	_, err = svc.GetSession(ctx, "tok-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionUnknownToken(t *testing.T) {
	svc, _ := newTestRedis(t)
	_, err := svc.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConnectionRegistration(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	info := ConnectionInfo{ConnID: "conn-1", CometAddr: "edge-1:50051", UserID: "42", RoomID: "0001"}
	require.NoError(t, svc.RegisterConnection(ctx, info, []string{"0001", "0002"}))

	conns, err := svc.RoomConnections(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-1"}, conns)

	got, err := svc.GetConnectionInfo(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1:50051", got.CometAddr)
	assert.Equal(t, "42", got.UserID)

	connID, err := svc.UserConnection(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", connID)

	require.NoError(t, svc.UnregisterConnection(ctx, "conn-1", "42", []string{"0001", "0002"}))

	for _, room := range []string{"0001", "0002"} {
		conns, err = svc.RoomConnections(ctx, room)
		require.NoError(t, err)
		assert.Empty(t, conns)
	}

	connID, err = svc.UserConnection(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, connID)
}

func TestUnregisterKeepsNewerUserMapping(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterConnection(ctx,
		ConnectionInfo{ConnID: "c1", CometAddr: "edge-1:50051", UserID: "42", RoomID: "0001"},
		[]string{"0001"}))

	// A reconnect overwrites user:online before the old teardown runs.
	require.NoError(t, svc.RegisterConnection(ctx,
		ConnectionInfo{ConnID: "c2", CometAddr: "edge-1:50051", UserID: "42", RoomID: "0001"},
		[]string{"0001"}))

	require.NoError(t, svc.UnregisterConnection(ctx, "c1", "42", []string{"0001"}))

	// The stale teardown must not erase the newer mapping.
	connID, err := svc.UserConnection(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "c2", connID)

	conns, err := svc.RoomConnections(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, conns)
}

func TestRoomMembershipLifecycle(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, svc.AddRoomMembers(ctx, "0003", []string{"c1", "c2"}))

	conns, err := svc.RoomConnections(ctx, "0003")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, conns)

	// Empty batches are a no-op, not an error.
	require.NoError(t, svc.AddRoomMembers(ctx, "0003", nil))

	require.NoError(t, svc.DeleteRoomConnections(ctx, "0003"))
	conns, err = svc.RoomConnections(ctx, "0003")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestGroupConnectionsByComet(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterConnection(ctx, ConnectionInfo{ConnID: "c1", CometAddr: "edge-1:50051", UserID: "1", RoomID: "0001"}, []string{"0001"}))
	require.NoError(t, svc.RegisterConnection(ctx, ConnectionInfo{ConnID: "c2", CometAddr: "edge-2:50051", UserID: "2", RoomID: "0001"}, []string{"0001"}))
	require.NoError(t, svc.RegisterConnection(ctx, ConnectionInfo{ConnID: "c3", CometAddr: "edge-1:50051", UserID: "3", RoomID: "0001"}, []string{"0001"}))

	groups, err := svc.GroupConnectionsByComet(ctx, []string{"c1", "c2", "c3", "gone"})
	require.NoError(t, err)

	assert.Len(t, groups, 2)
	assert.ElementsMatch(t, []string{"c1", "c3"}, groups["edge-1:50051"])
	assert.Equal(t, []string{"c2"}, groups["edge-2:50051"])
}

func TestMarkProcessedDedup(t *testing.T) {
	svc, mr := newTestRedis(t)
	ctx := context.Background()

	first, err := svc.MarkProcessed(ctx, "0001", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := svc.MarkProcessed(ctx, "0001", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	// Distinct message ids are independent.
	other, err := svc.MarkProcessed(ctx, "0001", "msg-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)

	// After the window the id can be claimed again.
	mr.FastForward(2 * time.Minute)
	again, err := svc.MarkProcessed(ctx, "0001", "msg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestCooldown(t *testing.T) {
	svc, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := svc.EnterCooldown(ctx, "0001", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.EnterCooldown(ctx, "0001", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = svc.EnterCooldown(ctx, "0001", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBroadcastLock(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	ok, err := svc.AcquireBroadcastLock(ctx, "0001", "worker-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.AcquireBroadcastLock(ctx, "0001", "worker-2", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong holder cannot release.
	released, err := svc.ReleaseBroadcastLock(ctx, "0001", "worker-2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = svc.ReleaseBroadcastLock(ctx, "0001", "worker-1")
	require.NoError(t, err)
	assert.True(t, released)

	// Stale double-release is a no-op.
	released, err = svc.ReleaseBroadcastLock(ctx, "0001", "worker-1")
	require.NoError(t, err)
	assert.False(t, released)

	ok, err = svc.AcquireBroadcastLock(ctx, "0001", "worker-2", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStreamAppendAndRevRange(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	id1, err := svc.AppendStream(ctx, "0001", "100-0", `{"content":"one"}`)
	require.NoError(t, err)
	require.Equal(t, "100-0", id1)

	id2, err := svc.AppendStream(ctx, "0001", "200-0", `{"content":"two"}`)
	require.NoError(t, err)

	id3, err := svc.AppendStream(ctx, "0001", "300-0", `{"content":"three"}`)
	require.NoError(t, err)

	// Newest first, bounded by count.
	msgs, err := svc.RevRangeStream(ctx, "0001", "", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id3, msgs[0].ID)
	assert.Equal(t, id2, msgs[1].ID)

	// Cursor is exclusive: paging from id2 yields only id1.
	msgs, err = svc.RevRangeStream(ctx, "0001", id2, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, `{"content":"one"}`, msgs[0].Payload)
}

func TestStreamAppendStaleIDFallsBack(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := svc.AppendStream(ctx, "0001", "500-0", `{"content":"newer"}`)
	require.NoError(t, err)

	// An id at or below the tail is re-assigned instead of rejected.
	id, err := svc.AppendStream(ctx, "0001", "400-0", `{"content":"late"}`)
	require.NoError(t, err)
	assert.NotEqual(t, "400-0", id)

	msgs, err := svc.RevRangeStream(ctx, "0001", "", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestPersistQueueFIFO(t *testing.T) {
	svc, _ := newTestRedis(t)
	ctx := context.Background()

	for _, payload := range []string{"m1", "m2", "m3"} {
		require.NoError(t, svc.EnqueuePersist(ctx, payload))
	}

	// Peek does not consume.
	batch, err := svc.PeekPersistQueue(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, batch)

	batch, err = svc.PeekPersistQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, batch)

	// Trim drops only the consumed prefix; concurrent pushes survive.
	require.NoError(t, svc.EnqueuePersist(ctx, "m4"))
	require.NoError(t, svc.TrimPersistQueue(ctx, 3))

	batch, err = svc.PeekPersistQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4"}, batch)
}
