package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync-server/internal/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := NewWithClient(client, Config{Prefix: "watchsync", StateTTL: 24 * time.Hour}, zerolog.Nop())
	return st, mr
}

func testSnapshot(seq uint64) *types.Snapshot {
	return &types.Snapshot{
		SourceType:         types.SourceYouTube,
		SourceID:           "dQw4w9WgXcQ",
		IsPlaying:          true,
		PlaybackRate:       1.0,
		AnchorServerTimeMs: 1_700_000_000_000,
		AnchorMediaTimeMs:  30_000,
		SequenceNumber:     seq,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	got, err := st.GetSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, got, "absent snapshot should read as nil")

	want := testSnapshot(1)
	require.NoError(t, st.SetSnapshot(ctx, "room-1", want))

	got, err = st.GetSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSnapshotTTLApplied(t *testing.T) {
	st, mr := newTestStore(t)
	require.NoError(t, st.SetSnapshot(context.Background(), "room-1", testSnapshot(1)))

	ttl := mr.TTL("watchsync:room:room-1:playback")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestSetSnapshotRejectsInvalid(t *testing.T) {
	st, _ := newTestStore(t)
	bad := testSnapshot(1)
	bad.PlaybackRate = 0

	err := st.SetSnapshot(context.Background(), "room-1", bad)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateSnapshotSequenceGuard(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	// First write into an empty room is accepted.
	accepted, err := st.UpdateSnapshot(ctx, "room-1", testSnapshot(5))
	require.NoError(t, err)
	assert.True(t, accepted)

	// Strictly greater sequence wins.
	accepted, err = st.UpdateSnapshot(ctx, "room-1", testSnapshot(6))
	require.NoError(t, err)
	assert.True(t, accepted)

	// Equal sequence is stale.
	accepted, err = st.UpdateSnapshot(ctx, "room-1", testSnapshot(6))
	require.NoError(t, err)
	assert.False(t, accepted)

	// Lower sequence is stale.
	accepted, err = st.UpdateSnapshot(ctx, "room-1", testSnapshot(3))
	require.NoError(t, err)
	assert.False(t, accepted)

	// The stored snapshot is untouched by rejected writes.
	got, err := st.GetSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.SequenceNumber)
}

func TestIncrementSequence(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		got, err := st.IncrementSequence(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	cur, err := st.CurrentSequence(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cur)
}

func TestCurrentSequenceEmptyRoom(t *testing.T) {
	st, _ := newTestStore(t)
	cur, err := st.CurrentSequence(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cur)
}

func TestParticipantLifecycle(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	p := types.Participant{
		Handle:      "aB3xY9kQ2m",
		UserID:      "user-1",
		DisplayName: "Ada",
		Role:        types.RoleOwner,
		CanControl:  true,
		JoinedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, st.AddParticipant(ctx, "room-1", p))

	// Adding the same handle again overwrites in place.
	require.NoError(t, st.AddParticipant(ctx, "room-1", p))
	n, err := st.ParticipantCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetParticipant(ctx, "room-1", p.Handle)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.DisplayName, got.DisplayName)

	byUser, err := st.FindParticipantByUserID(ctx, "room-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, byUser)
	assert.Equal(t, p.Handle, byUser.Handle)

	missing, err := st.FindParticipantByUserID(ctx, "room-1", "user-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, st.RemoveParticipant(ctx, "room-1", p.Handle))
	// Removing an absent handle is a no-op.
	require.NoError(t, st.RemoveParticipant(ctx, "room-1", p.Handle))

	n, err = st.ParticipantCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAddParticipantCapped(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	admitted, err := st.AddParticipantCapped(ctx, "room-1", types.Participant{Handle: "aaaaaaaaaa"}, 2)
	require.NoError(t, err)
	assert.True(t, admitted)
	admitted, err = st.AddParticipantCapped(ctx, "room-1", types.Participant{Handle: "bbbbbbbbbb"}, 2)
	require.NoError(t, err)
	assert.True(t, admitted)

	// The room is full; the insert is refused without side effects.
	admitted, err = st.AddParticipantCapped(ctx, "room-1", types.Participant{Handle: "cccccccccc"}, 2)
	require.NoError(t, err)
	assert.False(t, admitted)

	n, err := st.ParticipantCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A freed seat admits the next joiner.
	require.NoError(t, st.RemoveParticipant(ctx, "room-1", "aaaaaaaaaa"))
	admitted, err = st.AddParticipantCapped(ctx, "room-1", types.Participant{Handle: "cccccccccc"}, 2)
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestOnlineSockets(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddOnlineSocket(ctx, "room-1", "sock-a"))
	require.NoError(t, st.AddOnlineSocket(ctx, "room-1", "sock-b"))
	require.NoError(t, st.AddOnlineSocket(ctx, "room-1", "sock-a"))

	n, err := st.OnlineCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.RemoveOnlineSocket(ctx, "room-1", "sock-a"))
	n, err = st.OnlineCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVoicePeers(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	peer := types.VoicePeer{Handle: "aB3xY9kQ2m", JoinedAt: time.Now().UTC()}
	require.NoError(t, st.AddVoicePeer(ctx, "room-1", peer))

	got, err := st.GetVoicePeer(ctx, "room-1", peer.Handle)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsSpeaking)

	peers, err := st.ListVoicePeers(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	require.NoError(t, st.RemoveVoicePeer(ctx, "room-1", peer.Handle))
	got, err = st.GetVoicePeer(ctx, "room-1", peer.Handle)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClearRoomIdempotent(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetSnapshot(ctx, "room-1", testSnapshot(1)))
	require.NoError(t, st.AddParticipant(ctx, "room-1", types.Participant{Handle: "aB3xY9kQ2m"}))
	_, err := st.IncrementSequence(ctx, "room-1")
	require.NoError(t, err)

	require.NoError(t, st.ClearRoom(ctx, "room-1"))
	assert.Empty(t, mr.Keys(), "all room keys should be gone")

	// Clearing an already-clear room succeeds.
	require.NoError(t, st.ClearRoom(ctx, "room-1"))
}

func TestAllowCommandWindow(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := st.AllowCommand(ctx, "room-1", "aB3xY9kQ2m", 10)
		require.NoError(t, err)
		assert.True(t, ok, "command %d should pass", i+1)
	}
	ok, err := st.AllowCommand(ctx, "room-1", "aB3xY9kQ2m", 10)
	require.NoError(t, err)
	assert.False(t, ok, "11th command in the window should be limited")

	// A different handle has its own counter.
	ok, err = st.AllowCommand(ctx, "room-1", "zZ9qQ1wW2e", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	// Window expiry resets the counter.
	mr.FastForward(time.Second + time.Millisecond)
	ok, err = st.AllowCommand(ctx, "room-1", "aB3xY9kQ2m", 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowChatSlidingWindow(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := st.AllowChat(ctx, "room-1", "aB3xY9kQ2m", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := st.AllowChat(ctx, "room-1", "aB3xY9kQ2m", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMuteRecords(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	rec := types.MuteRecord{
		UserID:  "user-1",
		MutedBy: "aB3xY9kQ2m",
		Until:   time.Now().Add(time.Minute),
	}
	require.NoError(t, st.SetMute(ctx, "room-1", rec))

	got, err := st.GetMute(ctx, "room-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "aB3xY9kQ2m", got.MutedBy)

	// An already-expired record is never written.
	expired := rec
	expired.UserID = "user-2"
	expired.Until = time.Now().Add(-time.Minute)
	require.NoError(t, st.SetMute(ctx, "room-1", expired))
	got, err = st.GetMute(ctx, "room-1", "user-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestShadowMutes(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	muted, err := st.IsShadowMuted(ctx, "room-1", "user-1")
	require.NoError(t, err)
	assert.False(t, muted)

	require.NoError(t, st.AddShadowMute(ctx, "room-1", "user-1"))
	muted, err = st.IsShadowMuted(ctx, "room-1", "user-1")
	require.NoError(t, err)
	assert.True(t, muted)

	require.NoError(t, st.RemoveShadowMute(ctx, "room-1", "user-1"))
	muted, err = st.IsShadowMuted(ctx, "room-1", "user-1")
	require.NoError(t, err)
	assert.False(t, muted)
}
