package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/store"
	"watchsync-server/internal/types"
)

type sentEvent struct {
	roomID string
	handle string // empty for broadcasts
	event  string
	data   any
}

type senderRecorder struct {
	events []sentEvent
}

func (r *senderRecorder) BroadcastChat(_ context.Context, roomID, event string, data any) {
	r.events = append(r.events, sentEvent{roomID: roomID, event: event, data: data})
}

func (r *senderRecorder) SendToHandle(_ context.Context, roomID, handle, event string, data any) bool {
	r.events = append(r.events, sentEvent{roomID: roomID, handle: handle, event: event, data: data})
	return true
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *senderRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewWithClient(client, store.Config{Prefix: "watchsync", StateTTL: 24 * time.Hour}, zerolog.Nop())

	rec := &senderRecorder{}
	audit := monitoring.NewAuditLogger(zerolog.Nop())
	t.Cleanup(func() { audit.Close() })
	p := NewPipeline(st, rec, audit, Config{RateWindow: time.Minute, RateMax: 3}, zerolog.Nop())
	return p, st, rec
}

func member(handle, userID string) types.Participant {
	return types.Participant{Handle: handle, UserID: userID, DisplayName: "Ada", Role: types.RoleParticipant}
}

func owner(handle, userID string) types.Participant {
	p := member(handle, userID)
	p.Role = types.RoleOwner
	return p
}

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var we *protocol.Error
	require.ErrorAs(t, err, &we)
	return we.Code
}

func TestSendBroadcasts(t *testing.T) {
	p, _, rec := newTestPipeline(t)

	require.NoError(t, p.Send(context.Background(), "room-1", member("aaaaaaaaaa", "user-1"), "  hello  "))

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, protocol.EventChatMessage, ev.event)
	assert.Empty(t, ev.handle)

	msg, ok := ev.data.(OutboundMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Body, "body is trimmed")
	assert.Equal(t, "aaaaaaaaaa", msg.Handle)
	assert.Equal(t, "Ada", msg.DisplayName)
	assert.NotEmpty(t, msg.ID)
}

func TestSendValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()
	sender := member("aaaaaaaaaa", "user-1")

	err := p.Send(ctx, "room-1", sender, "   ")
	assert.Equal(t, protocol.CodeValidationError, wireCode(t, err))

	err = p.Send(ctx, "room-1", sender, strings.Repeat("x", maxMessageLen+1))
	assert.Equal(t, protocol.CodeValidationError, wireCode(t, err))

	require.NoError(t, p.Send(ctx, "room-1", sender, strings.Repeat("x", maxMessageLen)))
}

func TestSendLengthCountsRunes(t *testing.T) {
	p, _, rec := newTestPipeline(t)
	ctx := context.Background()
	sender := member("aaaaaaaaaa", "user-1")

	// Mid-range lengths are fine; the cap is 1000 characters.
	require.NoError(t, p.Send(ctx, "room-1", sender, strings.Repeat("x", 600)))

	// Multibyte text gets the full character budget even though its byte
	// length is far over the cap.
	require.NoError(t, p.Send(ctx, "room-1", sender, strings.Repeat("é", maxMessageLen)))

	err := p.Send(ctx, "room-1", sender, strings.Repeat("é", maxMessageLen+1))
	assert.Equal(t, protocol.CodeValidationError, wireCode(t, err))

	assert.Len(t, rec.events, 2)
}

func TestGuestsCannotChat(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	guest := types.Participant{Handle: "aaaaaaaaaa", DisplayName: "Visitor", Role: types.RoleGuest}
	err := p.Send(context.Background(), "room-1", guest, "hello")
	assert.Equal(t, protocol.CodeGuestCannotChat, wireCode(t, err))
}

func TestSendRateLimited(t *testing.T) {
	p, _, rec := newTestPipeline(t)
	ctx := context.Background()
	sender := member("aaaaaaaaaa", "user-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Send(ctx, "room-1", sender, "hi"))
	}
	err := p.Send(ctx, "room-1", sender, "hi")
	assert.Equal(t, protocol.CodeRateLimitExceeded, wireCode(t, err))
	assert.Len(t, rec.events, 3, "limited message is not delivered")
}

func TestMutedSenderRejected(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	sender := member("aaaaaaaaaa", "user-1")

	require.NoError(t, st.SetMute(ctx, "room-1", types.MuteRecord{
		UserID:  "user-1",
		MutedBy: "zzzzzzzzzz",
		Until:   time.Now().Add(time.Minute),
	}))

	err := p.Send(ctx, "room-1", sender, "hello")
	assert.Equal(t, protocol.CodeForbidden, wireCode(t, err))
}

func TestShadowMutedEchoesToSenderOnly(t *testing.T) {
	p, st, rec := newTestPipeline(t)
	ctx := context.Background()
	sender := member("aaaaaaaaaa", "user-1")

	require.NoError(t, st.AddShadowMute(ctx, "room-1", "user-1"))
	require.NoError(t, p.Send(ctx, "room-1", sender, "hello"))

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, "aaaaaaaaaa", ev.handle, "echo targets the sender")
	assert.Equal(t, protocol.EventChatMessage, ev.event)
}

func TestMutePermissions(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	own := owner("oooooooooo", "owner-1")
	target := member("aaaaaaaaaa", "user-1")

	err := p.Mute(ctx, "room-1", target, own, time.Minute, "spam")
	assert.Equal(t, protocol.CodeForbidden, wireCode(t, err))

	guest := types.Participant{Handle: "gggggggggg", Role: types.RoleGuest}
	err = p.Mute(ctx, "room-1", own, guest, time.Minute, "spam")
	assert.Equal(t, protocol.CodeValidationError, wireCode(t, err))

	err = p.Mute(ctx, "room-1", own, target, 0, "spam")
	assert.Equal(t, protocol.CodeValidationError, wireCode(t, err))

	require.NoError(t, p.Mute(ctx, "room-1", own, target, time.Minute, "spam"))
	rec, err := st.GetMute(ctx, "room-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "oooooooooo", rec.MutedBy)
}

func TestShadowMuteToggle(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	own := owner("oooooooooo", "owner-1")
	target := member("aaaaaaaaaa", "user-1")

	err := p.ShadowMute(ctx, "room-1", target, own, true)
	assert.Equal(t, protocol.CodeForbidden, wireCode(t, err))

	require.NoError(t, p.ShadowMute(ctx, "room-1", own, target, true))
	muted, err := st.IsShadowMuted(ctx, "room-1", "user-1")
	require.NoError(t, err)
	assert.True(t, muted)

	require.NoError(t, p.ShadowMute(ctx, "room-1", own, target, false))
	muted, err = st.IsShadowMuted(ctx, "room-1", "user-1")
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestSystemNotice(t *testing.T) {
	p, _, rec := newTestPipeline(t)

	p.SystemNotice(context.Background(), "room-1", "join", "Ada joined the room")

	require.Len(t, rec.events, 1)
	assert.Equal(t, protocol.EventSystemNotice, rec.events[0].event)
	notice, ok := rec.events[0].data.(Notice)
	require.True(t, ok)
	assert.Equal(t, "join", notice.Kind)
	assert.Equal(t, "Ada joined the room", notice.Message)
}
