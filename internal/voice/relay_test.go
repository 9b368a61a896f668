package voice

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func (r *senderRecorder) BroadcastVoice(_ context.Context, roomID, event string, data any) {
	r.events = append(r.events, sentEvent{roomID: roomID, event: event, data: data})
}

func (r *senderRecorder) SendToHandle(_ context.Context, roomID, handle, event string, data any) bool {
	r.events = append(r.events, sentEvent{roomID: roomID, handle: handle, event: event, data: data})
	return true
}

func (r *senderRecorder) last(t *testing.T) sentEvent {
	t.Helper()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func newTestRelay(t *testing.T) (*Relay, *store.Store, *senderRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewWithClient(client, store.Config{Prefix: "watchsync", StateTTL: 24 * time.Hour}, zerolog.Nop())

	rec := &senderRecorder{}
	return NewRelay(st, rec, zerolog.Nop()), st, rec
}

func participant(handle string) types.Participant {
	return types.Participant{Handle: handle, DisplayName: "User " + handle, Role: types.RoleParticipant}
}

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var we *protocol.Error
	require.ErrorAs(t, err, &we)
	return we.Code
}

func TestJoinReturnsExistingPeers(t *testing.T) {
	relay, _, rec := newTestRelay(t)
	ctx := context.Background()

	others, err := relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	require.NoError(t, err)
	assert.Empty(t, others, "first joiner has nobody to offer to")

	others, err = relay.Join(ctx, "room-1", participant("bbbbbbbbbb"))
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "aaaaaaaaaa", others[0].Handle)

	ev := rec.last(t)
	assert.Equal(t, protocol.EventVoicePeerJoined, ev.event)
	joined, ok := ev.data.(PeerJoined)
	require.True(t, ok)
	assert.Equal(t, "bbbbbbbbbb", joined.Peer.Handle)
	assert.Len(t, joined.Peers, 2)
}

func TestJoinTwiceRejected(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx := context.Background()

	_, err := relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	require.NoError(t, err)

	_, err = relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	assert.Equal(t, protocol.CodeAlreadyInVoice, wireCode(t, err))
}

func TestLeaveIdempotent(t *testing.T) {
	relay, st, rec := newTestRelay(t)
	ctx := context.Background()

	_, err := relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	require.NoError(t, err)

	require.NoError(t, relay.Leave(ctx, "room-1", "aaaaaaaaaa"))
	ev := rec.last(t)
	assert.Equal(t, protocol.EventVoicePeerLeft, ev.event)
	assert.Equal(t, PeerLeft{Handle: "aaaaaaaaaa"}, ev.data)

	peer, err := st.GetVoicePeer(ctx, "room-1", "aaaaaaaaaa")
	require.NoError(t, err)
	assert.Nil(t, peer)

	// Second leave broadcasts nothing.
	before := len(rec.events)
	require.NoError(t, relay.Leave(ctx, "room-1", "aaaaaaaaaa"))
	assert.Len(t, rec.events, before)
}

func TestSignalRelayedToTarget(t *testing.T) {
	relay, _, rec := newTestRelay(t)
	ctx := context.Background()

	_, err := relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	require.NoError(t, err)
	_, err = relay.Join(ctx, "room-1", participant("bbbbbbbbbb"))
	require.NoError(t, err)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, relay.Signal(ctx, "room-1", "aaaaaaaaaa", "bbbbbbbbbb", payload))

	ev := rec.last(t)
	assert.Equal(t, protocol.EventVoiceSignal, ev.event)
	assert.Equal(t, "bbbbbbbbbb", ev.handle, "signal goes to the target only")
	env, ok := ev.data.(SignalEnvelope)
	require.True(t, ok)
	assert.Equal(t, "aaaaaaaaaa", env.FromHandle)
	assert.Equal(t, payload, env.Payload)
}

func TestSignalEnvelopeFieldNames(t *testing.T) {
	raw, err := json.Marshal(SignalEnvelope{
		FromHandle: "aaaaaaaaaa",
		Payload:    json.RawMessage(`{"type":"offer"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from_id":"aaaaaaaaaa","signal":{"type":"offer"}}`, string(raw))
}

func TestSignalValidation(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx := context.Background()

	_, err := relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	require.NoError(t, err)
	_, err = relay.Join(ctx, "room-1", participant("bbbbbbbbbb"))
	require.NoError(t, err)

	payload := json.RawMessage(`{}`)

	err = relay.Signal(ctx, "room-1", "aaaaaaaaaa", "bbbbbbbbbb", nil)
	assert.Equal(t, protocol.CodeInvalidSignal, wireCode(t, err))

	huge := json.RawMessage(`"` + strings.Repeat("x", maxSignalBytes) + `"`)
	err = relay.Signal(ctx, "room-1", "aaaaaaaaaa", "bbbbbbbbbb", huge)
	assert.Equal(t, protocol.CodeInvalidSignal, wireCode(t, err))

	err = relay.Signal(ctx, "room-1", "aaaaaaaaaa", "aaaaaaaaaa", payload)
	assert.Equal(t, protocol.CodeInvalidSignal, wireCode(t, err), "self-signal is rejected")

	err = relay.Signal(ctx, "room-1", "cccccccccc", "bbbbbbbbbb", payload)
	assert.Equal(t, protocol.CodeNotInVoice, wireCode(t, err), "sender must be on the roster")

	err = relay.Signal(ctx, "room-1", "aaaaaaaaaa", "cccccccccc", payload)
	assert.Equal(t, protocol.CodeNotInVoice, wireCode(t, err), "target must be on the roster")
}

func TestSetSpeaking(t *testing.T) {
	relay, st, rec := newTestRelay(t)
	ctx := context.Background()

	err := relay.SetSpeaking(ctx, "room-1", "aaaaaaaaaa", true)
	assert.Equal(t, protocol.CodeNotInVoice, wireCode(t, err))

	_, err = relay.Join(ctx, "room-1", participant("aaaaaaaaaa"))
	require.NoError(t, err)

	require.NoError(t, relay.SetSpeaking(ctx, "room-1", "aaaaaaaaaa", true))
	ev := rec.last(t)
	assert.Equal(t, protocol.EventVoiceSpeaking, ev.event)
	assert.Equal(t, Speaking{Handle: "aaaaaaaaaa", IsSpeaking: true}, ev.data)

	peer, err := st.GetVoicePeer(ctx, "room-1", "aaaaaaaaaa")
	require.NoError(t, err)
	require.NotNil(t, peer)
	assert.True(t, peer.IsSpeaking)

	// Repeating the same state broadcasts nothing.
	before := len(rec.events)
	require.NoError(t, relay.SetSpeaking(ctx, "room-1", "aaaaaaaaaa", true))
	assert.Len(t, rec.events, before)
}
