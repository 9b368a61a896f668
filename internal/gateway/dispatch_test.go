package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync-server/internal/bus"
	"watchsync-server/internal/clock"
	"watchsync-server/internal/config"
	"watchsync-server/internal/playback"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/store"
	"watchsync-server/internal/types"
	"watchsync-server/internal/voice"
)

type nopEmitter struct{}

func (nopEmitter) EmitSyncCommand(context.Context, *types.SyncCommand) {}

func newDispatchServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewWithClient(client, store.Config{Prefix: "watchsync", StateTTL: 24 * time.Hour}, zerolog.Nop())

	srv := &Server{
		cfg:        &config.Config{CommandRatePerSec: 100},
		logger:     zerolog.Nop(),
		instanceID: "inst-test",
		store:      st,
		bus:        bus.NoopBus{},
		clk:        clock.NewFake(1_700_000_000_000),
		registry:   newRegistry(),
	}
	srv.engines = Engines{
		Playback: playback.NewEngine(st, srv.clk, nopEmitter{}, playback.Config{}, zerolog.Nop()),
		Voice:    voice.NewRelay(st, srv, zerolog.Nop()),
	}

	c := &Client{
		send: make(chan []byte, 8),
		done: make(chan struct{}),
	}
	c.setSession("room-1", &types.Participant{
		Handle:      "aaaaaaaaaa",
		DisplayName: "Ada",
		Role:        types.RoleOwner,
		CanControl:  true,
	})
	return srv, c
}

func readReply(t *testing.T, c *Client) *protocol.Message {
	t.Helper()
	select {
	case frame := <-c.send:
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("expected a reply frame")
		return nil
	}
}

func readWireError(t *testing.T, c *Client) (string, *protocol.Error) {
	t.Helper()
	msg := readReply(t, c)
	var we protocol.Error
	require.NoError(t, json.Unmarshal(msg.Data, &we))
	return msg.Event, &we
}

func TestMalformedPlayPauseAreValidationErrors(t *testing.T) {
	srv, c := newDispatchServer(t)
	ctx := context.Background()

	for _, event := range []string{protocol.EventSyncPlay, protocol.EventSyncPause} {
		srv.handleSyncCommand(ctx, c, event, json.RawMessage(`{"at_server_time":"soon"}`))
		replyEvent, we := readWireError(t, c)
		assert.Equal(t, protocol.EventSyncError, replyEvent)
		assert.Equal(t, protocol.CodeValidationError, we.Code, "%s with a bad payload is the client's fault", event)
	}
}

func TestMalformedSeekIsValidationError(t *testing.T) {
	srv, c := newDispatchServer(t)

	srv.handleSyncCommand(context.Background(), c, protocol.EventSyncSeek, json.RawMessage(`{"target_media_time":"start"}`))
	_, we := readWireError(t, c)
	assert.Equal(t, protocol.CodeValidationError, we.Code)
}

func TestVoiceSpeakingFailsSilently(t *testing.T) {
	srv, c := newDispatchServer(t)
	ctx := context.Background()

	// Malformed payload: dropped, no error envelope.
	srv.handleVoiceSpeaking(ctx, c, json.RawMessage(`{"is_speaking":"yes"}`))
	assert.Empty(t, c.send)

	// Not on the voice roster: the engine error is dropped too.
	srv.handleVoiceSpeaking(ctx, c, json.RawMessage(`{"is_speaking":true}`))
	assert.Empty(t, c.send)
}

func TestInboundFieldNames(t *testing.T) {
	var chat chatRequest
	require.NoError(t, json.Unmarshal([]byte(`{"content":"hello"}`), &chat))
	assert.Equal(t, "hello", chat.Body)

	var ping pingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"client_time":123}`), &ping))
	assert.Equal(t, int64(123), ping.ClientTimeMs)

	var seek seekRequest
	require.NoError(t, json.Unmarshal([]byte(`{"target_media_time":5000,"at_server_time":42}`), &seek))
	assert.Equal(t, int64(5000), seek.TargetMediaTimeMs)
	assert.Equal(t, int64(42), seek.AtServerTimeMs)

	var play playbackRequest
	require.NoError(t, json.Unmarshal([]byte(`{"at_server_time":42}`), &play))
	assert.Equal(t, int64(42), play.AtServerTimeMs)

	var sig signalRequest
	require.NoError(t, json.Unmarshal([]byte(`{"target_id":"bbbbbbbbbb","signal":{"type":"offer"}}`), &sig))
	assert.Equal(t, "bbbbbbbbbb", sig.TargetHandle)
	assert.JSONEq(t, `{"type":"offer"}`, string(sig.Payload))
}

func TestPongFieldNames(t *testing.T) {
	raw, err := json.Marshal(pongPayload{ClientTimeMs: 1, ServerTimeMs: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"client_time":1,"server_time":2}`, string(raw))
}
