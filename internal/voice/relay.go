// Package voice relays WebRTC signaling between room participants. The
// server never inspects SDP or ICE payloads; it validates roster
// membership, attaches the sender, and forwards.
package voice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"watchsync-server/internal/protocol"
	"watchsync-server/internal/store"
	"watchsync-server/internal/types"
)

// Signal payloads above this size are rejected outright. A full SDP offer
// with many candidates stays well under this.
const maxSignalBytes = 64 * 1024

// Sender delivers voice events: room-wide roster updates and targeted
// signal relays.
type Sender interface {
	BroadcastVoice(ctx context.Context, roomID, event string, data any)
	SendToHandle(ctx context.Context, roomID, handle, event string, data any) bool
}

// Relay manages the per-room voice roster and forwards signaling.
type Relay struct {
	store  *store.Store
	sender Sender
	logger zerolog.Logger
}

func NewRelay(st *store.Store, sender Sender, logger zerolog.Logger) *Relay {
	return &Relay{
		store:  st,
		sender: sender,
		logger: logger.With().Str("component", "voice").Logger(),
	}
}

// SignalEnvelope is the relayed signal as delivered to the target.
type SignalEnvelope struct {
	FromHandle string          `json:"from_id"`
	Payload    json.RawMessage `json:"signal"`
}

// PeerJoined is broadcast when a participant enters the voice channel.
type PeerJoined struct {
	Peer  types.VoicePeer   `json:"peer"`
	Peers []types.VoicePeer `json:"peers"`
}

// PeerLeft is broadcast when a participant exits the voice channel.
type PeerLeft struct {
	Handle string `json:"handle"`
}

// Speaking is broadcast on speaking-state transitions.
type Speaking struct {
	Handle     string `json:"handle"`
	IsSpeaking bool   `json:"is_speaking"`
}

// Join adds the participant to the voice roster and returns the existing
// peers so the client knows who to offer to.
func (r *Relay) Join(ctx context.Context, roomID string, p types.Participant) ([]types.VoicePeer, error) {
	existing, err := r.store.GetVoicePeer(ctx, roomID, p.Handle)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, protocol.NewError(protocol.CodeAlreadyInVoice, "already in voice channel")
	}

	peer := types.VoicePeer{
		Handle:   p.Handle,
		JoinedAt: time.Now().UTC(),
	}
	if err := r.store.AddVoicePeer(ctx, roomID, peer); err != nil {
		return nil, err
	}

	peers, err := r.store.ListVoicePeers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	r.sender.BroadcastVoice(ctx, roomID, protocol.EventVoicePeerJoined, PeerJoined{Peer: peer, Peers: peers})
	r.logger.Info().Str("room_id", roomID).Str("handle", p.Handle).Int("peers", len(peers)).Msg("Voice peer joined")

	// The joiner offers to everyone already present.
	others := peers[:0]
	for _, pr := range peers {
		if pr.Handle != p.Handle {
			others = append(others, pr)
		}
	}
	return others, nil
}

// Leave removes the participant from the voice roster. Idempotent; called
// on explicit voice:leave, on room leave, and on disconnect.
func (r *Relay) Leave(ctx context.Context, roomID, handle string) error {
	existing, err := r.store.GetVoicePeer(ctx, roomID, handle)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := r.store.RemoveVoicePeer(ctx, roomID, handle); err != nil {
		return err
	}
	r.sender.BroadcastVoice(ctx, roomID, protocol.EventVoicePeerLeft, PeerLeft{Handle: handle})
	r.logger.Info().Str("room_id", roomID).Str("handle", handle).Msg("Voice peer left")
	return nil
}

// Signal forwards an opaque payload to one target peer. Both ends must be
// on the voice roster. The payload itself is never logged.
func (r *Relay) Signal(ctx context.Context, roomID, fromHandle, targetHandle string, payload json.RawMessage) error {
	if len(payload) == 0 || len(payload) > maxSignalBytes {
		return protocol.NewError(protocol.CodeInvalidSignal, "signal payload must be 1..%d bytes", maxSignalBytes)
	}
	if targetHandle == "" || targetHandle == fromHandle {
		return protocol.NewError(protocol.CodeInvalidSignal, "bad signal target")
	}

	sender, err := r.store.GetVoicePeer(ctx, roomID, fromHandle)
	if err != nil {
		return err
	}
	if sender == nil {
		return protocol.NewError(protocol.CodeNotInVoice, "join voice before signaling")
	}
	target, err := r.store.GetVoicePeer(ctx, roomID, targetHandle)
	if err != nil {
		return err
	}
	if target == nil {
		return protocol.NewError(protocol.CodeNotInVoice, "target is not in voice channel")
	}

	delivered := r.sender.SendToHandle(ctx, roomID, targetHandle, protocol.EventVoiceSignal, SignalEnvelope{
		FromHandle: fromHandle,
		Payload:    payload,
	})
	r.logger.Debug().
		Str("room_id", roomID).
		Str("from", fromHandle).
		Str("to", targetHandle).
		Int("bytes", len(payload)).
		Bool("delivered_locally", delivered).
		Msg("Voice signal relayed")
	return nil
}

// SetSpeaking updates and broadcasts the speaking flag. No-op when the
// flag already matches.
func (r *Relay) SetSpeaking(ctx context.Context, roomID, handle string, speaking bool) error {
	peer, err := r.store.GetVoicePeer(ctx, roomID, handle)
	if err != nil {
		return err
	}
	if peer == nil {
		return protocol.NewError(protocol.CodeNotInVoice, "join voice before speaking updates")
	}
	if peer.IsSpeaking == speaking {
		return nil
	}
	peer.IsSpeaking = speaking
	if err := r.store.AddVoicePeer(ctx, roomID, *peer); err != nil {
		return err
	}
	r.sender.BroadcastVoice(ctx, roomID, protocol.EventVoiceSpeaking, Speaking{Handle: handle, IsSpeaking: speaking})
	return nil
}
