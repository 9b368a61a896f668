package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"watchsync-server/internal/chat"
	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/playback"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/session"
	"watchsync-server/internal/types"
	"watchsync-server/internal/voice"
)

// handlerTimeout bounds one client event end to end, store round-trips
// included.
const handlerTimeout = 10 * time.Second

// dispatch routes one inbound frame. Runs on the client's read pump, so
// handlers for the same client never run concurrently.
func (s *Server) dispatch(c *Client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeValidationError, "malformed frame"))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
	defer cancel()

	switch msg.Event {
	case protocol.EventTimePing:
		s.handleTimePing(c, msg.Data)
	case protocol.EventRoomJoin:
		s.handleRoomJoin(ctx, c, msg.Data)
	case protocol.EventRoomLeave:
		s.leaveRoom(ctx, c, "left")
	case protocol.EventRoomKick:
		s.handleRoomKick(ctx, c, msg.Data)
	case protocol.EventChatMessage:
		s.handleChatMessage(ctx, c, msg.Data)
	case protocol.EventSyncPlay, protocol.EventSyncPause, protocol.EventSyncSeek,
		protocol.EventSyncRate, protocol.EventSyncSource:
		s.handleSyncCommand(ctx, c, msg.Event, msg.Data)
	case protocol.EventSyncResync:
		s.handleSyncResync(ctx, c)
	case protocol.EventVoiceJoin:
		s.handleVoiceJoin(ctx, c)
	case protocol.EventVoiceLeave:
		s.handleVoiceLeave(ctx, c)
	case protocol.EventVoiceSignal:
		s.handleVoiceSignal(ctx, c, msg.Data)
	case protocol.EventVoiceSpeaking:
		s.handleVoiceSpeaking(ctx, c, msg.Data)
	default:
		s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeValidationError, "unknown event %q", msg.Event))
	}
}

func (s *Server) handleTimePing(c *Client, data json.RawMessage) {
	var req pingRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeValidationError, "malformed time:ping"))
			return
		}
	}
	s.sendEvent(c, protocol.EventTimePong, pongPayload{
		ClientTimeMs: req.ClientTimeMs,
		ServerTimeMs: s.clk.NowMs(),
	})
}

func (s *Server) handleRoomJoin(ctx context.Context, c *Client, data json.RawMessage) {
	if _, p := c.session(); p != nil {
		s.sendError(c, protocol.EventRoomError, protocol.NewError(protocol.CodeAlreadyInRoom, "leave the current room first"))
		return
	}

	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomCode == "" {
		s.sendError(c, protocol.EventRoomError, protocol.NewError(protocol.CodeValidationError, "room_code is required"))
		return
	}

	result, err := s.engines.Session.Join(ctx, session.JoinRequest{
		RoomCode:    req.RoomCode,
		Password:    req.Password,
		GuestName:   req.GuestName,
		UserID:      c.userID,
		DisplayName: c.displayName,
		SocketID:    c.socketID,
	})
	if err != nil {
		s.sendError(c, protocol.EventRoomError, protocol.AsWireError(err))
		return
	}

	room := result.Room
	participant := result.Participant
	c.setSession(room.ID, &participant)

	if first := s.registry.add(room.ID, participant.Handle, c); first {
		sub, err := s.bus.Subscribe(room.ID, s.handleEnvelope)
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", room.ID).
				Msg("Bus subscribe failed, cross-instance events unavailable for this room")
		} else {
			s.registry.setSubscription(room.ID, sub)
		}
	}

	s.sendEvent(c, protocol.EventRoomState, roomStatePayload{
		Room: roomInfo{
			ID:              room.ID,
			Code:            room.Code,
			Name:            room.Name,
			PlaybackControl: room.PlaybackControl,
		},
		Self:         participant,
		Participants: result.Participants,
		Playback:     result.Snapshot,
		ServerTimeMs: s.clk.NowMs(),
	})

	s.BroadcastExcept(ctx, room.ID, protocol.EventParticipantJoined,
		participantJoinedPayload{Participant: participant}, c)
	s.engines.Chat.SystemNotice(ctx, room.ID, "join",
		fmt.Sprintf("%s joined the room", participant.DisplayName))
}

func (s *Server) handleRoomKick(ctx context.Context, c *Client, data json.RawMessage) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventRoomError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}

	var req kickRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Handle == "" {
		s.sendError(c, protocol.EventRoomError, protocol.NewError(protocol.CodeValidationError, "handle is required"))
		return
	}

	target, err := s.engines.Session.Kick(ctx, roomID, *participant, req.Handle)
	if err != nil {
		s.sendError(c, protocol.EventRoomError, protocol.AsWireError(err))
		return
	}

	if local := s.registry.byHandle(roomID, target.Handle); local != nil {
		s.evictLocal(ctx, local, roomID, target.Handle)
	} else {
		// The target is connected to another instance; it evicts on receipt.
		s.publish(s.kickEnvelope(roomID, target.Handle))
	}

	s.Broadcast(ctx, roomID, protocol.EventParticipantLeft, participantLeftPayload{
		Handle: target.Handle,
		Reason: "kicked",
	})
	s.engines.Chat.SystemNotice(ctx, roomID, "kick",
		fmt.Sprintf("%s was removed from the room", target.DisplayName))
	s.auditLogger.Record("kick", "participant kicked", map[string]any{
		"room_id":   roomID,
		"target":    target.Handle,
		"kicked_by": participant.Handle,
	})
}

// evictLocal detaches a kicked client from its room without closing the
// socket: it drops back to the connected-but-roomless state.
func (s *Server) evictLocal(ctx context.Context, c *Client, roomID, handle string) {
	s.sendEvent(c, protocol.EventParticipantLeft, participantLeftPayload{
		Handle: handle,
		Reason: "kicked",
	})

	if c.isInVoice() {
		if err := s.engines.Voice.Leave(ctx, roomID, handle); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Voice cleanup failed on kick")
		}
	}
	// Membership is already gone from the store; this clears the socket set.
	if err := s.engines.Session.Leave(ctx, roomID, handle, c.socketID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Session cleanup failed on kick")
	}
	c.setSession("", nil)
	if sub := s.registry.remove(roomID, handle, c); sub != nil {
		_ = sub.Unsubscribe()
	}
	monitoring.DisconnectsTotal.WithLabelValues(monitoring.DisconnectReasonKicked, monitoring.DisconnectInitiatedByServer).Inc()
}

func (s *Server) handleChatMessage(ctx context.Context, c *Client, data json.RawMessage) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventChatError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}

	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, protocol.EventChatError, protocol.NewError(protocol.CodeValidationError, "malformed chat:message"))
		return
	}

	if err := s.engines.Chat.Send(ctx, roomID, *participant, req.Body); err != nil {
		s.sendError(c, protocol.EventChatError, protocol.AsWireError(err))
	}
}

func (s *Server) handleSyncCommand(ctx context.Context, c *Client, event string, data json.RawMessage) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventSyncError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	if !participant.CanControl {
		s.sendError(c, protocol.EventSyncError, protocol.NewError(protocol.CodeForbidden, "you cannot control playback in this room"))
		return
	}

	allowed, err := s.store.AllowCommand(ctx, roomID, participant.Handle, s.cfg.CommandRatePerSec)
	if err != nil {
		s.sendError(c, protocol.EventSyncError, protocol.AsWireError(err))
		return
	}
	if !allowed {
		monitoring.RateLimitedEvents.WithLabelValues("sync_command").Inc()
		s.sendError(c, protocol.EventSyncError, protocol.NewError(protocol.CodeRateLimitExceeded,
			"too many playback commands (limit %d/sec)", s.cfg.CommandRatePerSec))
		return
	}

	var notice string
	switch event {
	case protocol.EventSyncPlay:
		var req playbackRequest
		if err = unmarshalOptional(data, &req); err != nil {
			err = protocol.NewError(protocol.CodeValidationError, "malformed sync:play")
		} else {
			_, err = s.engines.Playback.Play(ctx, roomID, participant.Handle, req.AtServerTimeMs)
			notice = fmt.Sprintf("%s resumed playback", participant.DisplayName)
		}
	case protocol.EventSyncPause:
		var req playbackRequest
		if err = unmarshalOptional(data, &req); err != nil {
			err = protocol.NewError(protocol.CodeValidationError, "malformed sync:pause")
		} else {
			_, err = s.engines.Playback.Pause(ctx, roomID, participant.Handle, req.AtServerTimeMs)
			notice = fmt.Sprintf("%s paused playback", participant.DisplayName)
		}
	case protocol.EventSyncSeek:
		var req seekRequest
		if err = json.Unmarshal(data, &req); err != nil {
			err = protocol.NewError(protocol.CodeValidationError, "malformed sync:seek")
		} else {
			var snap *types.Snapshot
			snap, err = s.engines.Playback.Seek(ctx, roomID, participant.Handle, req.TargetMediaTimeMs, req.AtServerTimeMs)
			if snap != nil {
				notice = fmt.Sprintf("%s jumped to %s", participant.DisplayName, formatMediaTime(req.TargetMediaTimeMs))
			}
		}
	case protocol.EventSyncRate:
		var req rateRequest
		if err = json.Unmarshal(data, &req); err != nil {
			err = protocol.NewError(protocol.CodeValidationError, "malformed sync:rate")
		} else {
			_, err = s.engines.Playback.SetRate(ctx, roomID, participant.Handle, req.Rate, req.AtServerTimeMs)
		}
	case protocol.EventSyncSource:
		var req sourceRequest
		if err = json.Unmarshal(data, &req); err != nil {
			err = protocol.NewError(protocol.CodeValidationError, "malformed sync:source")
		} else {
			_, err = s.engines.Playback.SetSource(ctx, roomID, participant.Handle, types.SourceType(req.SourceType), req.SourceID)
		}
	}

	if err != nil {
		s.sendError(c, protocol.EventSyncError, playbackWireError(err))
		return
	}
	if notice != "" {
		s.engines.Chat.SystemNotice(ctx, roomID, "playback", notice)
	}
}

func (s *Server) handleSyncResync(ctx context.Context, c *Client) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventSyncError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	snap, err := s.engines.Playback.Resync(ctx, roomID)
	if err != nil {
		s.sendError(c, protocol.EventSyncError, protocol.AsWireError(err))
		return
	}
	s.sendEvent(c, protocol.EventSyncState, syncStatePayload{
		Playback:     snap,
		ServerTimeMs: s.clk.NowMs(),
	})
}

func (s *Server) handleVoiceJoin(ctx context.Context, c *Client) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	others, err := s.engines.Voice.Join(ctx, roomID, *participant)
	if err != nil {
		s.sendError(c, protocol.EventError, protocol.AsWireError(err))
		return
	}
	c.setInVoice(true)
	s.sendEvent(c, protocol.EventVoicePeers, voicePeersPayload{Peers: others})
}

func (s *Server) handleVoiceLeave(ctx context.Context, c *Client) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	if err := s.engines.Voice.Leave(ctx, roomID, participant.Handle); err != nil {
		s.sendError(c, protocol.EventError, protocol.AsWireError(err))
		return
	}
	c.setInVoice(false)
}

func (s *Server) handleVoiceSignal(ctx context.Context, c *Client, data json.RawMessage) {
	roomID, participant := c.session()
	if participant == nil {
		s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	var req signalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, protocol.EventError, protocol.NewError(protocol.CodeInvalidSignal, "malformed voice:signal"))
		return
	}
	if err := s.engines.Voice.Signal(ctx, roomID, participant.Handle, req.TargetHandle, req.Payload); err != nil {
		s.sendError(c, protocol.EventError, protocol.AsWireError(err))
	}
}

// handleVoiceSpeaking fails silently: speaking-flag updates are advisory UI
// state, and a client that cannot set one has nothing actionable to do.
func (s *Server) handleVoiceSpeaking(ctx context.Context, c *Client, data json.RawMessage) {
	roomID, participant := c.session()
	if participant == nil {
		return
	}
	var req speakingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Debug().Str("handle", participant.Handle).Msg("Dropping malformed voice:speaking")
		return
	}
	if err := s.engines.Voice.SetSpeaking(ctx, roomID, participant.Handle, req.IsSpeaking); err != nil {
		s.logger.Debug().Err(err).Str("room_id", roomID).Str("handle", participant.Handle).
			Msg("Dropping failed voice:speaking update")
	}
}

// sendEvent encodes and enqueues a direct reply.
func (s *Server) sendEvent(c *Client, event string, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode reply")
		return
	}
	s.sendFrame(c, frame)
}

// sendError delivers a wire error on the channel-specific error event.
func (s *Server) sendError(c *Client, errorEvent string, we *protocol.Error) {
	s.sendEvent(c, errorEvent, we)
}

// playbackWireError maps playback engine sentinels to wire codes. A missing
// snapshot surfaces as INTERNAL_ERROR: play before source selection means
// the upstream flow is broken, not the client's input.
func playbackWireError(err error) *protocol.Error {
	switch {
	case errors.Is(err, playback.ErrNoPlaybackState):
		return protocol.NewError(protocol.CodeInternalError, "no playback state for room")
	case errors.Is(err, playback.ErrConflictExceeded):
		return protocol.NewError(protocol.CodeConflictExceeded, "command lost too many races, resync and retry")
	case errors.Is(err, playback.ErrRateOutOfRange), errors.Is(err, playback.ErrNegativeSeek):
		return protocol.NewError(protocol.CodeValidationError, "%s", err.Error())
	default:
		return protocol.AsWireError(err)
	}
}

// unmarshalOptional tolerates an absent payload for events whose fields are
// all optional.
func unmarshalOptional(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func formatMediaTime(ms int64) string {
	total := ms / 1000
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// Compile-time checks that Server satisfies the engine fan-out interfaces.
var (
	_ playback.Emitter = (*Server)(nil)
	_ voice.Sender     = (*Server)(nil)
	_ chat.Sender      = (*Server)(nil)
)
