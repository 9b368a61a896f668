package gateway

import (
	"context"
	"encoding/json"
	"time"

	"watchsync-server/internal/bus"
	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/types"
)

// Fan-out. Every room event goes two ways: immediately to local clients,
// and once onto the bus for the other instances. Envelopes carry the
// publishing instance id; handleEnvelope skips our own so nobody hears an
// event twice.

// Broadcast delivers an event to every local client in the room and
// publishes it for the other instances.
func (s *Server) Broadcast(ctx context.Context, roomID, event string, data any) {
	frame, raw, err := encodeFrame(event, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode broadcast")
		return
	}
	s.deliverLocal(roomID, frame, nil)
	s.publish(&bus.Envelope{Origin: s.instanceID, RoomID: roomID, Event: event, Data: raw})
}

// BroadcastExcept is Broadcast minus one local client, for events the
// originator already received as a direct reply.
func (s *Server) BroadcastExcept(ctx context.Context, roomID, event string, data any, except *Client) {
	frame, raw, err := encodeFrame(event, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode broadcast")
		return
	}
	s.deliverLocal(roomID, frame, except)
	s.publish(&bus.Envelope{Origin: s.instanceID, RoomID: roomID, Event: event, Data: raw})
}

// SendToHandle delivers an event to a single participant. Returns true when
// the handle is connected to this instance; otherwise the envelope rides
// the bus and the owning instance delivers it.
func (s *Server) SendToHandle(ctx context.Context, roomID, handle, event string, data any) bool {
	frame, raw, err := encodeFrame(event, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode targeted send")
		return false
	}
	if c := s.registry.byHandle(roomID, handle); c != nil {
		s.sendFrame(c, frame)
		return true
	}
	s.publish(&bus.Envelope{Origin: s.instanceID, RoomID: roomID, Event: event, Target: handle, Data: raw})
	return false
}

// EmitSyncCommand implements playback.Emitter.
func (s *Server) EmitSyncCommand(ctx context.Context, cmd *types.SyncCommand) {
	s.Broadcast(ctx, cmd.RoomID, protocol.EventSyncCommand, cmd)
}

// BroadcastVoice implements voice.Sender.
func (s *Server) BroadcastVoice(ctx context.Context, roomID, event string, data any) {
	s.Broadcast(ctx, roomID, event, data)
}

// BroadcastChat implements chat.Sender.
func (s *Server) BroadcastChat(ctx context.Context, roomID, event string, data any) {
	s.Broadcast(ctx, roomID, event, data)
}

// handleEnvelope is the bus subscription callback for a room.
func (s *Server) handleEnvelope(env *bus.Envelope) {
	if env.Origin == s.instanceID {
		return
	}

	// A targeted kick is a control message, not a frame to forward: the
	// instance owning the target runs the local eviction cascade.
	if env.Event == protocol.EventRoomKick && env.Target != "" {
		if c := s.registry.byHandle(env.RoomID, env.Target); c != nil {
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			defer cancel()
			s.evictLocal(ctx, c, env.RoomID, env.Target)
		}
		return
	}

	frame, err := json.Marshal(protocol.Message{Event: env.Event, Data: env.Data})
	if err != nil {
		return
	}
	if env.Target != "" {
		if c := s.registry.byHandle(env.RoomID, env.Target); c != nil {
			s.sendFrame(c, frame)
		}
		return
	}
	s.deliverLocal(env.RoomID, frame, nil)
}

// kickEnvelope builds the cross-instance eviction control message.
func (s *Server) kickEnvelope(roomID, handle string) *bus.Envelope {
	return &bus.Envelope{
		Origin: s.instanceID,
		RoomID: roomID,
		Event:  protocol.EventRoomKick,
		Target: handle,
	}
}

func (s *Server) publish(env *bus.Envelope) {
	if err := s.bus.Publish(env); err != nil {
		s.logger.Warn().Err(err).Str("room_id", env.RoomID).Str("event", env.Event).
			Msg("Bus publish failed, event delivered locally only")
	}
}

func (s *Server) deliverLocal(roomID string, frame []byte, except *Client) {
	for _, c := range s.registry.snapshot(roomID) {
		if c == except {
			continue
		}
		s.sendFrame(c, frame)
	}
}

// sendFrame enqueues a frame and disconnects the client when it has gone
// slow.
func (s *Server) sendFrame(c *Client, frame []byte) {
	if _, slow := c.enqueue(frame); slow {
		s.logger.Warn().
			Int64("client_id", c.id).
			Msg("Disconnecting slow client")
		go s.disconnectClient(c, monitoring.DisconnectReasonSlowClient, monitoring.DisconnectInitiatedByServer)
	}
}

// encodeFrame marshals the payload once and returns both the full wire
// frame (for local delivery) and the raw payload (for the bus envelope).
func encodeFrame(event string, data any) (frame []byte, raw json.RawMessage, err error) {
	if data != nil {
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, nil, err
		}
	}
	frame, err = json.Marshal(protocol.Message{Event: event, Data: raw})
	if err != nil {
		return nil, nil, err
	}
	return frame, raw, nil
}
