package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound event names (client to server).
const (
	EventRoomJoin      = "room:join"
	EventRoomLeave     = "room:leave"
	EventRoomKick      = "room:kick"
	EventChatMessage   = "chat:message"
	EventTimePing      = "time:ping"
	EventSyncPlay      = "sync:play"
	EventSyncPause     = "sync:pause"
	EventSyncSeek      = "sync:seek"
	EventSyncRate      = "sync:rate"
	EventSyncResync    = "sync:resync"
	EventSyncSource    = "sync:source"
	EventVoiceJoin     = "voice:join"
	EventVoiceLeave    = "voice:leave"
	EventVoiceSpeaking = "voice:speaking"
)

// Outbound event names (server to client). chat:message, voice:signal and
// voice:speaking share their name with the inbound direction.
const (
	EventRoomState         = "room:state"
	EventRoomError         = "room:error"
	EventParticipantJoined = "room:participant:joined"
	EventParticipantLeft   = "room:participant:left"
	EventChatError         = "chat:error"
	EventTimePong          = "time:pong"
	EventSyncCommand       = "sync:command"
	EventSyncState         = "sync:state"
	EventSyncError         = "sync:error"
	EventVoicePeers        = "voice:peers"
	EventVoicePeerJoined   = "voice:peer:joined"
	EventVoicePeerLeft     = "voice:peer:left"
	EventVoiceSignal       = "voice:signal"
	EventSystemNotice      = "system:notice"
	EventError             = "error"
)

// Message is the wire frame in both directions: an event name plus an
// event-specific JSON payload.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// Decode parses an inbound frame. The payload stays raw; each handler
// unmarshals its own request type.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("decode frame: missing event")
	}
	return &msg, nil
}
