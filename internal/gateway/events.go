package gateway

import (
	"encoding/json"

	"watchsync-server/internal/types"
)

// Inbound payloads. Each dispatch handler unmarshals its own request type
// from the frame's raw data.

type joinRequest struct {
	RoomCode  string `json:"room_code"`
	Password  string `json:"password,omitempty"`
	GuestName string `json:"guest_name,omitempty"`
}

type kickRequest struct {
	Handle string `json:"handle"`
}

type chatRequest struct {
	Body string `json:"content"`
}

type pingRequest struct {
	ClientTimeMs int64 `json:"client_time"`
}

type playbackRequest struct {
	AtServerTimeMs int64 `json:"at_server_time,omitempty"`
}

type seekRequest struct {
	TargetMediaTimeMs int64 `json:"target_media_time"`
	AtServerTimeMs    int64 `json:"at_server_time,omitempty"`
}

type rateRequest struct {
	Rate           float64 `json:"rate"`
	AtServerTimeMs int64   `json:"at_server_time,omitempty"`
}

type sourceRequest struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
}

type signalRequest struct {
	TargetHandle string          `json:"target_id"`
	Payload      json.RawMessage `json:"signal"`
}

type speakingRequest struct {
	IsSpeaking bool `json:"is_speaking"`
}

// Outbound payloads.

type roomInfo struct {
	ID              string              `json:"id"`
	Code            string              `json:"code"`
	Name            string              `json:"name"`
	PlaybackControl types.ControlPolicy `json:"playback_control"`
}

// roomStatePayload answers a successful room:join with everything the
// client needs to render the room and start its local playback clock.
type roomStatePayload struct {
	Room         roomInfo            `json:"room"`
	Self         types.Participant   `json:"self"`
	Participants []types.Participant `json:"participants"`
	Playback     *types.Snapshot     `json:"playback,omitempty"`
	ServerTimeMs int64               `json:"server_time_ms"`
}

type participantJoinedPayload struct {
	Participant types.Participant `json:"participant"`
}

type participantLeftPayload struct {
	Handle string `json:"handle"`
	Reason string `json:"reason,omitempty"`
}

type pongPayload struct {
	ClientTimeMs int64 `json:"client_time"`
	ServerTimeMs int64 `json:"server_time"`
}

// syncStatePayload answers sync:resync; nil snapshot means no media has
// been selected yet.
type syncStatePayload struct {
	Playback     *types.Snapshot `json:"playback,omitempty"`
	ServerTimeMs int64           `json:"server_time_ms"`
}

type voicePeersPayload struct {
	Peers []types.VoicePeer `json:"peers"`
}
