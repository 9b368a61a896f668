package types

import (
	"fmt"
	"math"
)

// SourceType identifies where the room's media comes from.
type SourceType string

const (
	SourceUpload   SourceType = "upload"
	SourceYouTube  SourceType = "youtube"
	SourceExternal SourceType = "external"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceUpload, SourceYouTube, SourceExternal:
		return true
	}
	return false
}

// Snapshot is the authoritative playback state of a room. Exactly one exists
// per room; absence means no media has been selected yet.
//
// The anchor pair (AnchorServerTimeMs, AnchorMediaTimeMs) plus the rate fully
// determine the current media position at any wall-clock time; see MediaTimeAt.
type Snapshot struct {
	SourceType         SourceType `json:"source_type"`
	SourceID           string     `json:"source_id"`
	IsPlaying          bool       `json:"is_playing"`
	PlaybackRate       float64    `json:"playback_rate"`
	AnchorServerTimeMs int64      `json:"anchor_server_time_ms"`
	AnchorMediaTimeMs  int64      `json:"anchor_media_time_ms"`
	SequenceNumber     uint64     `json:"sequence_number"`
}

// MediaTimeAt derives the media position at wall-clock time nowMs.
// While paused the position is pinned to the anchor.
func (s *Snapshot) MediaTimeAt(nowMs int64) int64 {
	if !s.IsPlaying {
		return s.AnchorMediaTimeMs
	}
	elapsed := float64(nowMs - s.AnchorServerTimeMs)
	pos := s.AnchorMediaTimeMs + int64(elapsed*s.PlaybackRate)
	if pos < 0 {
		return 0
	}
	return pos
}

// Validate checks the snapshot invariants. Violations surface as
// InvalidState at the store boundary, on both write and read.
func (s *Snapshot) Validate() error {
	if !s.SourceType.Valid() {
		return fmt.Errorf("invalid source_type %q", s.SourceType)
	}
	if s.SourceID == "" {
		return fmt.Errorf("source_id is empty")
	}
	if s.PlaybackRate <= 0 || math.IsNaN(s.PlaybackRate) || math.IsInf(s.PlaybackRate, 0) {
		return fmt.Errorf("playback_rate must be positive and finite, got %g", s.PlaybackRate)
	}
	if s.AnchorServerTimeMs < 0 {
		return fmt.Errorf("anchor_server_time_ms must be >= 0, got %d", s.AnchorServerTimeMs)
	}
	if s.AnchorMediaTimeMs < 0 {
		return fmt.Errorf("anchor_media_time_ms must be >= 0, got %d", s.AnchorMediaTimeMs)
	}
	return nil
}

// CommandType labels the delta broadcast alongside every accepted snapshot
// update. The persisted snapshot is the current state; the command is what a
// client can apply directly without refetching.
type CommandType string

const (
	CommandPlay      CommandType = "PLAY"
	CommandPause     CommandType = "PAUSE"
	CommandSeek      CommandType = "SEEK"
	CommandSetRate   CommandType = "SET_RATE"
	CommandSetSource CommandType = "SET_SOURCE"
)

// SyncCommand is broadcast on the room topic after each accepted playback
// mutation. Clients must drop any command whose sequence is <= the last one
// they applied; delivery order across instances is not guaranteed.
type SyncCommand struct {
	Type            CommandType `json:"type"`
	RoomID          string      `json:"room_id"`
	AtServerTimeMs  int64       `json:"at_server_time"`
	TargetMediaMs   int64       `json:"target_media_time,omitempty"`
	PlaybackRate    float64     `json:"rate,omitempty"`
	SourceType      SourceType  `json:"source_type,omitempty"`
	SourceID        string      `json:"source_id,omitempty"`
	SequenceNumber  uint64      `json:"sequence_number"`
	IssuedByHandle  string      `json:"issued_by,omitempty"`
}
