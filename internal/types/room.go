package types

import "time"

// Role of a participant within a room.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleParticipant Role = "participant"
	RoleGuest       Role = "guest"
)

// ControlPolicy decides which roles may issue playback commands.
type ControlPolicy string

const (
	ControlOwnerOnly ControlPolicy = "owner_only"
	ControlAll       ControlPolicy = "all"
	ControlSelected  ControlPolicy = "selected"
)

// CanControl reports whether a participant with the given role and
// can_control flag may issue playback commands under this policy.
func (p ControlPolicy) CanControl(role Role, canControl bool) bool {
	switch p {
	case ControlOwnerOnly:
		return role == RoleOwner
	case ControlAll:
		return role == RoleOwner || role == RoleParticipant
	case ControlSelected:
		return role == RoleOwner || canControl
	}
	return false
}

// Room is the read-mostly record owned by the external CRUD service. The
// coordinator consumes it to admit joins and enforce policy; it never
// mutates it.
type Room struct {
	ID              string        `json:"id"`
	Code            string        `json:"code"`
	Name            string        `json:"name"`
	OwnerID         string        `json:"owner_id"`
	Capacity        int           `json:"capacity"`
	PasswordHash    string        `json:"password_hash,omitempty"`
	PlaybackControl ControlPolicy `json:"playback_control"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
}

// Expired reports whether the room is past its expiry at the given time.
func (r *Room) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Participant is a membership record. The handle is opaque, unique within
// the room, and stable for the room's lifetime.
type Participant struct {
	Handle      string    `json:"handle"`
	UserID      string    `json:"user_id,omitempty"` // empty for guests
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	CanControl  bool      `json:"can_control"`
	JoinedAt    time.Time `json:"joined_at"`
}

// VoicePeer is a participant that has opted into the voice subchannel.
type VoicePeer struct {
	Handle     string    `json:"handle"`
	IsSpeaking bool      `json:"is_speaking"`
	JoinedAt   time.Time `json:"joined_at"`
}

// MuteRecord marks a user muted in a room until the record's TTL expires.
type MuteRecord struct {
	UserID  string    `json:"user_id"`
	MutedBy string    `json:"muted_by"`
	Reason  string    `json:"reason,omitempty"`
	Until   time.Time `json:"until"`
}
