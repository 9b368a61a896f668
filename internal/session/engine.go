// Package session owns room membership: admission, role assignment,
// capacity enforcement, and the cleanup cascade on leave and disconnect.
package session

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/store"
	"watchsync-server/internal/types"
)

// maxGuestNameLen caps the display name a guest may pick on join.
const maxGuestNameLen = 50

// Config holds session engine limits.
type Config struct {
	// MaxParticipants caps the room regardless of what the CRUD record
	// says; the effective capacity is the smaller of the two.
	MaxParticipants int
}

// Engine admits and removes participants.
type Engine struct {
	store     *store.Store
	directory RoomDirectory
	cfg       Config
	logger    zerolog.Logger
}

func NewEngine(st *store.Store, dir RoomDirectory, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = 5
	}
	return &Engine{
		store:     st,
		directory: dir,
		cfg:       cfg,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// JoinRequest carries everything the join algorithm needs. UserID is empty
// for guests; guests must supply a GuestName.
type JoinRequest struct {
	RoomCode    string
	Password    string
	GuestName   string
	UserID      string
	DisplayName string
	SocketID    string
}

// JoinResult is the successful-join reply payload.
type JoinResult struct {
	Room         *types.Room
	Participant  types.Participant
	Participants []types.Participant
	Snapshot     *types.Snapshot
}

// Join runs the admission algorithm. Policy failures come back as
// *protocol.Error; anything else is internal.
//
// Capacity is enforced by the store's capped insert: count-and-insert runs
// under an optimistic lock on the membership hash, so two joins racing for
// the last seat resolve to exactly one winner. No room-wide lock is held
// across the remaining store calls.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	room, err := e.directory.RoomByCode(ctx, req.RoomCode)
	if errors.Is(err, ErrRoomNotFound) {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, "room %q not found", req.RoomCode)
	}
	if err != nil {
		return nil, err
	}
	if room.Expired(time.Now()) {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, "room %q has expired", req.RoomCode)
	}

	if room.PasswordHash != "" {
		ok, err := e.directory.CheckPassword(ctx, room, req.Password)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, protocol.NewError(protocol.CodeInvalidPassword, "wrong room password")
		}
	}

	isGuest := req.UserID == ""
	if isGuest {
		if n := utf8.RuneCountInString(req.GuestName); n < 1 || n > maxGuestNameLen {
			return nil, protocol.NewError(protocol.CodeValidationError,
				"guest_name must be 1..%d characters", maxGuestNameLen)
		}
	}

	// A user id appears at most once per room.
	if !isGuest {
		existing, err := e.store.FindParticipantByUserID(ctx, room.ID, req.UserID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, protocol.NewError(protocol.CodeAlreadyInRoom, "user already in room")
		}
	}

	capacity := room.Capacity
	if capacity <= 0 || capacity > e.cfg.MaxParticipants {
		capacity = e.cfg.MaxParticipants
	}

	role := types.RoleParticipant
	switch {
	case !isGuest && req.UserID == room.OwnerID:
		role = types.RoleOwner
	case isGuest:
		role = types.RoleGuest
	}

	handle, err := newParticipantHandle()
	if err != nil {
		return nil, err
	}

	displayName := req.DisplayName
	if isGuest {
		displayName = req.GuestName
	}

	participant := types.Participant{
		Handle:      handle,
		UserID:      req.UserID,
		DisplayName: displayName,
		Role:        role,
		CanControl:  room.PlaybackControl.CanControl(role, false),
		JoinedAt:    time.Now().UTC(),
	}

	admitted, err := e.store.AddParticipantCapped(ctx, room.ID, participant, capacity)
	if err != nil {
		return nil, err
	}
	if !admitted {
		monitoring.RoomJoinRejections.WithLabelValues(protocol.CodeRoomFull).Inc()
		return nil, protocol.NewError(protocol.CodeRoomFull, "room is full (%d/%d)", capacity, capacity)
	}

	if err := e.directory.CreateParticipant(ctx, room.ID, participant); err != nil {
		// CRUD persistence is best-effort mirroring; membership authority
		// stays with the store.
		e.logger.Warn().Err(err).Str("room_id", room.ID).Str("handle", handle).
			Msg("Failed to mirror participant to directory")
	}

	if err := e.store.AddOnlineSocket(ctx, room.ID, req.SocketID); err != nil {
		return nil, err
	}

	participants, err := e.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.store.GetSnapshot(ctx, room.ID)
	if err != nil && !errors.Is(err, store.ErrInvalidState) {
		return nil, err
	}

	monitoring.RoomJoins.Inc()
	e.logger.Info().
		Str("room_id", room.ID).
		Str("room_code", room.Code).
		Str("handle", handle).
		Str("role", string(role)).
		Bool("guest", isGuest).
		Msg("Participant joined")

	return &JoinResult{
		Room:         room,
		Participant:  participant,
		Participants: participants,
		Snapshot:     snapshot,
	}, nil
}

// Leave removes a membership and its online socket. Idempotent: a second
// leave or a disconnect racing a leave is a no-op.
func (e *Engine) Leave(ctx context.Context, roomID, handle, socketID string) error {
	if err := e.store.RemoveOnlineSocket(ctx, roomID, socketID); err != nil {
		return err
	}
	if err := e.store.RemoveParticipant(ctx, roomID, handle); err != nil {
		return err
	}
	if err := e.directory.DeleteParticipant(ctx, roomID, handle); err != nil {
		e.logger.Warn().Err(err).Str("room_id", roomID).Str("handle", handle).
			Msg("Failed to mirror participant removal to directory")
	}
	e.logger.Info().Str("room_id", roomID).Str("handle", handle).Msg("Participant left")
	return nil
}

// Kick removes a target participant on behalf of the room owner.
func (e *Engine) Kick(ctx context.Context, roomID string, kicker types.Participant, targetHandle string) (*types.Participant, error) {
	if kicker.Role != types.RoleOwner {
		return nil, protocol.NewError(protocol.CodeForbidden, "only the owner can kick")
	}
	if targetHandle == kicker.Handle {
		return nil, protocol.NewError(protocol.CodeValidationError, "cannot kick yourself")
	}
	target, err := e.store.GetParticipant(ctx, roomID, targetHandle)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, protocol.NewError(protocol.CodeNotInRoom, "no such participant")
	}
	if err := e.store.RemoveParticipant(ctx, roomID, targetHandle); err != nil {
		return nil, err
	}
	if err := e.directory.DeleteParticipant(ctx, roomID, targetHandle); err != nil {
		e.logger.Warn().Err(err).Str("room_id", roomID).Str("handle", targetHandle).
			Msg("Failed to mirror kick to directory")
	}
	e.logger.Info().
		Str("room_id", roomID).
		Str("handle", targetHandle).
		Str("kicked_by", kicker.Handle).
		Msg("Participant kicked")
	return target, nil
}
