package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"watchsync-server/internal/types"
)

// ErrRoomNotFound is returned by a RoomDirectory when no room exists for a
// code. Expired rooms are reported the same way by the session engine.
var ErrRoomNotFound = errors.New("room not found")

// RoomDirectory is the interface to the external room CRUD service. The
// coordinator never owns room records; it reads them to admit joins and
// mirrors membership changes back so dashboards stay accurate.
type RoomDirectory interface {
	// RoomByCode resolves a room code. Returns ErrRoomNotFound when absent.
	RoomByCode(ctx context.Context, code string) (*types.Room, error)

	// CheckPassword verifies a cleartext password against the room's hash.
	// Hashing lives with the CRUD service.
	CheckPassword(ctx context.Context, room *types.Room, password string) (bool, error)

	// CreateParticipant persists a membership row.
	CreateParticipant(ctx context.Context, roomID string, p types.Participant) error

	// DeleteParticipant removes a membership row. Deleting an absent row
	// must be a no-op.
	DeleteParticipant(ctx context.Context, roomID, handle string) error
}

// MemoryDirectory is an in-process RoomDirectory for development and tests.
type MemoryDirectory struct {
	mu           sync.RWMutex
	rooms        map[string]*types.Room // by code
	participants map[string]map[string]types.Participant
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		rooms:        make(map[string]*types.Room),
		participants: make(map[string]map[string]types.Participant),
	}
}

// PutRoom registers a room record.
func (d *MemoryDirectory) PutRoom(room *types.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room.Code] = room
}

func (d *MemoryDirectory) RoomByCode(_ context.Context, code string) (*types.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *room
	return &cp, nil
}

// CheckPassword compares verbatim; the in-memory directory stores the
// cleartext in PasswordHash. Production directories hash.
func (d *MemoryDirectory) CheckPassword(_ context.Context, room *types.Room, password string) (bool, error) {
	return room.PasswordHash == password, nil
}

func (d *MemoryDirectory) CreateParticipant(_ context.Context, roomID string, p types.Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.participants[roomID] == nil {
		d.participants[roomID] = make(map[string]types.Participant)
	}
	d.participants[roomID][p.Handle] = p
	return nil
}

func (d *MemoryDirectory) DeleteParticipant(_ context.Context, roomID, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.participants[roomID], handle)
	return nil
}

// ExpireRoom marks a room expired as of now. Test helper.
func (d *MemoryDirectory) ExpireRoom(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room, ok := d.rooms[code]; ok {
		room.ExpiresAt = time.Now().Add(-time.Second)
	}
}
