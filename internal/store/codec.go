package store

import (
	"encoding/json"
	"fmt"

	"watchsync-server/internal/types"
)

// Snapshots are validated on both write and read. A payload that fails
// validation is never returned to an engine and never written.

func (s *Store) encodeSnapshot(roomID string, snap *types.Snapshot) ([]byte, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: empty room id", ErrInvalidState)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidState)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &snap, nil
}
