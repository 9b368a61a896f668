package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"watchsync-server/internal/types"
)

// Mute records expire with their own TTL; an absent key means not muted.

// SetMute stores a mute record for the remainder of its duration. A record
// whose Until is already past is a no-op.
func (s *Store) SetMute(ctx context.Context, roomID string, rec types.MuteRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("%w: empty user id in mute record", ErrInvalidState)
	}
	remaining := time.Until(rec.Until)
	if remaining <= 0 {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mute record: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.keyMute(roomID, rec.UserID), data, remaining).Err(); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	return nil
}

// GetMute returns the active mute record for a user, or nil when not muted.
func (s *Store) GetMute(ctx context.Context, roomID, userID string) (*types.MuteRecord, error) {
	if userID == "" {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.keyMute(roomID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mute: %w", err)
	}
	var rec types.MuteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &rec, nil
}

// Shadow mute set: members' chat is echoed back to them only.

func (s *Store) AddShadowMute(ctx context.Context, roomID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyShadowMuted(roomID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add shadow mute: %w", err)
	}
	return nil
}

func (s *Store) RemoveShadowMute(ctx context.Context, roomID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, s.keyShadowMuted(roomID), userID).Err(); err != nil {
		return fmt.Errorf("remove shadow mute: %w", err)
	}
	return nil
}

func (s *Store) IsShadowMuted(ctx context.Context, roomID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.SIsMember(ctx, s.keyShadowMuted(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("is shadow muted: %w", err)
	}
	return ok, nil
}
