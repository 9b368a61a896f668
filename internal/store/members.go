package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"watchsync-server/internal/types"
)

// Participant set. Keyed by handle in a hash so duplicate adds are no-ops
// and removal commutes with additions of other handles.

// AddParticipant records a membership. Adding the same handle twice
// overwrites in place, which is the required no-op semantics.
func (s *Store) AddParticipant(ctx context.Context, roomID string, p types.Participant) error {
	if p.Handle == "" {
		return fmt.Errorf("%w: empty participant handle", ErrInvalidState)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyParticipants(roomID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, p.Handle, data)
	pipe.Expire(ctx, key, s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// capAttempts bounds the optimistic-lock retries in AddParticipantCapped.
// A room holds at most five members, so contention drains within a couple
// of rounds.
const capAttempts = 8

// AddParticipantCapped records a membership only while the room holds fewer
// than capacity members. The count-and-insert runs under WATCH on the
// participants hash, so of two joins racing for the last seat exactly one
// wins; the loser sees false. The handle must be new to the room.
func (s *Store) AddParticipantCapped(ctx context.Context, roomID string, p types.Participant, capacity int) (bool, error) {
	if p.Handle == "" {
		return false, fmt.Errorf("%w: empty participant handle", ErrInvalidState)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("marshal participant: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyParticipants(roomID)
	admitted := false

	txn := func(tx *redis.Tx) error {
		n, err := tx.HLen(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if n >= int64(capacity) {
			// Full; give up inside the transaction so no write happens.
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, p.Handle, data)
			pipe.Expire(ctx, key, s.stateTTL)
			return nil
		})
		if err == nil {
			admitted = true
		}
		return err
	}

	for attempt := 0; attempt < capAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			// Membership changed under us; re-read the count and retry.
			continue
		}
		if err != nil {
			return false, fmt.Errorf("add participant capped: %w", err)
		}
		return admitted, nil
	}
	return false, fmt.Errorf("add participant capped: room %s membership too contended", roomID)
}

// RemoveParticipant deletes a membership by handle. Removing an absent
// handle is a no-op.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, handle string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.HDel(ctx, s.keyParticipants(roomID), handle).Err(); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// GetParticipant returns the membership for a handle, or nil when absent.
func (s *Store) GetParticipant(ctx context.Context, roomID, handle string) (*types.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.HGet(ctx, s.keyParticipants(roomID), handle).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	var p types.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &p, nil
}

// ListParticipants returns all memberships for the room.
func (s *Store) ListParticipants(ctx context.Context, roomID string) ([]types.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vals, err := s.client.HVals(ctx, s.keyParticipants(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]types.Participant, 0, len(vals))
	for _, v := range vals {
		var p types.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ParticipantCount returns the size of the membership set.
func (s *Store) ParticipantCount(ctx context.Context, roomID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.HLen(ctx, s.keyParticipants(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("participant count: %w", err)
	}
	return int(n), nil
}

// FindParticipantByUserID scans the membership set for a user id. A user id
// appears at most once per room, so the first hit is the only hit.
func (s *Store) FindParticipantByUserID(ctx context.Context, roomID, userID string) (*types.Participant, error) {
	if userID == "" {
		return nil, nil
	}
	participants, err := s.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for i := range participants {
		if participants[i].UserID == userID {
			return &participants[i], nil
		}
	}
	return nil, nil
}

// Online socket set. Plain set operations; additions are commutative.

func (s *Store) AddOnlineSocket(ctx context.Context, roomID, socketID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyOnline(roomID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, socketID)
	pipe.Expire(ctx, key, s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add online socket: %w", err)
	}
	return nil
}

func (s *Store) RemoveOnlineSocket(ctx context.Context, roomID, socketID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, s.keyOnline(roomID), socketID).Err(); err != nil {
		return fmt.Errorf("remove online socket: %w", err)
	}
	return nil
}

func (s *Store) OnlineCount(ctx context.Context, roomID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.SCard(ctx, s.keyOnline(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("online count: %w", err)
	}
	return int(n), nil
}

// Voice peer roster. Hash keyed by handle, like the participant set.

func (s *Store) AddVoicePeer(ctx context.Context, roomID string, peer types.VoicePeer) error {
	if peer.Handle == "" {
		return fmt.Errorf("%w: empty voice peer handle", ErrInvalidState)
	}
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal voice peer: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyVoicePeers(roomID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, peer.Handle, data)
	pipe.Expire(ctx, key, s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add voice peer: %w", err)
	}
	return nil
}

func (s *Store) RemoveVoicePeer(ctx context.Context, roomID, handle string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.HDel(ctx, s.keyVoicePeers(roomID), handle).Err(); err != nil {
		return fmt.Errorf("remove voice peer: %w", err)
	}
	return nil
}

func (s *Store) GetVoicePeer(ctx context.Context, roomID, handle string) (*types.VoicePeer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.HGet(ctx, s.keyVoicePeers(roomID), handle).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voice peer: %w", err)
	}
	var peer types.VoicePeer
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &peer, nil
}

func (s *Store) ListVoicePeers(ctx context.Context, roomID string) ([]types.VoicePeer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vals, err := s.client.HVals(ctx, s.keyVoicePeers(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list voice peers: %w", err)
	}
	out := make([]types.VoicePeer, 0, len(vals))
	for _, v := range vals {
		var peer types.VoicePeer
		if err := json.Unmarshal([]byte(v), &peer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		out = append(out, peer)
	}
	return out, nil
}
