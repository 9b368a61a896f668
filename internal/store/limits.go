package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// chatEntrySeq disambiguates sorted-set members recorded within the same
// millisecond.
var chatEntrySeq atomic.Uint64

// AllowCommand enforces the per-(room, handle) playback-command cap: at most
// maxPerSec commands inside the 1-second counter window. The counter key
// carries its own 1s TTL so the window slides without cleanup.
func (s *Store) AllowCommand(ctx context.Context, roomID, handle string, maxPerSec int) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyRateLimit(roomID, handle)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("command rate limit: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, time.Second).Err(); err != nil {
			return false, fmt.Errorf("command rate limit ttl: %w", err)
		}
	}
	return n <= int64(maxPerSec), nil
}

// AllowChat enforces the per-sender sliding chat window: at most max
// messages inside the trailing window. Timestamps live in a sorted set
// scored by send time; entries older than the window are trimmed on every
// call.
func (s *Store) AllowChat(ctx context.Context, roomID, handle string, window time.Duration, max int) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyChatLimit(roomID, handle)
	now := time.Now().UnixMilli()
	cutoff := now - window.Milliseconds()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("chat rate limit: %w", err)
	}

	if card.Val() >= int64(max) {
		return false, nil
	}

	member := fmt.Sprintf("%d-%d", now, chatEntrySeq.Add(1))
	pipe = s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("chat rate limit record: %w", err)
	}
	return true, nil
}
