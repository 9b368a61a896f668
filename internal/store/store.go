// Package store is the typed wrapper over Redis that owns all persisted
// room-scoped state: the playback snapshot, membership sets, the sequence
// counter, and moderation records. Engines borrow entities through it; no
// other package touches Redis directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"watchsync-server/internal/types"
)

// ErrInvalidState marks a stored payload that failed validation, on read or
// write. It is a hard failure: the caller must not act on the value.
var ErrInvalidState = errors.New("invalid state")

// opTimeout bounds every Redis call. Expiry surfaces as a transient error
// that idempotent callers retry at a higher layer.
const opTimeout = 2 * time.Second

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix scopes every key so multiple deployments can share a server.
	Prefix string

	// StateTTL is applied to room-scoped keys and refreshed on every write.
	StateTTL time.Duration
}

// Store is the typed state-store handle shared by all engines.
type Store struct {
	client   *redis.Client
	logger   zerolog.Logger
	prefix   string
	stateTTL time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("prefix", cfg.Prefix).
		Msg("Connected to state store")

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Store {
	ttl := cfg.StateTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client:   client,
		logger:   logger.With().Str("component", "store").Logger(),
		prefix:   cfg.Prefix,
		stateTTL: ttl,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// StateTTL returns the configured room-state TTL.
func (s *Store) StateTTL() time.Duration {
	return s.stateTTL
}

// HealthCheck pings the backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetSnapshot loads the room's playback snapshot. Returns (nil, nil) when no
// media has been selected yet; ErrInvalidState when the stored payload does
// not validate.
func (s *Store) GetSnapshot(ctx context.Context, roomID string) (*types.Snapshot, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: empty room id", ErrInvalidState)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.keyPlayback(roomID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SetSnapshot validates and writes the snapshot unconditionally, refreshing
// the TTL. Use UpdateSnapshot for the sequence-guarded path; this exists for
// the source-selection path that creates the first snapshot and for tooling.
func (s *Store) SetSnapshot(ctx context.Context, roomID string, snap *types.Snapshot) error {
	data, err := s.encodeSnapshot(roomID, snap)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.keyPlayback(roomID), data, s.stateTTL).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// UpdateSnapshot writes the snapshot iff its sequence number is strictly
// greater than the stored one (or none is stored). The check-and-set runs
// under WATCH so two instances racing on the same room cannot both win.
// Returns false, without side effects, when the update loses.
func (s *Store) UpdateSnapshot(ctx context.Context, roomID string, snap *types.Snapshot) (bool, error) {
	data, err := s.encodeSnapshot(roomID, snap)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keyPlayback(roomID)
	accepted := false

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err != redis.Nil {
			cur, derr := decodeSnapshot(current)
			if derr != nil {
				return derr
			}
			if snap.SequenceNumber <= cur.SequenceNumber {
				// Stale writer; give up inside the transaction so no
				// write happens.
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.stateTTL)
			return nil
		})
		if err == nil {
			accepted = true
		}
		return err
	}

	err = s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		// Key changed under us; the concurrent writer won.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update snapshot: %w", err)
	}
	return accepted, nil
}

// IncrementSequence atomically increments the room's sequence counter and
// returns the new value. The TTL is attached when the counter is created.
func (s *Store) IncrementSequence(ctx context.Context, roomID string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keySequence(roomID)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment sequence: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, s.stateTTL).Err(); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Failed to set sequence TTL")
		}
	}
	return uint64(n), nil
}

// CurrentSequence reads the counter without incrementing; 0 when absent.
func (s *Store) CurrentSequence(ctx context.Context, roomID string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Get(ctx, s.keySequence(roomID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sequence: %w", err)
	}
	return n, nil
}

// ClearRoom deletes every key the room owns. Idempotent: clearing an already
// cleared room is a no-op.
func (s *Store) ClearRoom(ctx context.Context, roomID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, s.roomPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan room keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	s.logger.Debug().Str("room_id", roomID).Int("keys", len(keys)).Msg("Room state cleared")
	return nil
}
