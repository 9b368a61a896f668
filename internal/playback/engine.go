// Package playback holds per-room authority over the playback snapshot.
// Every mutation assigns a fresh sequence number and goes through the
// store's sequence-guarded update, so concurrent commands from different
// instances linearize without any cross-instance lock.
package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"watchsync-server/internal/clock"
	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/store"
	"watchsync-server/internal/types"
)

var (
	// ErrNoPlaybackState is returned by play/pause/seek/set-rate when the
	// room has no snapshot yet; the source-selection path must run first.
	ErrNoPlaybackState = errors.New("no playback state")

	// ErrConflictExceeded is returned when the sequence-guarded update
	// lost the race maxAttempts times in a row.
	ErrConflictExceeded = errors.New("conflict retries exhausted")

	// ErrRateOutOfRange is returned for a rate outside the configured bounds.
	ErrRateOutOfRange = errors.New("playback rate out of range")

	// ErrNegativeSeek is returned for a negative seek target.
	ErrNegativeSeek = errors.New("seek target must be >= 0")
)

// Client-supplied anchor times are accepted but clamped to this window
// around server now, bounding the damage of a misaligned client clock.
const anchorWindowMs = 5000

// maxAttempts bounds the CAS retry loop per command.
const maxAttempts = 3

// Emitter receives the accepted command for room-wide fan-out. The engine
// does not know about sockets or instances.
type Emitter interface {
	EmitSyncCommand(ctx context.Context, cmd *types.SyncCommand)
}

// Config holds engine limits.
type Config struct {
	RateMin float64
	RateMax float64
}

// Engine applies playback commands to room snapshots.
type Engine struct {
	store   *store.Store
	clock   clock.Clock
	emitter Emitter
	cfg     Config
	logger  zerolog.Logger
}

func NewEngine(st *store.Store, clk clock.Clock, emitter Emitter, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.RateMin == 0 {
		cfg.RateMin = 0.1
	}
	if cfg.RateMax == 0 {
		cfg.RateMax = 4.0
	}
	return &Engine{
		store:   st,
		clock:   clk,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "playback").Logger(),
	}
}

// anchorTime resolves the command timestamp: server now when the client
// sent none, otherwise the client time clamped to the accepted window.
func (e *Engine) anchorTime(atServerTimeMs int64) int64 {
	now := e.clock.NowMs()
	if atServerTimeMs <= 0 {
		return now
	}
	if atServerTimeMs < now-anchorWindowMs {
		return now - anchorWindowMs
	}
	if atServerTimeMs > now+anchorWindowMs {
		return now + anchorWindowMs
	}
	return atServerTimeMs
}

// Play resumes playback from the current anchor media position.
func (e *Engine) Play(ctx context.Context, roomID, issuerHandle string, atServerTimeMs int64) (*types.Snapshot, error) {
	at := e.anchorTime(atServerTimeMs)
	return e.mutate(ctx, roomID, types.CommandPlay, issuerHandle, func(cur *types.Snapshot) (*types.Snapshot, *types.SyncCommand, error) {
		next := *cur
		next.IsPlaying = true
		next.AnchorServerTimeMs = at
		cmd := &types.SyncCommand{Type: types.CommandPlay, AtServerTimeMs: at}
		return &next, cmd, nil
	})
}

// Pause freezes the derived media position at the anchor time.
func (e *Engine) Pause(ctx context.Context, roomID, issuerHandle string, atServerTimeMs int64) (*types.Snapshot, error) {
	at := e.anchorTime(atServerTimeMs)
	return e.mutate(ctx, roomID, types.CommandPause, issuerHandle, func(cur *types.Snapshot) (*types.Snapshot, *types.SyncCommand, error) {
		next := *cur
		next.AnchorMediaTimeMs = cur.MediaTimeAt(at)
		next.IsPlaying = false
		next.AnchorServerTimeMs = at
		cmd := &types.SyncCommand{Type: types.CommandPause, AtServerTimeMs: at, TargetMediaMs: next.AnchorMediaTimeMs}
		return &next, cmd, nil
	})
}

// Seek re-anchors the media position. Play/pause state is unchanged.
func (e *Engine) Seek(ctx context.Context, roomID, issuerHandle string, targetMediaMs, atServerTimeMs int64) (*types.Snapshot, error) {
	if targetMediaMs < 0 {
		return nil, ErrNegativeSeek
	}
	at := e.anchorTime(atServerTimeMs)
	return e.mutate(ctx, roomID, types.CommandSeek, issuerHandle, func(cur *types.Snapshot) (*types.Snapshot, *types.SyncCommand, error) {
		next := *cur
		next.AnchorMediaTimeMs = targetMediaMs
		next.AnchorServerTimeMs = at
		cmd := &types.SyncCommand{Type: types.CommandSeek, AtServerTimeMs: at, TargetMediaMs: targetMediaMs}
		return &next, cmd, nil
	})
}

// SetRate recomputes the current position under the old rate, then applies
// the new rate from that anchor. Never retroactive.
func (e *Engine) SetRate(ctx context.Context, roomID, issuerHandle string, rate float64, atServerTimeMs int64) (*types.Snapshot, error) {
	if rate < e.cfg.RateMin || rate > e.cfg.RateMax {
		return nil, fmt.Errorf("%w: %g not in [%g, %g]", ErrRateOutOfRange, rate, e.cfg.RateMin, e.cfg.RateMax)
	}
	at := e.anchorTime(atServerTimeMs)
	return e.mutate(ctx, roomID, types.CommandSetRate, issuerHandle, func(cur *types.Snapshot) (*types.Snapshot, *types.SyncCommand, error) {
		next := *cur
		next.AnchorMediaTimeMs = cur.MediaTimeAt(at)
		next.AnchorServerTimeMs = at
		next.PlaybackRate = rate
		cmd := &types.SyncCommand{Type: types.CommandSetRate, AtServerTimeMs: at, PlaybackRate: rate, TargetMediaMs: next.AnchorMediaTimeMs}
		return &next, cmd, nil
	})
}

// SetSource selects the room's media and creates (or replaces) the
// snapshot: paused at media position zero. This is the only mutation that
// tolerates an absent snapshot.
func (e *Engine) SetSource(ctx context.Context, roomID, issuerHandle string, sourceType types.SourceType, sourceID string) (*types.Snapshot, error) {
	if !sourceType.Valid() || sourceID == "" {
		return nil, fmt.Errorf("%w: bad source", store.ErrInvalidState)
	}
	at := e.clock.NowMs()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		seq, err := e.store.IncrementSequence(ctx, roomID)
		if err != nil {
			return nil, err
		}
		next := &types.Snapshot{
			SourceType:         sourceType,
			SourceID:           sourceID,
			IsPlaying:          false,
			PlaybackRate:       1.0,
			AnchorServerTimeMs: at,
			AnchorMediaTimeMs:  0,
			SequenceNumber:     seq,
		}
		accepted, err := e.store.UpdateSnapshot(ctx, roomID, next)
		if err != nil {
			return nil, err
		}
		if !accepted {
			monitoring.PlaybackConflicts.Inc()
			continue
		}
		cmd := &types.SyncCommand{
			Type:           types.CommandSetSource,
			RoomID:         roomID,
			AtServerTimeMs: at,
			SourceType:     sourceType,
			SourceID:       sourceID,
			SequenceNumber: seq,
			IssuedByHandle: issuerHandle,
		}
		monitoring.PlaybackCommands.WithLabelValues(string(types.CommandSetSource)).Inc()
		e.emitter.EmitSyncCommand(ctx, cmd)
		return next, nil
	}
	monitoring.PlaybackConflictsExceeded.Inc()
	return nil, ErrConflictExceeded
}

// Resync returns the current snapshot to the caller only; no mutation, no
// broadcast. Nil snapshot means no media selected yet.
func (e *Engine) Resync(ctx context.Context, roomID string) (*types.Snapshot, error) {
	return e.store.GetSnapshot(ctx, roomID)
}

// mutate runs the load / increment / build / guarded-write cycle with
// bounded retries. apply receives the current snapshot and returns the next
// one plus the command delta to broadcast; sequence and issuer are filled
// in here.
func (e *Engine) mutate(
	ctx context.Context,
	roomID string,
	cmdType types.CommandType,
	issuerHandle string,
	apply func(cur *types.Snapshot) (*types.Snapshot, *types.SyncCommand, error),
) (*types.Snapshot, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := e.store.GetSnapshot(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, ErrNoPlaybackState
		}

		seq, err := e.store.IncrementSequence(ctx, roomID)
		if err != nil {
			return nil, err
		}

		next, cmd, err := apply(cur)
		if err != nil {
			return nil, err
		}
		next.SequenceNumber = seq

		accepted, err := e.store.UpdateSnapshot(ctx, roomID, next)
		if err != nil {
			return nil, err
		}
		if !accepted {
			// Lost the race; reload and rebuild against the winner.
			monitoring.PlaybackConflicts.Inc()
			e.logger.Debug().
				Str("room_id", roomID).
				Str("command", string(cmdType)).
				Uint64("sequence", seq).
				Int("attempt", attempt+1).
				Msg("Snapshot update rejected by sequence guard, retrying")
			continue
		}

		cmd.RoomID = roomID
		cmd.SequenceNumber = seq
		cmd.IssuedByHandle = issuerHandle
		monitoring.PlaybackCommands.WithLabelValues(string(cmdType)).Inc()
		e.emitter.EmitSyncCommand(ctx, cmd)

		e.logger.Debug().
			Str("room_id", roomID).
			Str("command", string(cmdType)).
			Uint64("sequence", seq).
			Int64("at_server_time", cmd.AtServerTimeMs).
			Msg("Playback command accepted")
		return next, nil
	}

	monitoring.PlaybackConflictsExceeded.Inc()
	return nil, ErrConflictExceeded
}
