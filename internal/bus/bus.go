// Package bus fans room events out across server instances over NATS. One
// subject per room, named identically to the store's pub/sub channel.
// Delivery is at-least-once and unordered; consumers rely on the snapshot
// sequence number, never on arrival order. When NATS is unavailable the
// server degrades to single-instance fan-out instead of crashing.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"watchsync-server/internal/monitoring"
)

// Envelope is the cross-instance message. Origin carries the publishing
// instance id so a subscriber can skip messages it already delivered
// locally. Target, when set, addresses a single participant handle
// (voice signaling); otherwise the event is for the whole room.
type Envelope struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"room_id"`
	Event  string          `json:"event"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Subscription is a handle for tearing down a room subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the cross-instance fan-out. Publish and Subscribe must be safe for
// concurrent use.
type Bus interface {
	Publish(env *Envelope) error
	Subscribe(roomID string, handler func(*Envelope)) (Subscription, error)
	Connected() bool
	Close()
}

// Config holds NATS connection configuration.
type Config struct {
	URL    string
	Prefix string // key prefix shared with the state store
}

// NATSBus is the production Bus backed by a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// Connect dials NATS with reconnect handling. The returned bus keeps
// working across broker restarts; while disconnected, publishes fail and
// the caller's local fan-out still runs.
func Connect(cfg Config, logger zerolog.Logger) (*NATSBus, error) {
	log := logger.With().Str("component", "bus").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, time.Second),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Event bus disconnected, degrading to single-instance fan-out")
			monitoring.BusConnected.Set(0)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Event bus reconnected")
			monitoring.BusConnected.Set(1)
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("Event bus error")
			monitoring.BusErrors.Inc()
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to event bus")
	monitoring.BusConnected.Set(1)

	return &NATSBus{conn: conn, prefix: cfg.Prefix, logger: log}, nil
}

// subject mirrors the state store's events channel name for the room.
func (b *NATSBus) subject(roomID string) string {
	return fmt.Sprintf("%s:room:%s:events", b.prefix, roomID)
}

func (b *NATSBus) Publish(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.conn.Publish(b.subject(env.RoomID), data); err != nil {
		monitoring.BusErrors.Inc()
		return fmt.Errorf("publish to %s: %w", b.subject(env.RoomID), err)
	}
	monitoring.BusPublished.Inc()
	return nil
}

func (b *NATSBus) Subscribe(roomID string, handler func(*Envelope)) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(roomID), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed bus message")
			return
		}
		monitoring.BusReceived.Inc()
		handler(&env)
	})
	if err != nil {
		monitoring.BusErrors.Inc()
		return nil, fmt.Errorf("subscribe to %s: %w", b.subject(roomID), err)
	}
	return sub, nil
}

func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Close()
		monitoring.BusConnected.Set(0)
		b.logger.Info().Msg("Event bus connection closed")
	}
}

// NoopBus is used when no bus is configured or the initial connect fails:
// single-instance deployments work unchanged, publishes succeed silently.
type NoopBus struct{}

func (NoopBus) Publish(*Envelope) error { return nil }

func (NoopBus) Subscribe(string, func(*Envelope)) (Subscription, error) {
	return noopSubscription{}, nil
}

func (NoopBus) Connected() bool { return false }
func (NoopBus) Close()          {}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }

// LocalBus loops published envelopes back to local subscribers. Tests use it
// to exercise multi-instance paths in-process.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string][]*localSub
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]*localSub)}
}

type localSub struct {
	bus     *LocalBus
	roomID  string
	handler func(*Envelope)
}

func (l *localSub) Unsubscribe() error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	subs := l.bus.subs[l.roomID]
	for i, s := range subs {
		if s == l {
			l.bus.subs[l.roomID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (b *LocalBus) Publish(env *Envelope) error {
	b.mu.RLock()
	subs := append([]*localSub(nil), b.subs[env.RoomID]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(roomID string, handler func(*Envelope)) (Subscription, error) {
	sub := &localSub{bus: b, roomID: roomID, handler: handler}
	b.mu.Lock()
	b.subs[roomID] = append(b.subs[roomID], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *LocalBus) Connected() bool { return true }
func (b *LocalBus) Close()          {}
