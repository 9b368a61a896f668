package monitoring

import (
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is a security-relevant event: mute applied, participant kicked,
// rate-limit trip, auth rejection. Events are advisory; losing one never
// fails the user-facing operation.
type AuditEvent struct {
	Event     string         `json:"event"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditLogger delivers audit events to a background writer so callers never
// block on the sink. The buffer drops on overflow; the drop itself is logged.
type AuditLogger struct {
	logger zerolog.Logger
	events chan AuditEvent
	done   chan struct{}
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	a := &AuditLogger{
		logger: logger.With().Str("component", "audit").Logger(),
		events: make(chan AuditEvent, 256),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AuditLogger) run() {
	defer close(a.done)
	for ev := range a.events {
		a.logger.Info().
			Str("event", ev.Event).
			Time("at", ev.Timestamp).
			Fields(ev.Metadata).
			Msg(ev.Message)
	}
}

// Record enqueues an audit event without blocking.
func (a *AuditLogger) Record(event, message string, metadata map[string]any) {
	ev := AuditEvent{
		Event:     event,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn().Str("event", event).Msg("Audit buffer full, event dropped")
	}
}

// Close flushes buffered events and stops the writer.
func (a *AuditLogger) Close() {
	close(a.events)
	<-a.done
}
