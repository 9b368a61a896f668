// Package chat validates, moderates, and fans out room chat plus the
// server-generated system notices.
package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/protocol"
	"watchsync-server/internal/store"
	"watchsync-server/internal/types"
)

// maxMessageLen bounds chat message content, counted in characters rather
// than bytes so multibyte text gets the full budget.
const maxMessageLen = 1000

// Sender fans chat events out to the room or back to a single handle.
type Sender interface {
	BroadcastChat(ctx context.Context, roomID, event string, data any)
	SendToHandle(ctx context.Context, roomID, handle, event string, data any) bool
}

// Config holds the sliding-window chat limit.
type Config struct {
	RateWindow time.Duration
	RateMax    int
}

// Pipeline is the chat message path: permission, mute, rate limit, fan-out.
type Pipeline struct {
	store  *store.Store
	sender Sender
	audit  *monitoring.AuditLogger
	cfg    Config
	logger zerolog.Logger
}

func NewPipeline(st *store.Store, sender Sender, audit *monitoring.AuditLogger, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateMax == 0 {
		cfg.RateMax = 30
	}
	return &Pipeline{
		store:  st,
		sender: sender,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With().Str("component", "chat").Logger(),
	}
}

// OutboundMessage is the chat:message payload delivered to the room.
type OutboundMessage struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
}

// Notice is the system:notice payload.
type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Send runs the full message pipeline for one inbound chat message.
// Shadow-muted senders get the message echoed back to themselves only, with
// no indication that nobody else saw it.
func (p *Pipeline) Send(ctx context.Context, roomID string, sender types.Participant, body string) error {
	body = strings.TrimSpace(body)
	if body == "" || utf8.RuneCountInString(body) > maxMessageLen {
		return protocol.NewError(protocol.CodeValidationError, "message must be 1..%d characters", maxMessageLen)
	}
	if sender.Role == types.RoleGuest {
		return protocol.NewError(protocol.CodeGuestCannotChat, "guests cannot send chat messages")
	}

	if mute, err := p.store.GetMute(ctx, roomID, sender.UserID); err != nil {
		return err
	} else if mute != nil {
		return protocol.NewError(protocol.CodeForbidden, "you are muted until %s", mute.Until.UTC().Format(time.RFC3339))
	}

	ok, err := p.store.AllowChat(ctx, roomID, sender.Handle, p.cfg.RateWindow, p.cfg.RateMax)
	if err != nil {
		return err
	}
	if !ok {
		monitoring.RateLimitedEvents.WithLabelValues("chat").Inc()
		return protocol.NewError(protocol.CodeRateLimitExceeded, "too many messages, slow down")
	}

	msg := OutboundMessage{
		ID:          uuid.NewString(),
		Handle:      sender.Handle,
		DisplayName: sender.DisplayName,
		Body:        body,
		SentAt:      time.Now().UTC(),
	}

	shadowed, err := p.store.IsShadowMuted(ctx, roomID, sender.UserID)
	if err != nil {
		return err
	}
	if shadowed {
		p.sender.SendToHandle(ctx, roomID, sender.Handle, protocol.EventChatMessage, msg)
		p.logger.Debug().Str("room_id", roomID).Str("handle", sender.Handle).Msg("Shadow-muted message suppressed")
		return nil
	}

	p.sender.BroadcastChat(ctx, roomID, protocol.EventChatMessage, msg)
	p.audit.Record("chat_message", "chat message delivered", map[string]any{
		"room_id": roomID,
		"handle":  sender.Handle,
		"length":  len(body),
	})
	return nil
}

// SystemNotice broadcasts a server-generated notice to the room. Used for
// join/leave announcements and playback-change summaries.
func (p *Pipeline) SystemNotice(ctx context.Context, roomID, kind, message string) {
	p.sender.BroadcastChat(ctx, roomID, protocol.EventSystemNotice, Notice{
		Kind:    kind,
		Message: message,
		At:      time.Now().UTC(),
	})
}

// Mute records a timed mute; owner-only, registered users only.
func (p *Pipeline) Mute(ctx context.Context, roomID string, muter types.Participant, target types.Participant, d time.Duration, reason string) error {
	if muter.Role != types.RoleOwner {
		return protocol.NewError(protocol.CodeForbidden, "only the owner can mute")
	}
	if target.UserID == "" {
		return protocol.NewError(protocol.CodeValidationError, "guests cannot be muted; kick them instead")
	}
	if d <= 0 {
		return protocol.NewError(protocol.CodeValidationError, "mute duration must be positive")
	}
	rec := types.MuteRecord{
		UserID:  target.UserID,
		MutedBy: muter.Handle,
		Reason:  reason,
		Until:   time.Now().Add(d).UTC(),
	}
	if err := p.store.SetMute(ctx, roomID, rec); err != nil {
		return err
	}
	p.audit.Record("mute", "participant muted", map[string]any{
		"room_id":  roomID,
		"target":   target.Handle,
		"muted_by": muter.Handle,
		"until":    rec.Until,
	})
	return nil
}

// ShadowMute toggles silent suppression for a registered user. Owner-only.
func (p *Pipeline) ShadowMute(ctx context.Context, roomID string, muter types.Participant, target types.Participant, on bool) error {
	if muter.Role != types.RoleOwner {
		return protocol.NewError(protocol.CodeForbidden, "only the owner can shadow-mute")
	}
	if target.UserID == "" {
		return protocol.NewError(protocol.CodeValidationError, "guests cannot be shadow-muted")
	}
	var err error
	if on {
		err = p.store.AddShadowMute(ctx, roomID, target.UserID)
	} else {
		err = p.store.RemoveShadowMute(ctx, roomID, target.UserID)
	}
	if err != nil {
		return err
	}
	p.audit.Record("shadow_mute", "shadow mute toggled", map[string]any{
		"room_id": roomID,
		"target":  target.Handle,
		"on":      on,
	})
	return nil
}
