// Package relay forwards text and media between the two participants of
// a session after applying the content policy.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/session"
)

// Kind of payload.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// Payload is one item to forward. Ref identifies a media message held by
// the transport.
type Payload struct {
	Kind Kind
	Text string
	Ref  string
}

// Status of a forward attempt that did not error.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusBlocked   Status = "blocked"
)

// Result of Forward.
type Result struct {
	Status Status
	To     directory.UserID
	Reason string
	Term   string
}

// Sessions resolves a user's current session.
type Sessions interface {
	SessionOf(u directory.UserID) (session.Session, bool)
}

// BanChecker reports the current ban flag of a user.
type BanChecker interface {
	IsBanned(ctx context.Context, id directory.UserID) (bool, error)
}

// Messenger performs the actual delivery.
type Messenger interface {
	SendText(ctx context.Context, to directory.UserID, text string) error
	CopyMedia(ctx context.Context, from, to directory.UserID, ref string) error
}

// Notifier tells the sender about rejected messages.
type Notifier interface {
	Notify(ctx context.Context, to directory.UserID, msgType string, payload interface{}) error
}

// Limiter throttles senders. Allow fails open on backend errors.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Relay forwards payloads between partners.
type Relay struct {
	sessions Sessions
	bans     BanChecker
	msgr     Messenger
	notify   Notifier
	filter   *moderation.Filter
	limiter  Limiter
	evidence *Evidence
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Relay. limiter may be nil to disable throttling.
func New(sessions Sessions, bans BanChecker, msgr Messenger, notify Notifier, filter *moderation.Filter, limiter Limiter, log zerolog.Logger) *Relay {
	return &Relay{
		sessions: sessions,
		bans:     bans,
		msgr:     msgr,
		notify:   notify,
		filter:   filter,
		limiter:  limiter,
		evidence: NewEvidence(),
		log:      log,
		now:      time.Now,
	}
}

// Forward delivers p from the sender to their partner. Policy rejections
// are reported with StatusBlocked and never reach the partner. A delivery
// failure returns a KindDelivery error and leaves the session open.
func (r *Relay) Forward(ctx context.Context, from directory.UserID, p Payload) (Result, error) {
	s, ok := r.sessions.SessionOf(from)
	if !ok {
		return Result{}, errs.ErrNotInChat
	}

	banned, err := r.bans.IsBanned(ctx, from)
	if err != nil {
		return Result{}, errs.DirectoryUnavailable(err)
	}
	if banned {
		return Result{}, errs.ErrBanned
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, from.String())
		if err != nil {
			r.log.Warn().Err(err).Int64("user_id", int64(from)).Msg("rate limiter unavailable")
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("limited").Inc()
			return Result{}, errs.ErrRateLimited
		}
	}

	to := s.Other(from)

	switch p.Kind {
	case KindText:
		if err := ValidateText(p.Text); err != nil {
			return Result{}, errs.Validation("invalid_message", err.Error())
		}
		if verdict := r.filter.Check(p.Text); verdict.Blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			r.log.Debug().
				Int64("user_id", int64(from)).
				Str("reason", verdict.Reason).
				Str("term", verdict.Term).
				Msg("message blocked")

			if err := r.notify.Notify(ctx, from, protocol.TypeMessageBlocked, protocol.MessageBlockedMsg{
				Reason: moderation.Explain(verdict),
				Term:   verdict.Term,
			}); err != nil {
				r.log.Warn().Err(err).Int64("user_id", int64(from)).Msg("notify blocked failed")
			}
			return Result{Status: StatusBlocked, To: to, Reason: verdict.Reason, Term: verdict.Term}, nil
		}
		if err := r.msgr.SendText(ctx, to, p.Text); err != nil {
			return Result{}, r.failed(from, to, err)
		}
		r.evidence.Add(s.ID, Line{From: from, Text: p.Text, At: r.now()})

	case KindMedia:
		if p.Ref == "" {
			return Result{}, errs.Validation("invalid_media", "media reference is empty")
		}
		if err := r.msgr.CopyMedia(ctx, from, to, p.Ref); err != nil {
			return Result{}, r.failed(from, to, err)
		}

	default:
		return Result{}, errs.Validation("invalid_payload", fmt.Sprintf("unknown payload kind %q", p.Kind))
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return Result{Status: StatusDelivered, To: to}, nil
}

// Evidence returns the recent texts of a session formatted for moderators.
func (r *Relay) Evidence(sessionID string) []string {
	lines := r.evidence.Get(sessionID)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.String()
	}
	return out
}

// Forget drops the evidence kept for a session.
func (r *Relay) Forget(sessionID string) {
	r.evidence.Remove(sessionID)
}

func (r *Relay) failed(from, to directory.UserID, err error) error {
	metrics.MessagesTotal.WithLabelValues("failed").Inc()
	r.log.Warn().Err(err).Int64("from", int64(from)).Int64("to", int64(to)).Msg("delivery failed")
	return errs.Delivery(err)
}
