// Package rating collects post-session feedback and suspends users whose
// scam reports reach the configured threshold.
package rating

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/report"
)

const (
	// DefaultThreshold is the number of scam reports that bans a user.
	DefaultThreshold = 3

	// DefaultPendingTTL is how long a rating prompt stays answerable.
	DefaultPendingTTL = 24 * time.Hour
)

var choices = []string{
	string(directory.RatingGood),
	string(directory.RatingBad),
	string(directory.RatingScam),
}

// Disconnector forcibly ends a user's queue entry and session.
type Disconnector interface {
	Disconnect(ctx context.Context, u directory.UserID) bool
}

// EvidenceSource returns the recent texts of a session.
type EvidenceSource interface {
	Evidence(sessionID string) []string
}

// Notifier delivers notices to users and admins.
type Notifier interface {
	Notify(ctx context.Context, to directory.UserID, msgType string, payload interface{}) error
}

// Options configure a Loop.
type Options struct {
	Threshold int
	Admins    []directory.UserID

	// PendingTTL bounds how long a rating prompt can be answered.
	// Unanswered prompts are dropped by Sweep.
	PendingTTL time.Duration

	// Archive stores scam reports with their evidence. Optional.
	Archive report.Archive

	Logger zerolog.Logger
}

// Outcome of Submit.
type Outcome struct {
	Kind      directory.RatingKind
	ScamCount int
	Banned    bool
}

type pendingKey struct {
	rater, target directory.UserID
}

type pending struct {
	sessionID string
	evidence  []string
	expires   time.Time
}

// Loop tracks which ratings may still be submitted and escalates scam
// reports.
type Loop struct {
	dir      directory.Directory
	engine   Disconnector
	evidence EvidenceSource
	notify   Notifier
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[pendingKey]pending
}

func NewLoop(dir directory.Directory, engine Disconnector, evidence EvidenceSource, notify Notifier, opts Options) *Loop {
	if opts.Threshold < 1 {
		opts.Threshold = DefaultThreshold
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	return &Loop{
		dir:      dir,
		engine:   engine,
		evidence: evidence,
		notify:   notify,
		opts:     opts,
		log:      opts.Logger,
		now:      time.Now,
		pending:  make(map[pendingKey]pending),
	}
}

// Expect is registered as a session end hook. It opens one rating per
// direction and prompts both former participants. A user removed by a
// disconnect (ban) is not prompted.
func (l *Loop) Expect(ctx context.Context, end matching.SessionEnd) {
	s := end.Session
	var snapshot []string
	if l.evidence != nil {
		snapshot = l.evidence.Evidence(s.ID)
	}

	expires := l.now().Add(l.opts.PendingTTL)

	for _, rater := range []directory.UserID{s.A, s.B} {
		if end.Reason == matching.EndDisconnect && rater == end.By {
			continue
		}
		target := s.Other(rater)

		l.mu.Lock()
		l.pending[pendingKey{rater: rater, target: target}] = pending{sessionID: s.ID, evidence: snapshot, expires: expires}
		metrics.PendingRatings.Set(float64(len(l.pending)))
		l.mu.Unlock()

		if err := l.notify.Notify(ctx, rater, protocol.TypeRatePrompt, protocol.RatePromptMsg{
			SessionID: s.ID,
			Target:    int64(target),
			Choices:   choices,
		}); err != nil {
			l.log.Warn().Err(err).Int64("user_id", int64(rater)).Msg("rate prompt failed")
		}
	}
}

// isPending reports whether rater may still rate target.
func (l *Loop) isPending(rater, target directory.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[pendingKey{rater: rater, target: target}]
	return ok && l.now().Before(p.expires)
}

// StartCleanup drops expired rating prompts on every tick until ctx is
// cancelled.
func (l *Loop) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				l.log.Debug().Int("expired", n).Msg("rating prompts expired")
			}
		}
	}
}

// Sweep drops every rating prompt that expired before now and returns how
// many were dropped.
func (l *Loop) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, p := range l.pending {
		if !now.Before(p.expires) {
			delete(l.pending, k)
			n++
		}
	}
	metrics.PendingRatings.Set(float64(len(l.pending)))
	return n
}

// Submit records a rating for a session that just ended. A scam report
// recounts the target's reports, alerts the admins and bans the target
// once the threshold is reached. The count covers every scam report, so
// one rater re-matched with the same target can file several. Targets
// that are already banned or no longer registered only get the rating
// recorded.
func (l *Loop) Submit(ctx context.Context, rater, target directory.UserID, kind directory.RatingKind) (Outcome, error) {
	key := pendingKey{rater: rater, target: target}

	l.mu.Lock()
	p, ok := l.pending[key]
	delete(l.pending, key)
	metrics.PendingRatings.Set(float64(len(l.pending)))
	l.mu.Unlock()
	if !ok || !l.now().Before(p.expires) {
		return Outcome{}, errs.ErrNoPendingRating
	}

	if err := l.dir.AddRating(ctx, rater, target, kind); err != nil {
		l.mu.Lock()
		if _, taken := l.pending[key]; !taken {
			l.pending[key] = p
			metrics.PendingRatings.Set(float64(len(l.pending)))
		}
		l.mu.Unlock()
		return Outcome{}, errs.DirectoryUnavailable(err)
	}

	metrics.RatingsTotal.WithLabelValues(string(kind)).Inc()
	l.send(ctx, rater, protocol.TypeRated, protocol.RatedMsg{Kind: string(kind)})

	out := Outcome{Kind: kind}
	if kind != directory.RatingScam {
		return out, nil
	}

	profile, err := l.dir.GetProfile(ctx, target)
	if err != nil {
		l.log.Error().Err(err).Int64("target", int64(target)).Msg("scam escalation skipped, directory unavailable")
		return out, nil
	}
	if profile == nil || profile.IsBanned {
		return out, nil
	}

	count, err := l.dir.ScamCount(ctx, target)
	if err != nil {
		l.log.Error().Err(err).Int64("target", int64(target)).Msg("scam escalation skipped, count failed")
		return out, nil
	}
	out.ScamCount = count

	if l.opts.Archive != nil {
		if err := l.opts.Archive.Create(ctx, &report.Report{
			Reporter:  rater,
			Target:    target,
			SessionID: p.sessionID,
			Evidence:  p.evidence,
		}); err != nil {
			l.log.Warn().Err(err).Int64("target", int64(target)).Msg("archive scam report failed")
		}
	}

	if count >= l.opts.Threshold {
		out.Banned = l.ban(ctx, target)
	}

	l.log.Info().
		Int64("target", int64(target)).
		Int64("reporter", int64(rater)).
		Int("count", count).
		Bool("banned", out.Banned).
		Msg("scam report")

	alert := protocol.AdminAlertMsg{
		Target:    int64(target),
		Reporter:  int64(rater),
		Count:     count,
		Threshold: l.opts.Threshold,
		Banned:    out.Banned,
		Evidence:  p.evidence,
	}
	for _, admin := range l.opts.Admins {
		l.send(ctx, admin, protocol.TypeAdminAlert, alert)
	}
	return out, nil
}

// ban suspends target and removes them from matching. It reports whether
// the ban was applied.
func (l *Loop) ban(ctx context.Context, target directory.UserID) bool {
	if err := l.dir.Ban(ctx, target); err != nil {
		l.log.Error().Err(err).Int64("target", int64(target)).Msg("auto-ban failed")
		return false
	}
	metrics.AutoBansTotal.Inc()
	l.engine.Disconnect(ctx, target)
	l.send(ctx, target, protocol.TypeBanned, protocol.BannedMsg{Reason: "too many scam reports"})
	return true
}

func (l *Loop) send(ctx context.Context, to directory.UserID, msgType string, payload interface{}) {
	if err := l.notify.Notify(ctx, to, msgType, payload); err != nil {
		l.log.Warn().Err(err).Int64("user_id", int64(to)).Str("type", msgType).Msg("notify failed")
	}
}
