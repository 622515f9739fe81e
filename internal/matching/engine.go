package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/preference"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/session"
)

// Status is the state a pairing operation left the caller in.
type Status string

const (
	StatusNeedPreference  Status = "need_preference"
	StatusSearching       Status = "searching"
	StatusPaired          Status = "paired"
	StatusSearchCancelled Status = "search_cancelled"
	StatusChatEnded       Status = "chat_ended"
)

// Outcome describes the result of a pairing operation.
type Outcome struct {
	Status  Status
	Session session.Session // set for StatusPaired and StatusChatEnded
	Partner directory.UserID

	// Fallback is set when a VIP target gender could not be honored and a
	// random partner was used instead.
	Fallback bool
}

// EndReason says why a session ended.
type EndReason string

const (
	EndStop       EndReason = "stop"
	EndNext       EndReason = "next"
	EndDisconnect EndReason = "disconnect"
)

// SessionEnd is passed to end hooks.
type SessionEnd struct {
	Session session.Session
	By      directory.UserID
	Reason  EndReason
	At      time.Time
}

// Notifier delivers notices to users. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, to directory.UserID, msgType string, payload interface{}) error
}

// Options tune an Engine.
type Options struct {
	// PreferenceTimeout is advertised in the VIP prompt and enforced by
	// the cleanup loop. Zero waits forever.
	PreferenceTimeout time.Duration

	// SearchTimeout removes queued searchers after this long. Zero waits
	// until the user cancels.
	SearchTimeout time.Duration

	Logger zerolog.Logger
}

// Engine pairs searchers. It owns the queue and the session registry and
// serializes every change to them with a single mutex. Directory lookups
// and notifications always happen outside that lock.
type Engine struct {
	mu         sync.Mutex
	queue      *Queue
	sessions   *session.Registry
	startHooks []func(context.Context, session.Session)
	endHooks   []func(context.Context, SessionEnd)

	dir    directory.Directory
	prefs  *preference.Resolver
	notify Notifier
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine with an empty queue and registry.
func NewEngine(dir directory.Directory, prefs *preference.Resolver, notify Notifier, opts Options) *Engine {
	return &Engine{
		queue:    NewQueue(),
		sessions: session.NewRegistry(),
		dir:      dir,
		prefs:    prefs,
		notify:   notify,
		opts:     opts,
		log:      opts.Logger,
		now:      time.Now,
	}
}

// OnSessionStart registers fn to run after every successful pairing.
func (e *Engine) OnSessionStart(fn func(context.Context, session.Session)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startHooks = append(e.startHooks, fn)
}

// OnSessionEnd registers fn to run after every ended session.
func (e *Engine) OnSessionEnd(fn func(context.Context, SessionEnd)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endHooks = append(e.endHooks, fn)
}

// Search pairs u with a waiting searcher or puts u in the queue.
func (e *Engine) Search(ctx context.Context, u directory.UserID) (Outcome, error) {
	p, err := e.profile(ctx, u)
	if err != nil {
		return Outcome{}, err
	}
	if p.IsBanned {
		return Outcome{}, errs.ErrBanned
	}
	if err := e.checkFree(u); err != nil {
		return Outcome{}, err
	}

	if p.IsVIP {
		if _, ok := e.prefs.Get(u); !ok {
			// A repeated search re-sends the prompt but keeps its deadline.
			if !e.prefs.Prompted(u) {
				e.prefs.MarkPrompted(u, e.now())
			}
			e.send(ctx, u, protocol.TypeNeedPreference, protocol.NeedPreferenceMsg{
				Choices: []string{string(preference.Male), string(preference.Female), string(preference.Any)},
				Timeout: int(e.opts.PreferenceTimeout / time.Second),
			})
			return Outcome{Status: StatusNeedPreference}, nil
		}
	}

	target := e.prefs.Effective(p)
	want, targeted := target.Gender()

	var genders map[directory.UserID]directory.Gender
	if targeted {
		if genders, err = e.candidateGenders(ctx, u); err != nil {
			return Outcome{}, err
		}
	}

	e.mu.Lock()
	if e.sessions.IsActive(u) {
		e.mu.Unlock()
		return Outcome{}, errs.ErrAlreadyChatting
	}
	if e.queue.Contains(u) {
		e.mu.Unlock()
		return Outcome{}, errs.ErrAlreadySearching
	}

	var (
		cand    Entry
		found   bool
		honored bool
	)
	if targeted {
		cand, found = e.queue.DequeueMatching(func(c directory.UserID) bool {
			return c != u && genders[c] == want
		}, u)
		honored = found
	}
	if !found {
		cand, found = e.queue.Dequeue(u)
	}

	if !found {
		e.queue.Enqueue(u)
		e.updateGauges()
		e.mu.Unlock()

		e.log.Debug().Int64("user_id", int64(u)).Str("target", string(target)).Msg("queued")
		e.send(ctx, u, protocol.TypeSearching, protocol.SearchingMsg{})
		return Outcome{Status: StatusSearching}, nil
	}

	if cand.UserID == u {
		e.queue.Restore(cand)
		e.updateGauges()
		e.mu.Unlock()

		e.violation(errs.Consistency(errs.ErrSelfMatch, fmt.Errorf("matching: dequeued searcher %d for itself", u)))
		e.send(ctx, u, protocol.TypeSearching, protocol.SearchingMsg{})
		return Outcome{Status: StatusSearching}, nil
	}

	s, err := e.sessions.Pair(u, cand.UserID)
	if err != nil {
		e.queue.Restore(cand)
		e.updateGauges()
		e.mu.Unlock()

		e.violation(err)
		return Outcome{}, err
	}
	e.updateGauges()
	hooks := e.startHooks
	e.mu.Unlock()

	e.prefs.Clear(u)
	e.prefs.Clear(cand.UserID)

	partner, err := e.dir.GetProfile(ctx, cand.UserID)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", int64(cand.UserID)).Msg("partner profile lookup failed")
	}
	if targeted && !honored && partner != nil && partner.Gender == want {
		honored = true
	}

	mode := "fifo"
	if targeted {
		mode = "preferred"
		if !honored {
			mode = "fallback"
		}
	}
	metrics.PairingsTotal.WithLabelValues(mode).Inc()
	metrics.WaitDuration.Observe(e.now().Sub(cand.JoinedAt).Seconds())

	for _, fn := range hooks {
		fn(ctx, s)
	}

	e.send(ctx, u, protocol.TypePaired, protocol.PairedMsg{
		SessionID: s.ID,
		Partner:   e.partnerInfo(ctx, p, partner),
	})
	e.send(ctx, cand.UserID, protocol.TypePaired, protocol.PairedMsg{
		SessionID: s.ID,
		Partner:   e.partnerInfo(ctx, partner, p),
	})
	if targeted && !honored {
		e.send(ctx, u, protocol.TypeRandomMatch, protocol.RandomMatchMsg{Wanted: string(target)})
	}

	e.log.Info().
		Str("session_id", s.ID).
		Int64("user_a", int64(u)).
		Int64("user_b", int64(cand.UserID)).
		Str("mode", mode).
		Msg("paired")

	return Outcome{Status: StatusPaired, Session: s, Partner: cand.UserID, Fallback: targeted && !honored}, nil
}

// ChoosePreference stores u's answer to the VIP prompt and runs the search.
func (e *Engine) ChoosePreference(ctx context.Context, u directory.UserID, t preference.Target) (Outcome, error) {
	e.prefs.Set(u, t)
	return e.Search(ctx, u)
}

// Stop cancels u's search or ends u's chat.
func (e *Engine) Stop(ctx context.Context, u directory.UserID) (Outcome, error) {
	e.prefs.Clear(u)

	e.mu.Lock()
	if e.queue.Remove(u) {
		e.updateGauges()
		e.mu.Unlock()

		e.send(ctx, u, protocol.TypeSearchCancelled, protocol.SearchCancelledMsg{})
		return Outcome{Status: StatusSearchCancelled}, nil
	}
	s, ok := e.sessions.Unpair(u)
	e.updateGauges()
	hooks := e.endHooks
	e.mu.Unlock()

	if !ok {
		return Outcome{}, errs.ErrNotInChat
	}
	e.finish(ctx, hooks, SessionEnd{Session: s, By: u, Reason: EndStop, At: e.now()}, true)
	return Outcome{Status: StatusChatEnded, Session: s, Partner: s.Other(u)}, nil
}

// Next ends u's chat, if any, and searches again.
func (e *Engine) Next(ctx context.Context, u directory.UserID) (Outcome, error) {
	e.prefs.Clear(u)

	e.mu.Lock()
	s, ok := e.sessions.Unpair(u)
	e.updateGauges()
	hooks := e.endHooks
	e.mu.Unlock()

	if ok {
		e.finish(ctx, hooks, SessionEnd{Session: s, By: u, Reason: EndNext, At: e.now()}, true)
	}
	return e.Search(ctx, u)
}

// Restart handles a top-level re-entry. The pending preference is reset;
// queue and session membership are left alone.
func (e *Engine) Restart(u directory.UserID) {
	e.prefs.Clear(u)
}

// Disconnect forcibly removes u from the queue and from any session, for
// bans. The former partner is told their partner left. It reports whether
// a session was ended.
func (e *Engine) Disconnect(ctx context.Context, u directory.UserID) bool {
	e.prefs.Clear(u)

	e.mu.Lock()
	dequeued := e.queue.Remove(u)
	s, ok := e.sessions.Unpair(u)
	e.updateGauges()
	hooks := e.endHooks
	e.mu.Unlock()

	if ok {
		e.finish(ctx, hooks, SessionEnd{Session: s, By: u, Reason: EndDisconnect, At: e.now()}, false)
	}
	e.log.Info().Int64("user_id", int64(u)).Bool("dequeued", dequeued).Bool("ended_session", ok).Msg("disconnected")
	return ok
}

// PartnerOf returns the user u is talking to.
func (e *Engine) PartnerOf(u directory.UserID) (directory.UserID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.PartnerOf(u)
}

// IsActive reports whether u is in a chat.
func (e *Engine) IsActive(u directory.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.IsActive(u)
}

// SessionOf returns u's current session.
func (e *Engine) SessionOf(u directory.UserID) (session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.Get(u)
}

// IsQueued reports whether u is waiting for a partner.
func (e *Engine) IsQueued(u directory.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Contains(u)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Queued         int
	ActiveSessions int
}

// Stats returns the current queue length and number of active sessions.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Queued: e.queue.Len(), ActiveSessions: e.sessions.Len()}
}

func (e *Engine) finish(ctx context.Context, hooks []func(context.Context, SessionEnd), end SessionEnd, notifyEnder bool) {
	partner := end.Session.Other(end.By)
	if notifyEnder {
		e.send(ctx, end.By, protocol.TypeChatEnded, protocol.ChatEndedMsg{SessionID: end.Session.ID})
	}
	e.send(ctx, partner, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{SessionID: end.Session.ID})

	for _, fn := range hooks {
		fn(ctx, end)
	}

	e.log.Info().
		Str("session_id", end.Session.ID).
		Int64("by", int64(end.By)).
		Str("reason", string(end.Reason)).
		Dur("duration", end.At.Sub(end.Session.StartedAt)).
		Msg("session ended")
}

func (e *Engine) profile(ctx context.Context, u directory.UserID) (*directory.Profile, error) {
	p, err := e.dir.GetProfile(ctx, u)
	if err != nil {
		return nil, errs.DirectoryUnavailable(err)
	}
	if p == nil {
		return nil, errs.ErrNotRegistered
	}
	return p, nil
}

func (e *Engine) checkFree(u directory.UserID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions.IsActive(u) {
		return errs.ErrAlreadyChatting
	}
	if e.queue.Contains(u) {
		return errs.ErrAlreadySearching
	}
	return nil
}

// candidateGenders resolves the gender of everyone currently queued. The
// snapshot is taken under the lock; the lookups run without it.
func (e *Engine) candidateGenders(ctx context.Context, u directory.UserID) (map[directory.UserID]directory.Gender, error) {
	e.mu.Lock()
	snapshot := e.queue.Snapshot()
	e.mu.Unlock()

	genders := make(map[directory.UserID]directory.Gender, len(snapshot))
	for _, c := range snapshot {
		if c.UserID == u {
			continue
		}
		p, err := e.dir.GetProfile(ctx, c.UserID)
		if err != nil {
			return nil, errs.DirectoryUnavailable(err)
		}
		if p != nil {
			genders[c.UserID] = p.Gender
		}
	}
	return genders, nil
}

// partnerInfo describes other to viewer. Only VIP viewers get details.
func (e *Engine) partnerInfo(ctx context.Context, viewer, other *directory.Profile) *protocol.PartnerInfo {
	if viewer == nil || !viewer.IsVIP || other == nil {
		return nil
	}
	info := &protocol.PartnerInfo{Gender: string(other.Gender), Age: other.Age}
	tally, err := e.dir.Ratings(ctx, other.ID)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", int64(other.ID)).Msg("rating tally lookup failed")
		return info
	}
	info.Good, info.Bad, info.Scam = tally.Good, tally.Bad, tally.Scam
	return info
}

func (e *Engine) send(ctx context.Context, to directory.UserID, msgType string, payload interface{}) {
	if err := e.notify.Notify(ctx, to, msgType, payload); err != nil {
		e.log.Warn().Err(err).Int64("user_id", int64(to)).Str("type", msgType).Msg("notify failed")
	}
}

func (e *Engine) violation(err error) {
	metrics.ConsistencyViolations.Inc()
	e.log.Error().Err(err).Bool("alert", true).Msg("consistency violation")
}

// updateGauges must be called with e.mu held.
func (e *Engine) updateGauges() {
	metrics.QueueSize.Set(float64(e.queue.Len()))
	metrics.ActiveSessions.Set(float64(e.sessions.Len()))
}
