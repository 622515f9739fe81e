package matching

import (
	"context"
	"time"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/preference"
	"github.com/whisper/pairing/internal/protocol"
)

// StartCleanup runs the expiry loop until ctx is cancelled. Each tick
// falls back to "any" for unanswered VIP prompts and, when a search
// timeout is configured, drops searchers that waited too long.
func (e *Engine) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("cleanup loop stopped")
			return
		case <-ticker.C:
			now := e.now()
			e.ExpirePreferences(ctx, now)
			e.ExpireSearches(ctx, now)
		}
	}
}

// ExpirePreferences resolves every prompt older than PreferenceTimeout to
// "any" and resumes the search. It returns the affected users.
func (e *Engine) ExpirePreferences(ctx context.Context, now time.Time) []directory.UserID {
	expired := e.prefs.Expired(now, e.opts.PreferenceTimeout)
	for _, u := range expired {
		e.send(ctx, u, protocol.TypePreferenceDefaulted, protocol.PreferenceDefaultedMsg{Target: string(preference.Any)})
		if _, err := e.ChoosePreference(ctx, u, preference.Any); err != nil {
			if errs.KindOf(err) == errs.KindUserState {
				e.log.Debug().Err(err).Int64("user_id", int64(u)).Msg("expired prompt: search not resumed")
				continue
			}
			e.log.Warn().Err(err).Int64("user_id", int64(u)).Msg("expired prompt: search failed")
		}
	}
	if len(expired) > 0 {
		e.log.Info().Int("count", len(expired)).Msg("cleanup: preference prompts defaulted to any")
	}
	return expired
}

// ExpireSearches removes searchers queued for longer than SearchTimeout
// and tells them the search gave up. It returns the removed users.
func (e *Engine) ExpireSearches(ctx context.Context, now time.Time) []directory.UserID {
	if e.opts.SearchTimeout <= 0 {
		return nil
	}

	e.mu.Lock()
	var removed []directory.UserID
	for _, entry := range e.queue.Snapshot() {
		if now.Sub(entry.JoinedAt) >= e.opts.SearchTimeout {
			e.queue.Remove(entry.UserID)
			removed = append(removed, entry.UserID)
		}
	}
	if len(removed) > 0 {
		e.updateGauges()
	}
	e.mu.Unlock()

	for _, u := range removed {
		e.send(ctx, u, protocol.TypeSearchTimeout, protocol.SearchTimeoutMsg{})
	}
	if len(removed) > 0 {
		e.log.Info().Int("count", len(removed)).Msg("cleanup: removed timed out searchers")
	}
	return removed
}
