package dispatch

import (
	"context"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/preference"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/relay"
)

var errUnknownUser = errs.Validation("unknown_user", "No such user.")

func preferenceTarget(s string) (preference.Target, error) {
	t, err := preference.ParseTarget(s)
	if err != nil {
		return "", errs.Validation("invalid_preference", "Please choose any, male or female.")
	}
	return t, nil
}

// adminBan bans the target and removes them from matching. The former
// partner, if any, is told their partner left.
func (d *Dispatcher) adminBan(ctx context.Context, from directory.UserID, msg interface{}) error {
	target := directory.UserID(msg.(protocol.AdminTargetCmd).Target)
	if err := d.requireUser(ctx, target); err != nil {
		return err
	}
	if err := d.deps.Directory.Ban(ctx, target); err != nil {
		return errs.DirectoryUnavailable(err)
	}
	d.deps.Engine.Disconnect(ctx, target)
	d.send(ctx, target, protocol.TypeBanned, protocol.BannedMsg{Reason: "banned by an administrator"})

	d.log.Info().Int64("admin", int64(from)).Int64("target", int64(target)).Msg("user banned")
	d.send(ctx, from, protocol.TypeAck, protocol.AckMsg{Command: protocol.TypeAdminBan, Target: int64(target)})
	return nil
}

func (d *Dispatcher) adminUnban(ctx context.Context, from directory.UserID, msg interface{}) error {
	target := directory.UserID(msg.(protocol.AdminTargetCmd).Target)
	if err := d.requireUser(ctx, target); err != nil {
		return err
	}
	if err := d.deps.Directory.Unban(ctx, target); err != nil {
		return errs.DirectoryUnavailable(err)
	}

	d.log.Info().Int64("admin", int64(from)).Int64("target", int64(target)).Msg("user unbanned")
	d.send(ctx, from, protocol.TypeAck, protocol.AckMsg{Command: protocol.TypeAdminUnban, Target: int64(target)})
	return nil
}

func (d *Dispatcher) adminUnbanAll(ctx context.Context, from directory.UserID, _ interface{}) error {
	n, err := d.deps.Admin.UnbanAll(ctx)
	if err != nil {
		return errs.DirectoryUnavailable(err)
	}
	if d.deps.Cache != nil {
		d.deps.Cache.InvalidateAll(ctx)
	}

	d.log.Info().Int64("admin", int64(from)).Int("affected", n).Msg("all users unbanned")
	d.send(ctx, from, protocol.TypeAck, protocol.AckMsg{Command: protocol.TypeAdminUnbanAll, Affected: n})
	return nil
}

func (d *Dispatcher) adminGiveVIP(ctx context.Context, from directory.UserID, msg interface{}) error {
	m := msg.(protocol.AdminGiveVIPCmd)
	target := directory.UserID(m.Target)
	days := m.Days
	if days <= 0 {
		days = d.deps.VIPDefaultDays
	}
	if err := d.requireUser(ctx, target); err != nil {
		return err
	}
	if err := d.deps.Directory.SetVIP(ctx, target, true, days); err != nil {
		return errs.DirectoryUnavailable(err)
	}

	d.log.Info().Int64("admin", int64(from)).Int64("target", int64(target)).Int("days", days).Msg("vip granted")
	d.send(ctx, from, protocol.TypeAck, protocol.AckMsg{Command: protocol.TypeAdminGiveVIP, Target: int64(target), Affected: days})
	return nil
}

func (d *Dispatcher) adminStats(ctx context.Context, from directory.UserID, _ interface{}) error {
	st, err := d.deps.Admin.Stats(ctx)
	if err != nil {
		return errs.DirectoryUnavailable(err)
	}
	live := d.deps.Engine.Stats()

	d.send(ctx, from, protocol.TypeStats, protocol.StatsMsg{
		TotalUsers:     st.TotalUsers,
		VIPUsers:       st.VIPUsers,
		BannedUsers:    st.BannedUsers,
		TotalRatings:   st.TotalRatings,
		TotalReports:   st.TotalReports,
		Queued:         live.Queued,
		ActiveSessions: live.ActiveSessions,
	})
	return nil
}

// adminReports lists the most reported users, attaching the evidence of
// each user's latest archived report when an archive is configured.
func (d *Dispatcher) adminReports(ctx context.Context, from directory.UserID, msg interface{}) error {
	limit := msg.(protocol.AdminReportsCmd).Limit
	switch {
	case limit <= 0:
		limit = defaultReportsLimit
	case limit > maxReportsLimit:
		limit = maxReportsLimit
	}

	summaries, err := d.deps.Admin.RecentReports(ctx, limit)
	if err != nil {
		return errs.DirectoryUnavailable(err)
	}

	entries := make([]protocol.ReportEntry, 0, len(summaries))
	for _, s := range summaries {
		e := protocol.ReportEntry{Target: int64(s.Target), Count: s.Count}
		if d.deps.Reports != nil {
			latest, err := d.deps.Reports.Latest(ctx, s.Target)
			if err != nil {
				d.log.Warn().Err(err).Int64("target", int64(s.Target)).Msg("load report evidence failed")
			} else if latest != nil {
				e.Evidence = latest.Evidence
			}
		}
		entries = append(entries, e)
	}

	d.send(ctx, from, protocol.TypeReports, protocol.ReportsMsg{Reports: entries})
	return nil
}

// adminBroadcast sends an announcement to every user that is not banned
// and reports how many deliveries succeeded.
func (d *Dispatcher) adminBroadcast(ctx context.Context, from directory.UserID, msg interface{}) error {
	text := msg.(protocol.AdminBroadcastCmd).Text
	if err := relay.ValidateText(text); err != nil {
		return errs.Validation("invalid_broadcast", "Usage: broadcast <text>, up to 2000 characters.")
	}
	ids, err := d.deps.Admin.Recipients(ctx)
	if err != nil {
		return errs.DirectoryUnavailable(err)
	}

	var res protocol.BroadcastResultMsg
	for _, id := range ids {
		if err := d.deps.Notifier.Notify(ctx, id, protocol.TypeAnnouncement, protocol.AnnouncementMsg{Text: text}); err != nil {
			res.Failed++
			d.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("announcement failed")
			continue
		}
		res.Sent++
	}

	d.log.Info().Int64("admin", int64(from)).Int("sent", res.Sent).Int("failed", res.Failed).Msg("broadcast complete")
	d.send(ctx, from, protocol.TypeBroadcastResult, res)
	return nil
}

func (d *Dispatcher) requireUser(ctx context.Context, id directory.UserID) error {
	p, err := d.deps.Directory.GetProfile(ctx, id)
	if err != nil {
		return errs.DirectoryUnavailable(err)
	}
	if p == nil {
		return errUnknownUser
	}
	return nil
}
