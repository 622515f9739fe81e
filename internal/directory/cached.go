package directory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/ban"
)

// Cached decorates a Directory with the Redis ban cache. Cache failures
// fail open: the call falls through to the wrapped directory.
type Cached struct {
	Directory
	bans *ban.Store
	log  zerolog.Logger
}

// NewCached wraps dir with the given ban cache.
func NewCached(dir Directory, bans *ban.Store, log zerolog.Logger) *Cached {
	return &Cached{Directory: dir, bans: bans, log: log}
}

func (c *Cached) IsBanned(ctx context.Context, id UserID) (bool, error) {
	banned, found, err := c.bans.Lookup(ctx, int64(id))
	if err != nil {
		c.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("ban cache lookup failed, using directory")
	} else if found {
		return banned, nil
	}

	banned, err = c.Directory.IsBanned(ctx, id)
	if err != nil {
		return false, err
	}
	if err := c.bans.Store(ctx, int64(id), banned); err != nil {
		c.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("ban cache store failed")
	}
	return banned, nil
}

func (c *Cached) Ban(ctx context.Context, id UserID) error {
	if err := c.Directory.Ban(ctx, id); err != nil {
		return err
	}
	if err := c.bans.Store(ctx, int64(id), true); err != nil {
		c.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("ban cache store failed")
	}
	return nil
}

func (c *Cached) Unban(ctx context.Context, id UserID) error {
	if err := c.Directory.Unban(ctx, id); err != nil {
		return err
	}
	if err := c.bans.Invalidate(ctx, int64(id)); err != nil {
		c.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("ban cache invalidate failed")
	}
	return nil
}

// InvalidateAll clears the cache after a bulk change made through Admin.
func (c *Cached) InvalidateAll(ctx context.Context) {
	if _, err := c.bans.InvalidateAll(ctx); err != nil {
		c.log.Warn().Err(err).Msg("ban cache flush failed")
	}
}
