// Package ban caches per-user ban flags in Redis in front of the user
// directory. The directory stays authoritative; a cache entry only saves
// a round-trip on the hot paths (search and every relayed message).
//
//	Key:   ban:<user_id>
//	Value: "1" (banned) or "0" (not banned)
//	TTL:   cache lifetime
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for cached ban flags.
	BanPrefix = "ban:"

	// DefaultTTL is used when the store is created with a zero TTL.
	DefaultTTL = 10 * time.Minute
)

// Store manages cached ban flags in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a new ban cache using the provided Redis client.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func key(userID int64) string {
	return BanPrefix + strconv.FormatInt(userID, 10)
}

// Lookup returns the cached flag. found is false on a cache miss. Redis
// errors are returned so callers can fall back to the directory.
func (s *Store) Lookup(ctx context.Context, userID int64) (banned, found bool, err error) {
	val, err := s.client.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("ban: lookup: %w", err)
	}
	return val == "1", true, nil
}

// Store caches the flag for the configured TTL.
func (s *Store) Store(ctx context.Context, userID int64, banned bool) error {
	val := "0"
	if banned {
		val = "1"
	}
	if err := s.client.Set(ctx, key(userID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("ban: store: %w", err)
	}
	return nil
}

// Invalidate drops the cached flag for one user.
func (s *Store) Invalidate(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("ban: invalidate: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached flag. Used after a bulk unban.
func (s *Store) InvalidateAll(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, BanPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("ban: invalidate all: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("ban: invalidate all: %w", err)
	}
	return removed, nil
}
