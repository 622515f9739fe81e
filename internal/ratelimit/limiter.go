// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Every user action that can be spammed (relayed messages,
// search requests) is throttled per user.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:search:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Key prefixes for the built-in rules.
const (
	KeyMessage = "rl:msg:"
	KeySearch  = "rl:search:"
)

// MessageRule throttles relayed messages per user.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: KeyMessage, Limit: limit, Window: window}
}

// SearchRule throttles search and next requests per user.
func SearchRule(limit int, window time.Duration) Rule {
	return Rule{Key: KeySearch, Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window closes.
// It is zero when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// Bound is a Limiter with a fixed Rule.
type Bound struct {
	l    *Limiter
	rule Rule
}

// Bind fixes rule so the limiter can be handed to components that throttle
// a single action.
func (l *Limiter) Bind(rule Rule) *Bound {
	return &Bound{l: l, rule: rule}
}

// Allow checks identifier against the bound rule.
func (b *Bound) Allow(ctx context.Context, identifier string) (bool, error) {
	return b.l.Allow(ctx, identifier, b.rule)
}

// RetryAfter reports the time left in identifier's window for the bound rule.
func (b *Bound) RetryAfter(ctx context.Context, identifier string) time.Duration {
	return b.l.RetryAfter(ctx, identifier, b.rule)
}
