// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed-window algorithm, tuned for the broker's traffic shapes:
// connection churn per IP, find-partner spam per user, and signaling bursts
// per call participant. A nil Limiter allows everything, so the broker runs
// unthrottled when no Redis address is configured.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard broker rules.
var (
	// RuleConnect allows 10 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}

	// RuleFindPartner allows 20 find-partner requests per minute per user.
	RuleFindPartner = Rule{Key: "rl:find:", Limit: 20, Window: 1 * time.Minute}

	// RuleSignal allows 120 signaling payloads per 10 seconds per user. ICE
	// negotiation legitimately sends dozens of candidates in a burst, so the
	// ceiling is high; it exists to stop floods, not to pace handshakes.
	RuleSignal = Rule{Key: "rl:signal:", Limit: 120, Window: 10 * time.Second}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the rate limit defined by
// rule. It increments the counter and sets the expiry on first access.
//
// A nil receiver always allows. On Redis errors the method fails open so a
// Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	if l == nil || l.client == nil {
		return true
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists without a TTL and would throttle the
			// identifier forever; best effort removal.
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= rule.Limit
}

// RetryAfter returns the seconds until the identifier's current window
// expires, for the rate_limited response. Zero when unknown or unlimited.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	if l == nil || l.client == nil {
		return 0
	}
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return int(ttl.Seconds() + 0.5)
}
