package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/types"
)

const keyPrefix = "rate_limit:"

// Result is the outcome of a single check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// FailedOpen is set when the store was unreachable and the request was let through.
	FailedOpen bool
}

// RetryAfter is the time until the window resets, rounded up to whole seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	wait := r.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Err converts a denied result into the typed error handlers map to a 429.
func (r Result) Err(window time.Duration, now time.Time) error {
	if r.Allowed {
		return nil
	}
	return &types.RateLimitedError{
		Limit:      r.Limit,
		Window:     window,
		RetryAfter: r.RetryAfter(now),
		ResetAt:    r.ResetAt,
	}
}

// Limiter is a fixed window counter on top of the coordination store's atomic
// increment. Every instance shares the same counters.
type Limiter struct {
	store   kvstore.Store
	clock   clockwork.Clock
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(store kvstore.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one action for identifier and reports whether it fits in the
// current window of maxRequests. Store failures let the action through.
func (l *Limiter) Check(ctx context.Context, identifier string, maxRequests int, window time.Duration) Result {
	now := l.clock.Now()
	key := keyPrefix + identifier

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.failOpen(identifier, maxRequests, window, now, err)
	}

	// Only the caller that observed the 0->1 transition sets the TTL, so
	// concurrent first requests can't keep pushing the window out.
	if count == 1 {
		if _, err := l.store.Expire(ctx, key, window); err != nil {
			return l.failOpen(identifier, maxRequests, window, now, err)
		}
	}

	// The key's absolute expiry is fixed for the whole window, so every
	// check in it reports the same reset time.
	resetAt := now.Add(window)
	expiresAt, err := l.store.ExpireTime(ctx, key)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("identifier", identifier).Msg("failed to read rate limit expiry, assuming a full window")
	case !expiresAt.IsZero():
		resetAt = expiresAt
	}

	result := Result{
		Allowed: count <= int64(maxRequests),
		Limit:   maxRequests,
		ResetAt: resetAt,
	}
	if result.Allowed {
		result.Remaining = maxRequests - int(count)
	} else {
		log.Debug().
			Str("identifier", identifier).
			Int64("count", count).
			Int("max_requests", maxRequests).
			Time("reset_at", resetAt).
			Msg("rate limit exceeded")
	}

	l.metrics.ObserveRateLimit(policyOf(identifier), result.Allowed, false)

	return result
}

// CheckPolicy is Check with a configured policy.
func (l *Limiter) CheckPolicy(ctx context.Context, identifier string, policy config.RateLimitPolicy) Result {
	return l.Check(ctx, identifier, policy.MaxRequests, policy.Window)
}

func (l *Limiter) failOpen(identifier string, maxRequests int, window time.Duration, now time.Time, err error) Result {
	log.Error().
		Err(err).
		Str("identifier", identifier).
		Msg("rate limit check failed, allowing request")

	l.metrics.ObserveRateLimit(policyOf(identifier), true, true)

	return Result{
		Allowed:    true,
		Limit:      maxRequests,
		Remaining:  maxRequests,
		ResetAt:    now.Add(window),
		FailedOpen: true,
	}
}

// Identifier keys chat requests by user when known and by client IP otherwise.
func Identifier(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return "ip:" + ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

// DevServerIdentifier keeps the dev server budget separate from the chat budget.
func DevServerIdentifier(ownerID string) string {
	return "dev_server:user:" + ownerID
}

func policyOf(identifier string) string {
	if strings.HasPrefix(identifier, "dev_server:") {
		return "dev_server"
	}
	return "chat"
}

// Usage reports how many actions identifier used in its current window and how
// long until the window resets, without counting an action.
func (l *Limiter) Usage(ctx context.Context, identifier string) (int64, time.Duration, error) {
	key := keyPrefix + identifier

	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected rate limit counter %q: %w", raw, err)
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// Reset clears identifier's window.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Del(ctx, keyPrefix+identifier)
}
