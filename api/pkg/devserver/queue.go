package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/ratelimit"
	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

const (
	requestKeyPrefix = "dev_server:request:"
	queueKeyPrefix   = "dev_server:queue:"
	activeKeyPrefix  = "dev_server:active:"
	resultKeyPrefix  = "dev_server:result:"
	ownersKey        = "dev_server:owners"

	// bookkeeping writes that must happen even when the caller went away
	cleanupTimeout = 5 * time.Second
)

func requestKey(requestID string) string { return requestKeyPrefix + requestID }
func queueKey(ownerID string) string     { return queueKeyPrefix + ownerID }
func activeKey(requestID string) string  { return activeKeyPrefix + requestID }
func resultKey(requestID string) string  { return resultKeyPrefix + requestID }

// Queue admits dev server requests under a per-owner rate limit and a global
// ceiling on concurrent provisioning calls. Over the ceiling, requests wait in
// a per-owner FIFO in the coordination store and any instance may serve them.
type Queue struct {
	store       kvstore.Store
	limiter     *ratelimit.Limiter
	provisioner Provisioner
	cfg         config.DevServerQueue
	ratePolicy  config.RateLimitPolicy
	clock       clockwork.Clock
	metrics     *metrics.Metrics

	background conc.WaitGroup
	closed     atomic.Bool
}

type Option func(*Queue)

func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = metrics
	}
}

func NewQueue(
	store kvstore.Store,
	limiter *ratelimit.Limiter,
	provisioner Provisioner,
	cfg config.DevServerQueue,
	ratePolicy config.RateLimitPolicy,
	opts ...Option,
) *Queue {
	q := &Queue{
		store:       store,
		limiter:     limiter,
		provisioner: provisioner,
		cfg:         cfg,
		ratePolicy:  ratePolicy,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RequestResource returns a dev server for resourceID on behalf of ownerID.
//
// Errors:
//   - *types.RateLimitedError when the owner used up the dev server budget
//   - types.ErrQueueTimeout when a queued request got no result in time
//   - *types.ProvisioningFailedError when every provisioning attempt failed
func (q *Queue) RequestResource(ctx context.Context, resourceID, ownerID string) (*types.DevServer, error) {
	rate := q.limiter.CheckPolicy(ctx, ratelimit.DevServerIdentifier(ownerID), q.ratePolicy)
	if !rate.Allowed {
		log.Info().
			Str("owner_id", ownerID).
			Time("reset_at", rate.ResetAt).
			Msg("dev server rate limit exceeded")
		return nil, rate.Err(q.ratePolicy.Window, q.clock.Now())
	}

	now := q.clock.Now()
	req := types.QueuedDevServerRequest{
		ResourceID:    resourceID,
		OwnerID:       ownerID,
		RequestID:     system.GenerateDevServerRequestID(ownerID, now),
		SubmittedAtMs: now.UnixMilli(),
	}

	// check then act, the ceiling is approximate across instances
	if active := q.countActive(ctx); active >= q.cfg.MaxConcurrent {
		q.metrics.ObserveAdmission("queued")
		log.Info().
			Str("owner_id", ownerID).
			Str("request_id", req.RequestID).
			Int("active", active).
			Int("max_concurrent", q.cfg.MaxConcurrent).
			Msg("dev server capacity reached, queueing request")
		return q.enqueueAndWait(ctx, req)
	}

	q.metrics.ObserveAdmission("immediate")
	return q.processImmediately(ctx, req)
}

// countActive fails open: an unreadable count admits the request.
func (q *Queue) countActive(ctx context.Context) int {
	active, err := q.store.CountPrefix(ctx, activeKeyPrefix)
	if err != nil {
		log.Error().Err(err).Msg("failed to count active dev server requests, assuming none")
		return 0
	}
	return active
}

func (q *Queue) processImmediately(ctx context.Context, req types.QueuedDevServerRequest) (*types.DevServer, error) {
	key := activeKey(req.RequestID)

	// best effort, the marker only feeds the ceiling check
	if err := q.store.Set(context.WithoutCancel(ctx), key, "1", q.cfg.ActiveTTL); err != nil {
		log.Debug().Err(err).Str("request_id", req.RequestID).Msg("failed to mark dev server request active")
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := q.store.Del(cleanupCtx, key); err != nil {
			log.Debug().Err(err).Str("request_id", req.RequestID).Msg("failed to clear active marker")
		}
		q.triggerDrain(req.OwnerID)
	}()

	server, _, err := q.provisionWithRetry(ctx, req)
	return server, err
}

func (q *Queue) provisionWithRetry(ctx context.Context, req types.QueuedDevServerRequest) (*types.DevServer, int, error) {
	maxAttempts := q.cfg.MaxRetries + 1
	attempts := 0
	start := q.clock.Now()

	server, err := retry.DoWithData(func() (*types.DevServer, error) {
		attempts++
		server, err := q.provisioner.Provision(ctx, req.ResourceID)
		q.metrics.ObserveProvisioningAttempt(err)
		if err != nil {
			log.Warn().
				Err(err).
				Str("request_id", req.RequestID).
				Str("resource_id", req.ResourceID).
				Msgf("dev server request failed (attempt %d/%d)", attempts, maxAttempts)
			return nil, err
		}
		return server, nil
	},
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(q.cfg.RetryBaseWait),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	q.metrics.ObserveProvisioning(q.clock.Since(start).Seconds(), err)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempts, ctxErr
		}
		return nil, attempts, &types.ProvisioningFailedError{Attempts: attempts, Err: err}
	}

	log.Info().
		Str("request_id", req.RequestID).
		Str("resource_id", req.ResourceID).
		Int("attempts", attempts).
		Msg("dev server provisioned")

	return server, attempts, nil
}

func (q *Queue) enqueueAndWait(ctx context.Context, req types.QueuedDevServerRequest) (*types.DevServer, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if err := q.store.Set(ctx, requestKey(req.RequestID), string(payload), q.cfg.RequestTTL); err != nil {
		return nil, fmt.Errorf("failed to queue dev server request: %w", err)
	}
	if err := q.store.LPush(ctx, queueKey(req.OwnerID), req.RequestID); err != nil {
		return nil, fmt.Errorf("failed to queue dev server request: %w", err)
	}
	if _, err := q.store.Expire(ctx, queueKey(req.OwnerID), q.cfg.RequestTTL); err != nil {
		log.Warn().Err(err).Str("owner_id", req.OwnerID).Msg("failed to refresh owner queue ttl")
	}
	if err := q.store.LPush(ctx, ownersKey, req.OwnerID); err != nil {
		log.Warn().Err(err).Str("owner_id", req.OwnerID).Msg("failed to add owner to drain ring")
	} else if _, err := q.store.Expire(ctx, ownersKey, q.cfg.RequestTTL); err != nil {
		log.Warn().Err(err).Msg("failed to refresh drain ring ttl")
	}

	q.metrics.AddQueuedWaiters(1)
	defer q.metrics.AddQueuedWaiters(-1)

	// capacity may have freed up between the count and the push
	q.triggerDrain(req.OwnerID)

	return q.waitForResult(ctx, req)
}

func (q *Queue) waitForResult(ctx context.Context, req types.QueuedDevServerRequest) (*types.DevServer, error) {
	deadline := q.clock.Now().Add(q.cfg.MaxWait)

	for {
		result, found, err := q.collectResult(ctx, req)
		if found {
			return result, err
		}

		if !q.clock.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			q.abandon(ctx, req)
			return nil, ctx.Err()
		case <-q.clock.After(q.cfg.PollInterval):
		}
	}

	q.abandon(ctx, req)
	q.metrics.ObserveQueueTimeout()

	log.Warn().
		Str("owner_id", req.OwnerID).
		Str("request_id", req.RequestID).
		Dur("max_wait", q.cfg.MaxWait).
		Msg("queued dev server request timed out")

	return nil, types.ErrQueueTimeout
}

// collectResult reports found once a result record was read. Read errors are
// logged and polling continues.
func (q *Queue) collectResult(ctx context.Context, req types.QueuedDevServerRequest) (*types.DevServer, bool, error) {
	raw, err := q.store.Get(ctx, resultKey(req.RequestID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to poll dev server result")
		return nil, false, nil
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := q.store.Del(cleanupCtx, resultKey(req.RequestID), requestKey(req.RequestID)); err != nil {
		log.Debug().Err(err).Str("request_id", req.RequestID).Msg("failed to clean up dev server result")
	}

	var result types.DevServerResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, true, fmt.Errorf("failed to decode dev server result: %w", err)
	}
	if result.Error != "" {
		return nil, true, &types.ProvisioningFailedError{Attempts: result.Attempts, Reason: result.Error}
	}
	if result.DevServer == nil {
		return nil, true, fmt.Errorf("dev server result for %s is empty", req.RequestID)
	}
	return result.DevServer, true, nil
}

// abandon drops the queued request record. The id left in the owner queue is
// skipped by the drain once it finds no record.
func (q *Queue) abandon(ctx context.Context, req types.QueuedDevServerRequest) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := q.store.Del(cleanupCtx, requestKey(req.RequestID)); err != nil {
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to remove abandoned dev server request")
	}
}

// Stats reports the live active count against the ceiling.
func (q *Queue) Stats(ctx context.Context) (*types.DevServerQueueStats, error) {
	active, err := q.store.CountPrefix(ctx, activeKeyPrefix)
	if err != nil {
		return nil, err
	}
	pending, err := q.store.LLen(ctx, ownersKey)
	if err != nil {
		return nil, err
	}
	return &types.DevServerQueueStats{
		Active:        active,
		MaxConcurrent: q.cfg.MaxConcurrent,
		Pending:       pending,
	}, nil
}

// Close stops new background drains and waits for in-flight provisioning.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.background.Wait()
}

// goSafe runs fn in the background, tracked by Close. Panics are logged and
// never reach the caller.
func (q *Queue) goSafe(name string, fn func()) {
	q.background.Go(func() {
		var pc panics.Catcher
		pc.Try(fn)
		if recovered := pc.Recovered(); recovered != nil {
			log.Error().
				Str("task", name).
				Str("stack", string(recovered.Stack)).
				Msgf("dev server queue task panicked: %v", recovered.Value)
		}
	})
}
