package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/types"
)

// triggerDrain serves the owner's own queue first, then other owners from the
// ring. It never blocks the caller.
func (q *Queue) triggerDrain(ownerID string) {
	if q.closed.Load() {
		return
	}
	q.goSafe("drain", func() {
		ctx := context.Background()
		q.drainOwner(ctx, ownerID)
		q.drainRing(ctx)
	})
}

func (q *Queue) atCapacity(ctx context.Context) bool {
	return q.countActive(ctx) >= q.cfg.MaxConcurrent
}

// drainOwner dispatches the owner's queued requests while there is capacity.
func (q *Queue) drainOwner(ctx context.Context, ownerID string) {
	for !q.atCapacity(ctx) {
		dispatched, err := q.dispatchNext(ctx, ownerID)
		if err != nil {
			log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to drain dev server queue")
			return
		}
		if !dispatched {
			return
		}
	}
}

// drainRing gives every owner with pending work a turn, one request per ring
// entry, so an owner with nothing in flight is not left waiting on others.
func (q *Queue) drainRing(ctx context.Context) {
	for !q.atCapacity(ctx) {
		ownerID, err := q.store.RPop(ctx, ownersKey)
		if errors.Is(err, kvstore.ErrNotFound) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to read dev server drain ring")
			return
		}

		if _, err := q.dispatchNext(ctx, ownerID); err != nil {
			log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to drain dev server queue")
			// keep the owner's turn for the next pass
			if err := q.store.LPush(ctx, ownersKey, ownerID); err != nil {
				log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to return owner to drain ring")
			}
			return
		}
	}
}

// dispatchNext pops the owner's oldest live request, marks it active and
// starts provisioning it in the background. It reports false when the queue
// held nothing live.
func (q *Queue) dispatchNext(ctx context.Context, ownerID string) (bool, error) {
	for {
		requestID, err := q.store.RPop(ctx, queueKey(ownerID))
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		raw, err := q.store.Get(ctx, requestKey(requestID))
		if errors.Is(err, kvstore.ErrNotFound) {
			log.Debug().Str("request_id", requestID).Msg("skipping abandoned dev server request")
			continue
		}
		if err != nil {
			q.requeue(ctx, ownerID, requestID)
			return false, err
		}

		var req types.QueuedDevServerRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("dropping unreadable dev server request")
			_ = q.store.Del(ctx, requestKey(requestID))
			continue
		}

		if err := q.store.Set(ctx, activeKey(requestID), "1", q.cfg.ActiveTTL); err != nil {
			q.requeue(ctx, ownerID, requestID)
			return false, fmt.Errorf("failed to mark dev server request active: %w", err)
		}

		log.Info().
			Str("owner_id", ownerID).
			Str("request_id", requestID).
			Msg("processing queued dev server request")

		q.goSafe("process", func() {
			q.processQueued(req)
		})
		return true, nil
	}
}

// requeue puts an id back at the tail end of the FIFO, it is served last.
func (q *Queue) requeue(ctx context.Context, ownerID, requestID string) {
	if err := q.store.LPush(ctx, queueKey(ownerID), requestID); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to requeue dev server request")
	}
}

func (q *Queue) processQueued(req types.QueuedDevServerRequest) {
	ctx := context.Background()

	server, attempts, err := q.provisionWithRetry(ctx, req)

	result := types.DevServerResult{DevServer: server, Attempts: attempts}
	if err != nil {
		result.Error = err.Error()
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		log.Error().Err(marshalErr).Str("request_id", req.RequestID).Msg("failed to encode dev server result")
	} else if err := q.store.Set(ctx, resultKey(req.RequestID), string(payload), q.cfg.ResultTTL); err != nil {
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("failed to store dev server result")
	}

	if err := q.store.Del(ctx, requestKey(req.RequestID), activeKey(req.RequestID)); err != nil {
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to clean up dev server request")
	}

	q.triggerDrain(req.OwnerID)
}

// Run drains the ring on a schedule until ctx is done. Every instance runs it,
// so queued work progresses even when the instance that admitted it is idle.
func (q *Queue) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(q.cfg.DrainInterval),
		gocron.NewTask(func() {
			q.drainRing(ctx)
		}),
		gocron.WithName("dev-server-queue-drain"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule dev server queue drain: %w", err)
	}

	// start the scheduler
	scheduler.Start()

	// Block until the context is done
	<-ctx.Done()

	// when you're done, shut it down
	err = scheduler.Shutdown()
	if err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}

	return nil
}
