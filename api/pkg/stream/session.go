package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/pubsub"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/types"
)

// Session is one generation run holding the project lock.
type Session struct {
	manager *Manager
	appID   string
	lock    *streamlock.Lock
	sub     pubsub.Subscription

	ctx    context.Context
	cancel context.CancelCauseFunc

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}

	finishOnce sync.Once
	finishErr  error
}

func (s *Session) AppID() string {
	return s.appID
}

func (s *Session) Token() string {
	return s.lock.Token()
}

// Context is cancelled when the session is stopped, loses its lock or finishes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Stopped reports whether the session was cancelled by a stop request.
func (s *Session) Stopped() bool {
	return errors.Is(context.Cause(s.ctx), ErrStopRequested)
}

func (s *Session) stop(cause error) {
	s.cancel(cause)
}

// Publish fans a chunk out to readers relaying this stream.
func (s *Session) Publish(ctx context.Context, chunk types.StreamChunk) error {
	chunk.AppID = s.appID
	chunk.Session = s.Token()
	if chunk.Created.IsZero() {
		chunk.Created = s.manager.clock.Now()
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode stream chunk: %w", err)
	}
	return s.manager.pubsub.Publish(ctx, pubsub.GetStreamChunksTopic(s.appID), payload)
}

// keepalive extends the lock and state while the session runs. The lock TTL
// only bounds lockout after a crash, it must not cut off a long generation.
func (s *Session) keepalive() {
	defer close(s.keepaliveDone)

	interval := s.manager.cfg.TTL / 3
	ticker := s.manager.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.Chan():
			if !s.refresh() {
				return
			}
		}
	}
}

func (s *Session) refresh() bool {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	held, err := s.lock.Refresh(ctx)
	if err != nil {
		// transient store errors are retried on the next tick, the TTL leaves room
		log.Warn().Err(err).Str("app_id", s.appID).Msg("failed to refresh stream lock")
		return true
	}
	if !held {
		log.Warn().Str("app_id", s.appID).Msg("stream lock lost, cancelling session")
		s.stop(ErrLockLost)
		return false
	}

	for _, status := range []types.StreamStatus{types.StreamStatusRunning, types.StreamStatusStopping} {
		ok, err := s.manager.store.CompareAndExpire(ctx, StateKey(s.appID), stateValue(status, s.Token()), s.manager.cfg.TTL)
		if err != nil {
			log.Warn().Err(err).Str("app_id", s.appID).Msg("failed to refresh stream state")
			return true
		}
		if ok {
			return true
		}
	}
	return true
}

// Finish ends the session with a terminal event. It stops the keepalive,
// clears this session's state and releases the lock as its last action.
// Calling it more than once is a no-op.
func (s *Session) Finish(ctx context.Context, event types.StreamEvent) error {
	s.finishOnce.Do(func() {
		s.finishErr = s.finish(ctx, event)
	})
	return s.finishErr
}

func (s *Session) finish(ctx context.Context, event types.StreamEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	m := s.manager

	close(s.keepaliveStop)
	<-s.keepaliveDone

	s.cancel(context.Canceled)

	if err := s.sub.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("app_id", s.appID).Msg("failed to unsubscribe from stop requests")
	}

	m.sessions.Compute(s.appID, func(current *Session, loaded bool) (*Session, bool) {
		if loaded && current == s {
			return nil, true
		}
		return current, !loaded
	})
	m.metrics.AddActiveSessions(-1)
	m.metrics.ObserveStreamEvent(string(event))

	done := types.StreamChunk{Done: true}
	if event == types.StreamEventError {
		done.Error = "stream failed"
	}
	if err := s.Publish(ctx, done); err != nil {
		log.Warn().Err(err).Str("app_id", s.appID).Msg("failed to publish stream end")
	}

	var errs []error

	// only this session's state, a forced clear may already have let a new one in
	for _, status := range []types.StreamStatus{types.StreamStatusRunning, types.StreamStatusStopping} {
		if _, err := m.store.CompareAndDelete(ctx, StateKey(s.appID), stateValue(status, s.Token())); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear stream state: %w", err))
			break
		}
	}

	if _, err := s.lock.Release(ctx); err != nil {
		errs = append(errs, err)
	}

	log.Info().Str("app_id", s.appID).Str("event", string(event)).Msg("stream finished")

	return errors.Join(errs...)
}
