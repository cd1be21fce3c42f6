package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/pubsub"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/types"
)

const (
	stateKeyPrefix = "stream:state:"

	// store calls made while tearing a session down must outlive the request
	cleanupTimeout = 5 * time.Second
)

var (
	// ErrStopRequested is the cancellation cause of a session that was asked to stop.
	ErrStopRequested = errors.New("stream stop requested")
	// ErrLockLost is the cancellation cause of a session whose lock expired or was taken over.
	ErrLockLost = errors.New("stream lock lost")
)

func StateKey(appID string) string {
	return stateKeyPrefix + appID
}

func stateValue(status types.StreamStatus, token string) string {
	return string(status) + ":" + token
}

func parseState(value string) (types.StreamStatus, string) {
	status, token, _ := strings.Cut(value, ":")
	return types.StreamStatus(status), token
}

// Manager drives the per-app stream state machine (idle, running, stopping)
// on top of the project lock. Stop requests travel over pubsub so they reach
// the session on whichever instance owns it.
type Manager struct {
	store   kvstore.Store
	locks   *streamlock.Manager
	pubsub  pubsub.PubSub
	cfg     config.StreamLock
	clock   clockwork.Clock
	metrics *metrics.Metrics

	// sessions owned by this instance
	sessions *xsync.MapOf[string, *Session]
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func NewManager(store kvstore.Store, locks *streamlock.Manager, ps pubsub.PubSub, cfg config.StreamLock, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		locks:    locks,
		pubsub:   ps,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		sessions: xsync.NewMapOf[string, *Session](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status reads the current state. Idle means no state record.
func (m *Manager) Status(ctx context.Context, appID string) (types.StreamStatus, error) {
	status, _, err := m.state(ctx, appID)
	return status, err
}

func (m *Manager) state(ctx context.Context, appID string) (types.StreamStatus, string, error) {
	value, err := m.store.Get(ctx, StateKey(appID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return types.StreamStatusIdle, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read stream state for %s: %w", appID, err)
	}
	status, token := parseState(value)
	return status, token, nil
}

// IsStreamRunning reports whether a session is running or still stopping.
func (m *Manager) IsStreamRunning(ctx context.Context, appID string) (bool, error) {
	status, err := m.Status(ctx, appID)
	if err != nil {
		return false, err
	}
	return status != types.StreamStatusIdle, nil
}

// StopStream asks the running session to stop. It returns before the session
// has exited; use WaitForStreamToStop to observe that.
func (m *Manager) StopStream(ctx context.Context, appID string) error {
	status, token, err := m.state(ctx, appID)
	if err != nil {
		return err
	}
	if status == types.StreamStatusIdle {
		return nil
	}

	if status == types.StreamStatusRunning {
		_, err := m.store.CompareAndSwap(ctx, StateKey(appID),
			stateValue(types.StreamStatusRunning, token),
			stateValue(types.StreamStatusStopping, token),
			m.cfg.TTL,
		)
		if err != nil {
			return fmt.Errorf("failed to mark stream %s as stopping: %w", appID, err)
		}
	}

	if session, ok := m.sessions.Load(appID); ok && session.lock.Token() == token {
		session.stop(ErrStopRequested)
	}

	if err := m.pubsub.Publish(ctx, pubsub.GetStreamStopTopic(appID), []byte(token)); err != nil {
		return fmt.Errorf("failed to publish stop for %s: %w", appID, err)
	}

	log.Info().Str("app_id", appID).Msg("requested stream stop")

	return nil
}

// WaitForStreamToStop polls until the state is idle. It returns false when the
// timeout passes first.
func (m *Manager) WaitForStreamToStop(ctx context.Context, appID string, timeout time.Duration) (bool, error) {
	deadline := m.clock.Now().Add(timeout)

	for {
		running, err := m.IsStreamRunning(ctx, appID)
		if err != nil {
			return false, err
		}
		if !running {
			return true, nil
		}
		if !m.clock.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-m.clock.After(m.cfg.PollInterval):
		}
	}
}

// ClearStreamState forcibly resets the app to idle and releases the lock
// whoever holds it. The previous session, if still alive somewhere, is abandoned.
func (m *Manager) ClearStreamState(ctx context.Context, appID string) error {
	if session, ok := m.sessions.Load(appID); ok {
		session.stop(ErrLockLost)
	}

	if err := m.store.Del(ctx, StateKey(appID)); err != nil {
		return fmt.Errorf("failed to clear stream state for %s: %w", appID, err)
	}
	if err := m.locks.ReleaseLock(ctx, appID); err != nil {
		return err
	}

	m.metrics.ObserveStreamEvent("forced_clear")
	log.Warn().Str("app_id", appID).Msg("force cleared stream state")

	return nil
}

// PrepareForNewStream stops a running session, waits for it to exit and
// force clears it when it doesn't, then starts a new session.
func (m *Manager) PrepareForNewStream(ctx context.Context, appID string) (*Session, error) {
	running, err := m.IsStreamRunning(ctx, appID)
	if err != nil {
		return nil, err
	}

	if running {
		if err := m.StopStream(ctx, appID); err != nil {
			return nil, err
		}

		stopped, err := m.WaitForStreamToStop(ctx, appID, m.cfg.StopTimeout)
		if err != nil {
			return nil, err
		}
		if !stopped {
			log.Warn().
				Str("app_id", appID).
				Dur("stop_timeout", m.cfg.StopTimeout).
				Msg("previous stream did not stop in time, clearing it")

			if err := m.ClearStreamState(ctx, appID); err != nil {
				return nil, err
			}
		}
	}

	return m.Begin(ctx, appID)
}

// Begin acquires the project lock and marks the app as running. The session's
// context derives from ctx and is additionally cancelled on stop or lock loss.
func (m *Manager) Begin(ctx context.Context, appID string) (*Session, error) {
	lock, err := m.locks.AcquireLock(ctx, appID, m.cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}

	if err := m.store.Set(ctx, StateKey(appID), stateValue(types.StreamStatusRunning, lock.Token()), m.cfg.TTL); err != nil {
		m.releaseAfterFailedBegin(lock)
		return nil, fmt.Errorf("failed to mark stream %s as running: %w", appID, err)
	}

	sessionCtx, cancel := context.WithCancelCause(ctx)
	session := &Session{
		manager:       m,
		appID:         appID,
		lock:          lock,
		ctx:           sessionCtx,
		cancel:        cancel,
		keepaliveStop: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}

	sub, err := m.pubsub.Subscribe(ctx, pubsub.GetStreamStopTopic(appID), func(payload []byte) error {
		if token := string(payload); token == "" || token == lock.Token() {
			session.stop(ErrStopRequested)
		}
		return nil
	})
	if err != nil {
		cancel(err)
		m.releaseAfterFailedBegin(lock)
		_ = m.store.Del(context.WithoutCancel(ctx), StateKey(appID))
		return nil, fmt.Errorf("failed to subscribe to stop requests for %s: %w", appID, err)
	}
	session.sub = sub

	m.sessions.Store(appID, session)
	m.metrics.AddActiveSessions(1)

	go session.keepalive()

	log.Info().Str("app_id", appID).Msg("stream started")

	return session, nil
}

func (m *Manager) releaseAfterFailedBegin(lock *streamlock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := lock.Release(ctx); err != nil {
		log.Error().Err(err).Str("app_id", lock.AppID()).Msg("failed to release lock after failed start")
	}
}

// HandleStreamLifecycle ends the session with the given terminal event.
func (m *Manager) HandleStreamLifecycle(ctx context.Context, session *Session, event types.StreamEvent) error {
	return session.Finish(ctx, event)
}

// Execute runs fn inside an already started session and ends the session on
// every exit path. A panic in fn is recovered and returned as an error.
func (m *Manager) Execute(session *Session, fn func(ctx context.Context, session *Session) error) error {
	var (
		pc    panics.Catcher
		fnErr error
	)
	pc.Try(func() {
		fnErr = fn(session.Context(), session)
	})

	var event types.StreamEvent
	if recovered := pc.Recovered(); recovered != nil {
		log.Error().Str("app_id", session.appID).Str("stack", string(recovered.Stack)).Msg("stream panicked")
		fnErr = recovered.AsError()
		event = types.StreamEventError
	} else {
		event = terminalEvent(session, fnErr)
	}

	if err := session.Finish(context.WithoutCancel(session.ctx), event); err != nil {
		log.Error().Err(err).Str("app_id", session.appID).Msg("failed to finish stream")
	}

	return fnErr
}

// Run is Begin followed by Execute.
func (m *Manager) Run(ctx context.Context, appID string, fn func(ctx context.Context, session *Session) error) error {
	session, err := m.Begin(ctx, appID)
	if err != nil {
		return err
	}
	return m.Execute(session, fn)
}

func terminalEvent(session *Session, err error) types.StreamEvent {
	switch {
	case session.ctx.Err() != nil:
		return types.StreamEventAbort
	case err == nil:
		return types.StreamEventFinish
	case errors.Is(err, context.Canceled):
		return types.StreamEventAbort
	default:
		return types.StreamEventError
	}
}

// Subscribe relays the chunks of the running stream for appID. The channel is
// closed after the final chunk or when ctx ends.
func (m *Manager) Subscribe(ctx context.Context, appID string) (<-chan types.StreamChunk, error) {
	out := make(chan types.StreamChunk, 64)

	var (
		mu     sync.Mutex
		closed bool
	)
	closeOut := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(out)
		}
	}

	// follow the session running now, or the first one heard from
	_, follow, err := m.state(ctx, appID)
	if err != nil {
		return nil, err
	}

	sub, err := m.pubsub.Subscribe(ctx, pubsub.GetStreamChunksTopic(appID), func(payload []byte) error {
		var chunk types.StreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return fmt.Errorf("failed to decode stream chunk: %w", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		if follow == "" {
			follow = chunk.Session
		}
		if chunk.Session != follow {
			log.Debug().
				Str("app_id", appID).
				Str("session", chunk.Session).
				Msg("ignoring chunk from a replaced session")
			return nil
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return nil
		}
		if chunk.Done {
			closed = true
			close(out)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to stream %s: %w", appID, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		closeOut()
	}()

	return out, nil
}
