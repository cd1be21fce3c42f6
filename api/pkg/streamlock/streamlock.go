package streamlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/system"
	"github.com/helixml/appbuilder/api/pkg/types"
)

const keyPrefix = "stream:lock:"

func Key(appID string) string {
	return keyPrefix + appID
}

// Manager hands out the per-project lock that serializes generation sessions
// across every instance sharing the coordination store.
type Manager struct {
	store   kvstore.Store
	cfg     config.StreamLock
	clock   clockwork.Clock
	metrics *metrics.Metrics
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

func NewManager(store kvstore.Store, cfg config.StreamLock, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock is a held project lock. Only the holder's token can release or refresh it.
type Lock struct {
	manager *Manager
	appID   string
	token   string
}

func (l *Lock) AppID() string {
	return l.appID
}

func (l *Lock) Token() string {
	return l.token
}

// Release deletes the lock if this holder still owns it. It reports false when
// the lock had already expired or been taken over.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	released, err := l.manager.store.CompareAndDelete(ctx, Key(l.appID), l.token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock for %s: %w", l.appID, err)
	}
	if !released {
		log.Warn().Str("app_id", l.appID).Msg("lock was no longer held at release")
	}
	return released, nil
}

// Refresh extends the lock TTL. False means the lock was lost.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	refreshed, err := l.manager.store.CompareAndExpire(ctx, Key(l.appID), l.token, l.manager.cfg.TTL)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock for %s: %w", l.appID, err)
	}
	return refreshed, nil
}

// TryAcquire makes a single attempt. A store failure is returned as an error
// and never reported as the lock being held.
func (m *Manager) TryAcquire(ctx context.Context, appID string) (*Lock, bool, error) {
	token := system.GenerateLockToken()
	ok, err := m.store.SetNX(ctx, Key(appID), token, m.cfg.TTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{manager: m, appID: appID, token: token}, true, nil
}

// AcquireLock polls until the lock is free or timeout passes, returning
// types.ErrLockTimeout in the latter case.
func (m *Manager) AcquireLock(ctx context.Context, appID string, timeout time.Duration) (*Lock, error) {
	deadline := m.clock.Now().Add(timeout)

	for {
		lock, ok, err := m.TryAcquire(ctx, appID)
		if err != nil {
			m.metrics.ObserveLock("error")
			log.Error().Err(err).Str("app_id", appID).Msg("failed to acquire lock")
			return nil, err
		}
		if ok {
			m.metrics.ObserveLock("acquired")
			log.Debug().Str("app_id", appID).Msg("acquired stream lock")
			return lock, nil
		}

		if !m.clock.Now().Before(deadline) {
			m.metrics.ObserveLock("timeout")
			log.Info().Str("app_id", appID).Dur("timeout", timeout).Msg("timed out waiting for stream lock")
			return nil, types.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			m.metrics.ObserveLock("error")
			return nil, ctx.Err()
		case <-m.clock.After(m.cfg.PollInterval):
		}
	}
}

// ReleaseLock deletes the lock regardless of holder. It is only meant for
// forced takeover of a stale session and operator tooling.
func (m *Manager) ReleaseLock(ctx context.Context, appID string) error {
	if err := m.store.Del(ctx, Key(appID)); err != nil {
		return fmt.Errorf("failed to force release lock for %s: %w", appID, err)
	}
	log.Info().Str("app_id", appID).Msg("force released stream lock")
	return nil
}

// Holder returns the current holder token, if any.
func (m *Manager) Holder(ctx context.Context, appID string) (string, bool, error) {
	token, err := m.store.Get(ctx, Key(appID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}
