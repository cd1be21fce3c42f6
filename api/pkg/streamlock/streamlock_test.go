package streamlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/types"
)

func testConfig() config.StreamLock {
	return config.StreamLock{
		TTL:            30 * time.Second,
		PollInterval:   5 * time.Millisecond,
		AcquireTimeout: time.Second,
		StopTimeout:    time.Second,
	}
}

type ManagerSuite struct {
	suite.Suite

	ctx     context.Context
	store   *kvstore.MemoryStore
	metrics *metrics.Metrics
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = kvstore.NewMemoryStore(nil)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.manager = NewManager(s.store, testConfig(), WithMetrics(s.metrics))
}

func (s *ManagerSuite) TestAcquireAndRelease() {
	lock, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)
	s.Equal("app-1", lock.AppID())
	s.NotEmpty(lock.Token())

	token, held, err := s.manager.Holder(s.ctx, "app-1")
	s.Require().NoError(err)
	s.True(held)
	s.Equal(lock.Token(), token)

	released, err := lock.Release(s.ctx)
	s.Require().NoError(err)
	s.True(released)

	_, held, err = s.manager.Holder(s.ctx, "app-1")
	s.Require().NoError(err)
	s.False(held)

	// releasing twice is harmless
	released, err = lock.Release(s.ctx)
	s.Require().NoError(err)
	s.False(released)
}

func (s *ManagerSuite) TestOneWinnerAmongConcurrentAcquirers() {
	const contenders = 16

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := s.manager.TryAcquire(s.ctx, "app-1")
			s.NoError(err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), winners.Load())
}

func (s *ManagerSuite) TestAcquireTimesOut() {
	_, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)

	started := time.Now()
	_, err = s.manager.AcquireLock(s.ctx, "app-1", 50*time.Millisecond)
	s.ErrorIs(err, types.ErrLockTimeout)
	s.GreaterOrEqual(time.Since(started), 50*time.Millisecond)

	s.Equal(float64(1), testutil.ToFloat64(s.metrics.LockAcquisitions.WithLabelValues("timeout")))
}

func (s *ManagerSuite) TestAcquireWaitsForRelease() {
	first, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = first.Release(context.Background())
	}()

	second, err := s.manager.AcquireLock(s.ctx, "app-1", 2*time.Second)
	s.Require().NoError(err)
	s.NotEqual(first.Token(), second.Token())
}

func (s *ManagerSuite) TestAcquireHonoursContext() {
	_, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()

	_, err = s.manager.AcquireLock(ctx, "app-1", 10*time.Second)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *ManagerSuite) TestLocksArePerApp() {
	_, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)

	_, err = s.manager.AcquireLock(s.ctx, "app-2", time.Second)
	s.NoError(err)
}

func (s *ManagerSuite) TestForcedReleaseAndStaleHolder() {
	stale, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.ReleaseLock(s.ctx, "app-1"))

	fresh, err := s.manager.AcquireLock(s.ctx, "app-1", time.Second)
	s.Require().NoError(err)

	// the stale holder can neither refresh nor release the new holder's lock
	refreshed, err := stale.Refresh(s.ctx)
	s.Require().NoError(err)
	s.False(refreshed)

	released, err := stale.Release(s.ctx)
	s.Require().NoError(err)
	s.False(released)

	token, held, err := s.manager.Holder(s.ctx, "app-1")
	s.Require().NoError(err)
	s.True(held)
	s.Equal(fresh.Token(), token)
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	manager := NewManager(kvstore.NewMemoryStore(clock), testConfig(), WithClock(clock))

	crashed, ok, err := manager.TryAcquire(ctx, "app-1")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	if _, ok, _ := manager.TryAcquire(ctx, "app-1"); ok {
		t.Fatal("expected lock to be held")
	}

	clock.Advance(29 * time.Second)
	if refreshed, err := crashed.Refresh(ctx); err != nil || !refreshed {
		t.Fatalf("expected refresh to succeed, got %v %v", refreshed, err)
	}

	clock.Advance(29 * time.Second)
	if _, ok, _ := manager.TryAcquire(ctx, "app-1"); ok {
		t.Fatal("expected refreshed lock to still be held")
	}

	// holder stops refreshing, as after a crash
	clock.Advance(2 * time.Second)
	if _, ok, err := manager.TryAcquire(ctx, "app-1"); err != nil || !ok {
		t.Fatalf("expected lock to be free after TTL, got ok=%v err=%v", ok, err)
	}
}

type FailClosedSuite struct {
	suite.Suite

	ctrl    *gomock.Controller
	store   *kvstore.MockStore
	manager *Manager
}

func TestFailClosedSuite(t *testing.T) {
	suite.Run(t, new(FailClosedSuite))
}

func (s *FailClosedSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = kvstore.NewMockStore(s.ctrl)
	s.manager = NewManager(s.store, testConfig())
}

func (s *FailClosedSuite) TestStoreErrorIsNotReportedAsHeld() {
	storeErr := &types.StoreUnavailableError{Op: "setnx", Err: errors.New("connection refused")}
	s.store.EXPECT().SetNX(gomock.Any(), "stream:lock:app-1", gomock.Any(), 30*time.Second).Return(false, storeErr)

	lock, err := s.manager.AcquireLock(context.Background(), "app-1", time.Second)
	s.Nil(lock)
	s.True(types.IsStoreUnavailable(err))
	s.NotErrorIs(err, types.ErrLockTimeout)
}

func (s *FailClosedSuite) TestReleaseErrorSurfaces() {
	s.store.EXPECT().SetNX(gomock.Any(), "stream:lock:app-1", gomock.Any(), 30*time.Second).Return(true, nil)
	s.store.EXPECT().CompareAndDelete(gomock.Any(), "stream:lock:app-1", gomock.Any()).Return(false, errors.New("i/o timeout"))

	lock, err := s.manager.AcquireLock(context.Background(), "app-1", time.Second)
	s.Require().NoError(err)

	released, err := lock.Release(context.Background())
	s.Error(err)
	s.False(released)
}
