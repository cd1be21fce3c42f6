package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/helixml/appbuilder/api/pkg/config"
	"github.com/helixml/appbuilder/api/pkg/kvstore"
	"github.com/helixml/appbuilder/api/pkg/metrics"
	"github.com/helixml/appbuilder/api/pkg/pubsub"
	"github.com/helixml/appbuilder/api/pkg/streamlock"
	"github.com/helixml/appbuilder/api/pkg/types"
)

const appID = "app-1"

type ManagerSuite struct {
	suite.Suite

	ctx     context.Context
	cfg     config.StreamLock
	store   *kvstore.MemoryStore
	pubsub  *pubsub.InMemory
	locks   *streamlock.Manager
	metrics *metrics.Metrics
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = config.StreamLock{
		TTL:            150 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		AcquireTimeout: 200 * time.Millisecond,
		StopTimeout:    200 * time.Millisecond,
	}
	s.store = kvstore.NewMemoryStore(nil)
	s.pubsub = pubsub.NewInMemory()
	s.locks = streamlock.NewManager(s.store, s.cfg)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.manager = s.newInstance()
}

func (s *ManagerSuite) TearDownTest() {
	_ = s.pubsub.Close()
}

// newInstance builds another manager sharing the store and bus, as a second
// server process would.
func (s *ManagerSuite) newInstance() *Manager {
	return NewManager(s.store, s.locks, s.pubsub, s.cfg, WithMetrics(s.metrics))
}

func (s *ManagerSuite) requireIdle() {
	running, err := s.manager.IsStreamRunning(s.ctx, appID)
	s.Require().NoError(err)
	s.False(running, "expected stream to be idle")

	_, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.False(held, "expected lock to be released")
}

func (s *ManagerSuite) TestBeginAndFinish() {
	s.requireIdle()

	session, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	status, err := s.manager.Status(s.ctx, appID)
	s.Require().NoError(err)
	s.Equal(types.StreamStatusRunning, status)

	token, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.True(held)
	s.Equal(session.Token(), token)

	s.Require().NoError(s.manager.HandleStreamLifecycle(s.ctx, session, types.StreamEventFinish))
	s.requireIdle()
	s.Error(session.Context().Err())

	// idempotent
	s.NoError(session.Finish(s.ctx, types.StreamEventFinish))

	s.Equal(float64(1), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("finish")))
	s.Equal(float64(0), testutil.ToFloat64(s.metrics.ActiveStreamSessions))
}

func (s *ManagerSuite) TestSecondBeginTimesOut() {
	session, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)
	defer session.Finish(s.ctx, types.StreamEventFinish)

	_, err = s.manager.Begin(s.ctx, appID)
	s.ErrorIs(err, types.ErrLockTimeout)
}

func (s *ManagerSuite) TestStopIdleIsNoop() {
	s.NoError(s.manager.StopStream(s.ctx, appID))

	stopped, err := s.manager.WaitForStreamToStop(s.ctx, appID, time.Second)
	s.Require().NoError(err)
	s.True(stopped)
}

func (s *ManagerSuite) TestStopAndWaitForCooperativeExit() {
	exited := make(chan error, 1)
	started := make(chan struct{})

	go func() {
		exited <- s.manager.Run(s.ctx, appID, func(ctx context.Context, _ *Session) error {
			close(started)
			<-ctx.Done()
			// simulate the generation winding down
			time.Sleep(20 * time.Millisecond)
			return ctx.Err()
		})
	}()
	<-started

	s.Require().NoError(s.manager.StopStream(s.ctx, appID))

	status, err := s.manager.Status(s.ctx, appID)
	s.Require().NoError(err)
	s.Contains([]types.StreamStatus{types.StreamStatusStopping, types.StreamStatusIdle}, status)

	stopped, err := s.manager.WaitForStreamToStop(s.ctx, appID, 5*time.Second)
	s.Require().NoError(err)
	s.True(stopped)

	s.ErrorIs(<-exited, context.Canceled)
	s.requireIdle()
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("abort")))
}

func (s *ManagerSuite) TestStopReachesSessionOnAnotherInstance() {
	owner := s.newInstance()
	other := s.newInstance()

	session, err := owner.Begin(s.ctx, appID)
	s.Require().NoError(err)
	defer session.Finish(s.ctx, types.StreamEventAbort)

	s.Require().NoError(other.StopStream(s.ctx, appID))

	s.Eventually(func() bool {
		return session.Context().Err() != nil
	}, time.Second, 5*time.Millisecond)
	s.True(session.Stopped())
}

func (s *ManagerSuite) TestWaitTimesOutAndClearReleases() {
	// a session that never exits, like a hung generation
	stale, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.StopStream(s.ctx, appID))

	stopped, err := s.manager.WaitForStreamToStop(s.ctx, appID, 50*time.Millisecond)
	s.Require().NoError(err)
	s.False(stopped)

	s.Require().NoError(s.manager.ClearStreamState(s.ctx, appID))
	s.requireIdle()

	fresh, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	// the stale session finishing late must not touch the new one
	s.NoError(stale.Finish(s.ctx, types.StreamEventAbort))

	status, err := s.manager.Status(s.ctx, appID)
	s.Require().NoError(err)
	s.Equal(types.StreamStatusRunning, status)

	token, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.True(held)
	s.Equal(fresh.Token(), token)

	s.Require().NoError(fresh.Finish(s.ctx, types.StreamEventFinish))
	s.requireIdle()
}

func (s *ManagerSuite) TestPrepareForNewStreamWaitsForStop() {
	exited := make(chan struct{})
	started := make(chan struct{})

	go func() {
		defer close(exited)
		_ = s.manager.Run(s.ctx, appID, func(ctx context.Context, _ *Session) error {
			close(started)
			<-ctx.Done()
			return nil
		})
	}()
	<-started

	session, err := s.manager.PrepareForNewStream(s.ctx, appID)
	s.Require().NoError(err)
	<-exited

	token, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.True(held)
	s.Equal(session.Token(), token)

	s.Equal(float64(0), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("forced_clear")))

	s.Require().NoError(session.Finish(s.ctx, types.StreamEventFinish))
	s.requireIdle()
}

func (s *ManagerSuite) TestPrepareForNewStreamForceClearsHungSession() {
	// owned by another instance and ignoring its context
	hung, err := s.newInstance().Begin(context.Background(), appID)
	s.Require().NoError(err)

	hung.sub.Unsubscribe() // stop requests never arrive

	session, err := s.manager.PrepareForNewStream(s.ctx, appID)
	s.Require().NoError(err)
	defer session.Finish(s.ctx, types.StreamEventFinish)

	token, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.True(held)
	s.Equal(session.Token(), token)

	s.Equal(float64(1), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("forced_clear")))

	// the hung session notices on its next keepalive
	s.Eventually(func() bool {
		return errors.Is(context.Cause(hung.Context()), ErrLockLost)
	}, time.Second, 5*time.Millisecond)
}

func (s *ManagerSuite) TestRunReleasesOnEveryExitPath() {
	s.Run("Success", func() {
		err := s.manager.Run(s.ctx, appID, func(context.Context, *Session) error {
			return nil
		})
		s.NoError(err)
		s.requireIdle()
	})

	s.Run("Error", func() {
		boom := errors.New("agent failed")
		err := s.manager.Run(s.ctx, appID, func(context.Context, *Session) error {
			return boom
		})
		s.ErrorIs(err, boom)
		s.requireIdle()
	})

	s.Run("Panic", func() {
		err := s.manager.Run(s.ctx, appID, func(context.Context, *Session) error {
			panic("boom")
		})
		s.ErrorContains(err, "boom")
		s.requireIdle()
	})

	s.Run("CallerCancelled", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		err := s.manager.Run(ctx, appID, func(ctx context.Context, _ *Session) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		s.ErrorIs(err, context.Canceled)
		s.requireIdle()
	})

	s.Equal(float64(1), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("finish")))
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("error")))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.StreamLifecycleEvents.WithLabelValues("abort")))
}

func (s *ManagerSuite) TestKeepaliveOutlivesTTL() {
	session, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	time.Sleep(4 * s.cfg.TTL)

	s.NoError(session.Context().Err())

	running, err := s.manager.IsStreamRunning(s.ctx, appID)
	s.Require().NoError(err)
	s.True(running)

	token, held, err := s.locks.Holder(s.ctx, appID)
	s.Require().NoError(err)
	s.True(held)
	s.Equal(session.Token(), token)

	s.Require().NoError(session.Finish(s.ctx, types.StreamEventFinish))
	s.requireIdle()
}

func (s *ManagerSuite) TestLockLossCancelsSession() {
	session, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)
	defer session.Finish(s.ctx, types.StreamEventAbort)

	s.Require().NoError(s.locks.ReleaseLock(s.ctx, appID))

	s.Eventually(func() bool {
		return errors.Is(context.Cause(session.Context()), ErrLockLost)
	}, time.Second, 5*time.Millisecond)
	s.False(session.Stopped())
}

func (s *ManagerSuite) TestSubscribeRelaysChunks() {
	session, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	chunks, err := s.newInstance().Subscribe(ctx, appID)
	s.Require().NoError(err)

	for _, text := range []string{"Hello", ", ", "world"} {
		s.Require().NoError(session.Publish(s.ctx, types.StreamChunk{Text: text}))
	}
	s.Require().NoError(session.Finish(s.ctx, types.StreamEventFinish))

	var (
		texts []string
		done  bool
	)
	timeout := time.After(2 * time.Second)
	for !done {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				done = true
				break
			}
			s.Equal(appID, chunk.AppID)
			if chunk.Done {
				continue
			}
			texts = append(texts, chunk.Text)
		case <-timeout:
			s.FailNow("timed out waiting for chunks")
		}
	}

	s.Equal([]string{"Hello", ", ", "world"}, texts)
}

func (s *ManagerSuite) TestSubscribeIgnoresReplacedSession() {
	stale, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	s.Require().NoError(s.manager.ClearStreamState(s.ctx, appID))
	fresh, err := s.manager.Begin(s.ctx, appID)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	chunks, err := s.newInstance().Subscribe(ctx, appID)
	s.Require().NoError(err)

	// the replaced session exits late and announces its end
	s.Require().NoError(stale.Publish(s.ctx, types.StreamChunk{Text: "stale"}))
	s.Require().NoError(stale.Finish(s.ctx, types.StreamEventAbort))

	s.Require().NoError(fresh.Publish(s.ctx, types.StreamChunk{Text: "fresh"}))

	select {
	case chunk, ok := <-chunks:
		s.Require().True(ok, "reader was closed by the replaced session")
		s.Equal("fresh", chunk.Text)
		s.Equal(fresh.Token(), chunk.Session)
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for chunk")
	}

	s.Require().NoError(fresh.Finish(s.ctx, types.StreamEventFinish))

	select {
	case chunk, ok := <-chunks:
		s.Require().True(ok)
		s.True(chunk.Done)
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for the end of the stream")
	}
	s.requireIdle()
}
