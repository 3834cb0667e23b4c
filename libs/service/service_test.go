package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

type testService struct {
	BaseService
	startErr error
	starts   int32
	stops    int32
}

func newTestService(startErr error) *testService {
	ts := &testService{startErr: startErr}
	ts.BaseService = *NewBaseService(nil, "TestService", ts)
	return ts
}

func (ts *testService) OnStart(context.Context) error {
	atomic.AddInt32(&ts.starts, 1)
	return ts.startErr
}

func (ts *testService) OnStop() {
	atomic.AddInt32(&ts.stops, 1)
}

func TestBaseServiceWait(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService(nil)
	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		close(waitFinished)
	}()

	go ts.Stop() //nolint:errcheck // ignore for tests

	select {
	case <-waitFinished:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}
	require.False(t, ts.IsRunning())
}

func TestBaseServiceStopsOnCancel(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	ts := newTestService(nil)
	require.NoError(t, ts.Start(ctx))

	cancel()
	ts.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&ts.stops))
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	require.Equal(t, int32(1), atomic.LoadInt32(&ts.stops))
}

func TestBaseServiceLifecycleErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService(nil)
	require.ErrorIs(t, ts.Stop(), ErrNotStarted)
	require.NoError(t, ts.Start(ctx))
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, ts.Stop())
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)

	failing := newTestService(errors.New("boom"))
	require.Error(t, failing.Start(ctx))
	require.False(t, failing.IsRunning())
	require.Error(t, failing.Start(ctx), "a failed start can be retried")
	require.Equal(t, int32(2), atomic.LoadInt32(&failing.starts))
}
