package drain

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wolf/internal/logger"
)

func newTestCoordinator(t *testing.T, reg Registry, opts Options) (*Coordinator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Logger = logger.New(&syncWriter{w: &buf}, slog.LevelDebug)
	return NewCoordinator(reg, opts), &buf
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestOnShutdownGracefulScenario(t *testing.T) {
	reg := &fakeRegistry{}
	pool := newFakePool(time.Second, never)
	acc := &fakeAcceptor{pool: pool}

	c, _ := newTestCoordinator(t, reg, Options{QuiesceWait: 0, PoolDrainTimeout: 5 * time.Second})
	require.NoError(t, c.Install(acc))

	start := time.Now()
	report := c.OnShutdown(context.Background())
	elapsed := time.Since(start)

	assert.EqualValues(t, 1, reg.calls.Load())
	assert.EqualValues(t, 1, acc.pauses.Load())
	assert.Equal(t, []string{"graceful", "await(5s)=true"}, pool.Events())

	graceful, forceful := pool.Calls()
	assert.Equal(t, 1, graceful)
	assert.Equal(t, 0, forceful)

	assert.True(t, report.First)
	assert.NoError(t, report.DeregisterErr)
	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.Equal(t, PhaseTerminated, c.State().Phase())
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestEscalationOrder(t *testing.T) {
	pool := newFakePool(never, 20*time.Millisecond)
	c, buf := newTestCoordinator(t, &fakeRegistry{}, Options{PoolDrainTimeout: 100 * time.Millisecond})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	report := c.OnShutdown(context.Background())

	assert.Equal(t, []string{
		"graceful",
		"await(100ms)=false",
		"forceful",
		"await(100ms)=true",
	}, pool.Events())
	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.Contains(t, buf.String(), "drain_escalate")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestBoundedLatencyWhenPoolNeverTerminates(t *testing.T) {
	pool := newFakePool(never, never)
	c, buf := newTestCoordinator(t, &fakeRegistry{}, Options{QuiesceWait: 0, PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	start := time.Now()
	report := c.OnShutdown(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, PhaseTimedOut, report.Phase)
	assert.Less(t, elapsed, 3*time.Second)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)

	_, forceful := pool.Calls()
	assert.Equal(t, 1, forceful)
	assert.Contains(t, buf.String(), "drain_timed_out")
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestRegistryFailureIsNotFatal(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("registry unavailable")}
	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool}
	c, buf := newTestCoordinator(t, reg, Options{PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(acc))

	report := c.OnShutdown(context.Background())

	require.Error(t, report.DeregisterErr)
	assert.EqualValues(t, 1, acc.pauses.Load())
	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.Contains(t, buf.String(), "registry unavailable")
}

func TestHungRegistryIsBounded(t *testing.T) {
	reg := &fakeRegistry{release: make(chan struct{})}
	defer close(reg.release)

	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool}
	c, _ := newTestCoordinator(t, reg, Options{
		PoolDrainTimeout:  time.Second,
		DeregisterTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, c.Install(acc))

	start := time.Now()
	report := c.OnShutdown(context.Background())

	assert.ErrorIs(t, report.DeregisterErr, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, acc.pauses.Load())
}

func TestPanickingRegistryIsContained(t *testing.T) {
	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool}
	c, buf := newTestCoordinator(t, &fakeRegistry{panics: true}, Options{PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(acc))

	report := c.OnShutdown(context.Background())

	assert.Error(t, report.DeregisterErr)
	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.Contains(t, buf.String(), "stage_panic")
}

func TestNilRegistrySkipsDeregistration(t *testing.T) {
	pool := newFakePool(0, never)
	c, _ := newTestCoordinator(t, nil, Options{PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	report := c.OnShutdown(context.Background())
	assert.NoError(t, report.DeregisterErr)
	assert.Equal(t, PhaseTerminated, report.Phase)
}

func TestQuiesceRunsAtMostOnce(t *testing.T) {
	const callers = 10
	reg := &fakeRegistry{}
	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool}
	c, _ := newTestCoordinator(t, reg, Options{QuiesceWait: 300 * time.Millisecond, PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(acc))

	reports := make([]Report, callers)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = c.OnShutdown(context.Background())
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	slept, first := 0, 0
	for _, r := range reports {
		if r.Quiesced {
			slept++
		}
		if r.First {
			first++
		}
		assert.Equal(t, PhaseTerminated, r.Phase)
	}
	assert.Equal(t, 1, slept, "exactly one caller sleeps")
	assert.Equal(t, 1, first, "exactly one caller wins the trigger")
	assert.EqualValues(t, 1, reg.calls.Load())
	assert.Less(t, elapsed, 600*time.Millisecond, "sleep time must not scale with callers")
	assert.True(t, c.State().Triggered())
	assert.True(t, c.State().Quiesced())
}

func TestInterruptedQuiesceShortensSequence(t *testing.T) {
	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool}
	c, buf := newTestCoordinator(t, &fakeRegistry{}, Options{QuiesceWait: 10 * time.Second, PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(acc))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	report := c.OnShutdown(ctx)

	assert.True(t, report.Interrupted)
	assert.EqualValues(t, 1, acc.pauses.Load())
	pausedAfter := acc.firstPause().Sub(start)
	assert.GreaterOrEqual(t, pausedAfter, 90*time.Millisecond)
	assert.Less(t, pausedAfter, time.Second)
	assert.Contains(t, buf.String(), "quiesce_interrupted")

	assert.Equal(t, PhaseTerminated, report.Phase)
	graceful, forceful := pool.Calls()
	assert.Equal(t, 1, graceful, "drain still runs after an interrupted quiesce")
	assert.Equal(t, 0, forceful, "a terminated pool is never forced")
}

func TestInterruptedQuiesceKeepsGracefulWindow(t *testing.T) {
	pool := newFakePool(300*time.Millisecond, never)
	c, buf := newTestCoordinator(t, &fakeRegistry{}, Options{QuiesceWait: 10 * time.Second, PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	report := c.OnShutdown(ctx)
	elapsed := time.Since(start)

	assert.True(t, report.Interrupted)
	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "graceful window is still awaited")
	assert.Less(t, elapsed, time.Second)
	assert.NotContains(t, pool.Events(), "forceful")
	assert.NotContains(t, buf.String(), "wait_interrupted")
	assert.NotContains(t, buf.String(), "did not terminate")
}

func TestCancelledContextStillSeesTerminatedPool(t *testing.T) {
	pool := newFakePool(0, 0)
	c, _ := newTestCoordinator(t, &fakeRegistry{}, Options{QuiesceWait: 10 * time.Second, PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := c.OnShutdown(ctx)

	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.Equal(t, []string{"graceful", "await(1s)=true"}, pool.Events())
}

func TestInterruptedPoolWaitStillEscalates(t *testing.T) {
	pool := newFakePool(never, never)
	c, _ := newTestCoordinator(t, &fakeRegistry{}, Options{PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	report := c.OnShutdown(ctx)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, time.Second, "forceful window is still bounded by the drain timeout")
	assert.Less(t, elapsed, 2500*time.Millisecond, "graceful window is cut short")
	assert.Equal(t, PhaseTimedOut, report.Phase)
	graceful, forceful := pool.Calls()
	assert.Equal(t, 1, graceful)
	assert.Equal(t, 1, forceful, "forceful shutdown is issued before returning")
}

func TestInterruptedGracefulWaitTerminatesForcefully(t *testing.T) {
	pool := newFakePool(never, 200*time.Millisecond)
	c, _ := newTestCoordinator(t, &fakeRegistry{}, Options{PoolDrainTimeout: 5 * time.Second})
	require.NoError(t, c.Install(&fakeAcceptor{pool: pool}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	report := c.OnShutdown(ctx)

	assert.Equal(t, PhaseTerminated, report.Phase)
	assert.Less(t, time.Since(start), 2*time.Second)
	_, forceful := pool.Calls()
	assert.Equal(t, 1, forceful)
}

func TestLateStagesAreIdempotent(t *testing.T) {
	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool}
	reg := &fakeRegistry{}
	c, _ := newTestCoordinator(t, reg, Options{PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(acc))

	first := c.OnShutdown(context.Background())

	done := make(chan Report, 1)
	go func() { done <- c.OnShutdown(context.Background()) }()

	select {
	case second := <-done:
		assert.True(t, first.First)
		assert.False(t, second.First)
		assert.False(t, second.Quiesced)
		assert.Equal(t, PhaseTerminated, second.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("second OnShutdown hung")
	}

	assert.EqualValues(t, 1, reg.calls.Load())
	assert.EqualValues(t, 2, acc.pauses.Load())
}

func TestMissingAcceptorSkipsDrain(t *testing.T) {
	reg := &fakeRegistry{}
	c, buf := newTestCoordinator(t, reg, Options{})

	report := c.OnShutdown(context.Background())

	assert.True(t, report.DrainSkipped)
	assert.Equal(t, PhaseRunning, report.Phase)
	assert.EqualValues(t, 1, reg.calls.Load())
	assert.Contains(t, buf.String(), "acceptor_missing")
}

func TestNilWorkerPoolSkipsDrain(t *testing.T) {
	acc := &fakeAcceptor{}
	c, _ := newTestCoordinator(t, nil, Options{})
	require.NoError(t, c.Install(acc))

	report := c.OnShutdown(context.Background())
	assert.True(t, report.DrainSkipped)
	assert.EqualValues(t, 1, acc.pauses.Load())
}

func TestPausePanicStillDrains(t *testing.T) {
	pool := newFakePool(0, never)
	acc := &fakeAcceptor{pool: pool, panicOnPause: true}
	c, _ := newTestCoordinator(t, nil, Options{PoolDrainTimeout: time.Second})
	require.NoError(t, c.Install(acc))

	report := c.OnShutdown(context.Background())

	graceful, _ := pool.Calls()
	assert.Equal(t, 1, graceful)
	assert.Equal(t, PhaseTerminated, report.Phase)
}

func TestInstallOnlyOnce(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, Options{})

	require.NoError(t, c.Install(&fakeAcceptor{}))
	assert.ErrorIs(t, c.Install(&fakeAcceptor{}), ErrAcceptorInstalled)
	assert.Error(t, c.Install(nil))
}

func TestNewCoordinatorDefaults(t *testing.T) {
	c := NewCoordinator(nil, Options{QuiesceWait: -time.Second, Logger: logger.Discard()})

	assert.Equal(t, time.Duration(0), c.opts.QuiesceWait)
	assert.Equal(t, 30*time.Second, c.opts.PoolDrainTimeout)
	assert.Equal(t, 5*time.Second, c.opts.DeregisterTimeout)
}
