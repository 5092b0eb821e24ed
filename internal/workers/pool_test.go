package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shutdownPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestWorkerRunsPeriodically(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	var runs atomic.Int64
	w, err := p.NewWorker("ticker", 10*time.Millisecond, func(_ context.Context, _ *Worker) bool {
		runs.Add(1)
		return true
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerStopsWhenCallbackReturnsFalse(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	var runs atomic.Int64
	w, err := p.NewWorker("once", 5*time.Millisecond, func(_ context.Context, _ *Worker) bool {
		runs.Add(1)
		return false
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return p.ActiveCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestWorkerStartWithDelay(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	var runs atomic.Int64
	w, err := p.NewWorker("delayed", 150*time.Millisecond, func(_ context.Context, _ *Worker) bool {
		runs.Add(1)
		return true
	}, &WorkerOptions{StartWithDelay: true})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(0), runs.Load(), "first run should wait one interval")

	assert.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActorRunsExactlyOnce(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	var runs atomic.Int64
	a, err := p.NewActor("fire-once", func(_ context.Context, _ *Worker) bool {
		runs.Add(1)
		return true
	}, &ActorOptions{Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The actor unregisters itself after its single run.
	assert.Eventually(t, func() bool {
		return p.ActiveCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestActorDataAccumulation(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	seen := make(chan []string, 1)
	a, err := p.NewActor("window", func(_ context.Context, w *Worker) bool {
		items, _ := w.Data().([]string)
		seen <- items
		return true
	}, &ActorOptions{Delay: 50 * time.Millisecond, Data: []string{}})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	a.UpdateData(func(current any) any {
		return append(current.([]string), "sub1")
	})
	a.UpdateData(func(current any) any {
		return append(current.([]string), "sub2")
	})

	select {
	case items := <-seen:
		assert.Equal(t, []string{"sub1", "sub2"}, items)
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not fire")
	}
}

func TestStopWorkersByGlob(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	fn := func(_ context.Context, _ *Worker) bool { return true }
	for _, name := range []string{"crsPeriodic_r1", "crsPeriodic_r2", "expirationSweep"} {
		w, err := p.NewWorker(name, time.Hour, fn, &WorkerOptions{StartWithDelay: true})
		require.NoError(t, err)
		require.NoError(t, w.Start(context.Background()))
	}
	require.Equal(t, 3, p.ActiveCount())

	stopped, err := p.StopWorkers("crsPeriodic_*")
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)
	assert.Equal(t, 1, p.ActiveCount())

	remaining, err := p.FindWorkers("*")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "expirationSweep", remaining[0].Name())
}

func TestFindWorkersInvalidPattern(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	_, err := p.FindWorkers("[")
	assert.Error(t, err)
}

func TestStopUnstartedWorker(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	_, err := p.NewWorker("idle", time.Hour, func(_ context.Context, _ *Worker) bool { return true }, nil)
	require.NoError(t, err)

	stopped, err := p.StopWorkers("idle")
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, p.ActiveCount())
}

func TestStartTwiceFails(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	w, err := p.NewWorker("dup", time.Hour, func(_ context.Context, _ *Worker) bool { return true }, &WorkerOptions{StartWithDelay: true})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
}

func TestWorkerPanicStopsWorker(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	w, err := p.NewWorker("panicky", 5*time.Millisecond, func(_ context.Context, _ *Worker) bool {
		panic("boom")
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return p.ActiveCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownRejectsNewWorkers(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	shutdownPool(t, p)

	_, err := p.NewWorker("late", time.Second, func(_ context.Context, _ *Worker) bool { return true }, nil)
	assert.Error(t, err)
}

func TestNewWorkerValidation(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t))
	defer shutdownPool(t, p)

	fn := func(_ context.Context, _ *Worker) bool { return true }

	tests := []struct {
		name     string
		worker   string
		interval time.Duration
		fn       WorkerFunc
	}{
		{"empty name", "", time.Second, fn},
		{"zero interval", "w", 0, fn},
		{"nil callback", "w", time.Second, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.NewWorker(tt.worker, tt.interval, tt.fn, nil)
			assert.Error(t, err)
		})
	}
}
