// Package workers schedules named background workers and one-shot actors.
// Periodic jobs such as resource expiration sweeps and notification window
// timers run here so that shutdown can drain them in one place.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// WorkerFunc is the body of a worker. Periodic workers run it once per
// interval until it returns false; actors run it exactly once and ignore
// the return value.
type WorkerFunc func(ctx context.Context, w *Worker) bool

// Pool schedules named background workers and actors and tracks their
// lifecycle so that shutdown can wait for all of them.
type Pool struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	workers map[uint64]*Worker
	closed  bool

	wg sync.WaitGroup
}

// NewPool creates an empty worker pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		logger:  logger,
		workers: make(map[uint64]*Worker),
	}
}

// WorkerOptions holds the optional knobs for periodic workers.
type WorkerOptions struct {
	// StartWithDelay delays the first run by one interval instead of
	// running immediately on Start.
	StartWithDelay bool

	// Data seeds the worker's mutable data slot.
	Data any
}

// ActorOptions holds the optional knobs for one-shot actors.
type ActorOptions struct {
	// Delay postpones the single run after Start.
	Delay time.Duration

	// Data seeds the actor's mutable data slot.
	Data any
}

// NewWorker registers a periodic worker under the given name. The worker
// does not run until Start is called on the returned handle. Names are not
// required to be unique; FindWorkers returns every match.
func (p *Pool) NewWorker(name string, interval time.Duration, fn WorkerFunc, opts *WorkerOptions) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("worker name cannot be empty")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("worker interval must be positive")
	}
	if fn == nil {
		return nil, fmt.Errorf("worker function cannot be nil")
	}

	w := &Worker{
		name:     name,
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts != nil {
		w.startWithDelay = opts.StartWithDelay
		w.data = opts.Data
	}
	return p.register(w)
}

// NewActor registers a one-shot actor under the given name. The actor runs
// once after its delay and then unregisters itself.
func (p *Pool) NewActor(name string, fn WorkerFunc, opts *ActorOptions) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("actor name cannot be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("actor function cannot be nil")
	}

	w := &Worker{
		name:    name,
		oneShot: true,
		fn:      fn,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts != nil {
		w.delay = opts.Delay
		w.data = opts.Data
	}
	return p.register(w)
}

func (p *Pool) register(w *Worker) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("worker pool is shut down")
	}

	p.nextID++
	w.id = p.nextID
	w.pool = p
	p.workers[w.id] = w
	return w, nil
}

func (p *Pool) unregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// FindWorkers returns the registered workers whose names match the glob
// pattern, for example "crsPeriodic_*".
func (p *Pool) FindWorkers(pattern string) ([]*Worker, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid worker name pattern %q: %w", pattern, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var matches []*Worker
	for _, w := range p.workers {
		if g.Match(w.name) {
			matches = append(matches, w)
		}
	}
	return matches, nil
}

// StopWorkers stops every worker whose name matches the glob pattern and
// waits for the stopped workers to exit. It returns the number of workers
// stopped. It must not be called from a worker's own callback.
func (p *Pool) StopWorkers(pattern string) (int, error) {
	matches, err := p.FindWorkers(pattern)
	if err != nil {
		return 0, err
	}

	for _, w := range matches {
		w.Stop()
	}
	for _, w := range matches {
		w.awaitExit()
	}
	return len(matches), nil
}

// ActiveCount returns the number of currently registered workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown stops all workers and waits for them to drain, or until ctx
// expires. The pool rejects new workers afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	all := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	p.mu.Unlock()

	for _, w := range all {
		w.Stop()
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("worker pool drained",
			zap.Int("workers_stopped", len(all)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// Worker is a handle on a scheduled worker or actor. A Worker runs at most
// one lifecycle: once stopped or finished it cannot be restarted.
type Worker struct {
	id   uint64
	pool *Pool
	name string

	// interval is the period between runs; zero for actors.
	interval time.Duration

	// delay postpones an actor's single run.
	delay time.Duration

	startWithDelay bool
	oneShot        bool
	fn             WorkerFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	data    any
	started bool
	running bool
}

// Name returns the worker's registered name.
func (w *Worker) Name() string {
	return w.name
}

// Data returns the current value of the worker's data slot.
func (w *Worker) Data() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data
}

// SetData replaces the worker's data slot.
func (w *Worker) SetData(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = v
}

// UpdateData applies fn to the data slot under the worker's lock. Callers
// use it to accumulate state, such as notification window bookkeeping,
// without racing the worker's own callback.
func (w *Worker) UpdateData(fn func(current any) any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = fn(w.data)
}

// Running reports whether the worker goroutine is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the worker goroutine. Starting a worker twice is an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker %q already started", w.name)
	}
	w.started = true
	w.running = true
	w.mu.Unlock()

	w.pool.wg.Add(1)
	ActiveWorkersGauge.Inc()
	go w.run(ctx)
	return nil
}

// Stop signals the worker to exit. It does not wait and is safe to call
// from the worker's own callback.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *Worker) awaitExit() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	if !started {
		// Never ran, so nothing will close done.
		w.pool.unregister(w.id)
		return
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.pool.unregister(w.id)
		ActiveWorkersGauge.Dec()
		w.pool.wg.Done()
		close(w.done)
	}()

	initial := time.Duration(0)
	switch {
	case w.oneShot:
		initial = w.delay
	case w.startWithDelay:
		initial = w.interval
	}

	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			again := w.invoke(ctx)
			if w.oneShot || !again {
				return
			}
			timer.Reset(w.interval)
		}
	}
}

// invoke runs the callback once, converting a panic into a stop so a bad
// callback cannot take the process down.
func (w *Worker) invoke(ctx context.Context) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("worker callback panicked",
				zap.String("worker", w.name),
				zap.Any("panic", r))
			again = false
		}
	}()

	WorkerRunsTotal.WithLabelValues(w.name).Inc()
	return w.fn(ctx, w)
}
