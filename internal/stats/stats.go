// Package stats counts the CSE's operations. Counters are fed by the
// resource lifecycle events and persisted periodically so they survive a
// restart.
package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/workers"
)

// persistWorkerName is the pool name of the periodic snapshot writer.
const persistWorkerName = "statsPersist"

// Manager accumulates operation counters and writes them through to the
// store on a fixed interval.
type Manager struct {
	store  storage.Store
	bus    *events.Bus
	pool   *workers.Pool
	logger *zap.Logger

	interval  time.Duration
	startTime time.Time

	created   atomic.Uint64
	updated   atomic.Uint64
	retrieved atomic.Uint64
	deleted   atomic.Uint64
	expired   atomic.Uint64
	sent      atomic.Uint64
}

// NewManager creates the statistics manager. interval is the persistence
// period; zero picks a default.
func NewManager(store storage.Store, bus *events.Bus, pool *workers.Pool, interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		store:     store,
		bus:       bus,
		pool:      pool,
		logger:    logger.Named("stats"),
		interval:  interval,
		startTime: time.Now().UTC(),
	}
}

// RegisterHandlers subscribes the counters to the lifecycle events.
func (m *Manager) RegisterHandlers() error {
	var errs error
	add := func(name string, counter *atomic.Uint64) {
		_, err := m.bus.AddHandler(name, func(context.Context, events.Event) {
			counter.Add(1)
		})
		errs = multierr.Append(errs, err)
	}
	add(events.CreateLocalResource, &m.created)
	add(events.UpdateLocalResource, &m.updated)
	add(events.RetrieveLocalResource, &m.retrieved)
	add(events.DeleteLocalResource, &m.deleted)
	add(events.ExpireResource, &m.expired)
	add(events.NotificationSent, &m.sent)
	return errs
}

// Start seeds the counters from the persisted snapshot and arms the
// periodic writer.
func (m *Manager) Start(ctx context.Context) error {
	persisted, err := m.store.GetStatistics(ctx)
	switch {
	case err == nil:
		m.created.Store(persisted.CreatedResources)
		m.updated.Store(persisted.UpdatedResources)
		m.retrieved.Store(persisted.RetrievedResources)
		m.deleted.Store(persisted.DeletedResources)
		m.expired.Store(persisted.ExpiredResources)
		m.sent.Store(persisted.NotificationsSent)
		if !persisted.StartTime.IsZero() {
			m.startTime = persisted.StartTime
		}
	case errors.Is(err, storage.ErrStatisticsNotFound):
		if err := m.persist(ctx); err != nil {
			return err
		}
	default:
		return err
	}

	w, err := m.pool.NewWorker(persistWorkerName, m.interval, func(wctx context.Context, _ *workers.Worker) bool {
		if err := m.persist(wctx); err != nil {
			m.logger.Warn("persisting statistics failed", zap.Error(err))
		}
		return true
	}, &workers.WorkerOptions{StartWithDelay: true})
	if err != nil {
		return err
	}
	return w.Start(context.WithoutCancel(ctx))
}

// Stop halts the writer and flushes a final snapshot.
func (m *Manager) Stop(ctx context.Context) error {
	if _, err := m.pool.StopWorkers(persistWorkerName); err != nil {
		m.logger.Warn("stopping statistics writer failed", zap.Error(err))
	}
	return m.persist(ctx)
}

// Snapshot returns the current counter values.
func (m *Manager) Snapshot() storage.Statistics {
	return storage.Statistics{
		CreatedResources:   m.created.Load(),
		UpdatedResources:   m.updated.Load(),
		RetrievedResources: m.retrieved.Load(),
		DeletedResources:   m.deleted.Load(),
		ExpiredResources:   m.expired.Load(),
		NotificationsSent:  m.sent.Load(),
		StartTime:          m.startTime,
	}
}

func (m *Manager) persist(ctx context.Context) error {
	snapshot := m.Snapshot()
	return m.store.PutStatistics(ctx, &snapshot)
}
