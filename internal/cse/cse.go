// Package cse assembles the running CSE: store, event bus, worker pool,
// dispatcher, access control, notification, announcement and statistics
// managers, wired together and torn down in order.
package cse

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/announce"
	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/dispatcher"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/notify"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/security"
	"github.com/piwi3910/cseweave/internal/stats"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// expireWorkerName is the pool name of the resource expiration sweep.
const expireWorkerName = "expirationSweep"

// supportedResourceTypes is published in the CSEBase srt attribute.
var supportedResourceTypes = []int{1, 2, 3, 4, 5, 9, 16, 17, 23, 29, 30, 48}

// CSE owns every component of a running common services entity.
type CSE struct {
	config *config.Config
	logger *zap.Logger

	store      storage.Store
	bus        *events.Bus
	pool       *workers.Pool
	dispatcher *dispatcher.Dispatcher
	notify     *notify.Manager
	announce   *announce.Manager
	stats      *stats.Manager
}

// New builds the component graph. Nothing touches the store until Start.
func New(cfg *config.Config, logger *zap.Logger) (*CSE, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	if err := registerEvents(bus); err != nil {
		return nil, err
	}
	pool := workers.NewPool(logger)

	info := resource.CSEInfo{
		RI:              cfg.CSE.ResourceID,
		RN:              cfg.CSE.ResourceName,
		CSI:             cfg.CSE.CSEID,
		SPID:            cfg.CSE.ServiceProviderID,
		AdminOriginator: cfg.CSE.AdminOriginator,
	}
	reg := resource.NewRegistry(logger)
	d := dispatcher.New(store, reg, bus, pool, dispatcher.Config{
		CSE: info,
		Defaults: resource.Defaults{
			ExpirationDelta:               cfg.CSE.DefaultExpirationDelta,
			MaxExpirationDelta:            cfg.CSE.MaxExpirationDelta,
			SubscriptionExpirationCounter: cfg.Notifications.DefaultExpirationCounter,
		},
		SortDiscovery: cfg.CSE.SortDiscovery,
	}, logger)

	d.SetAuthorizer(security.NewEngine(d, reg, security.Config{
		Enabled: cfg.CSE.ChecksEnabled,
	}, logger))

	nm := notify.NewManager(d, store, bus, pool, notify.Config{
		RequestTimeout:         cfg.Notifications.RequestTimeout,
		MaxRetries:             cfg.Notifications.MaxRetries,
		VerificationEnabled:    cfg.Notifications.VerificationEnabled,
		MissingDataSlackFactor: cfg.TimeSeries.DefaultMissingDataSlackFactor,
	}, logger)
	d.SetNotificationManager(nm)
	if err := nm.RegisterHandlers(); err != nil {
		return nil, err
	}

	am := announce.NewManager(d, store, bus, pool, announce.Config{
		SweepInterval:  cfg.Announcements.SweepInterval,
		RetryAttempts:  cfg.Announcements.RetryAttempts,
		RequestTimeout: cfg.Announcements.RequestTimeout,
	}, logger)
	if err := am.RegisterHandlers(); err != nil {
		return nil, err
	}

	sm := stats.NewManager(store, bus, pool, 0, logger)
	if err := sm.RegisterHandlers(); err != nil {
		return nil, err
	}

	return &CSE{
		config:     cfg,
		logger:     logger.Named("cse"),
		store:      store,
		bus:        bus,
		pool:       pool,
		dispatcher: d,
		notify:     nm,
		announce:   am,
		stats:      sm,
	}, nil
}

// Dispatcher exposes the request pipeline to the HTTP binding.
func (c *CSE) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }

// Store exposes the persistence layer for health checks.
func (c *CSE) Store() storage.Store { return c.store }

// Stats exposes the statistics manager for the admin endpoint.
func (c *CSE) Stats() *stats.Manager { return c.stats }

// Start brings the CSE up: optional store reset, CSEBase bootstrap,
// statistics, announcement sweep and expiration sweep.
func (c *CSE) Start(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return err
	}
	if c.config.Storage.ResetAtStartup {
		c.logger.Warn("resetting store at startup")
		if err := c.store.Purge(ctx); err != nil {
			return err
		}
	}
	if err := c.bootstrapCSEBase(ctx); err != nil {
		return err
	}
	if err := c.stats.Start(ctx); err != nil {
		return err
	}
	if err := c.announce.Start(ctx); err != nil {
		return err
	}
	if err := c.startExpirationSweep(ctx); err != nil {
		return err
	}
	c.logger.Info("cse started",
		zap.String("csi", c.config.CSE.CSEID),
		zap.String("base", c.config.CSE.ResourceName),
		zap.String("backend", c.config.Storage.Backend))
	return nil
}

// Shutdown stops the workers, drains the event bus and closes the store.
func (c *CSE) Shutdown(ctx context.Context) error {
	var errs error
	errs = multierr.Append(errs, c.stats.Stop(ctx))
	errs = multierr.Append(errs, c.pool.Shutdown(ctx))
	errs = multierr.Append(errs, c.bus.Drain(ctx))
	errs = multierr.Append(errs, c.store.Close())
	if errs == nil {
		c.logger.Info("cse stopped")
	}
	return errs
}

// bootstrapCSEBase creates the root resource on first start.
func (c *CSE) bootstrapCSEBase(ctx context.Context) error {
	_, err := c.store.ResourceByID(ctx, c.config.CSE.ResourceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrResourceNotFound) {
		return err
	}

	base := resource.NewCSEBase(resource.CSEInfo{
		RI:              c.config.CSE.ResourceID,
		RN:              c.config.CSE.ResourceName,
		CSI:             c.config.CSE.CSEID,
		SPID:            c.config.CSE.ServiceProviderID,
		AdminOriginator: c.config.CSE.AdminOriginator,
	}, supportedResourceTypes)
	if err := c.store.UpsertResource(ctx, base.Document()); err != nil {
		return err
	}
	if err := c.store.UpsertIdentifier(ctx, &storage.IdentifierRecord{
		RI:   base.RI(),
		RN:   base.RN(),
		SRN:  base.StructuredPath(),
		Type: base.Type(),
	}); err != nil {
		return err
	}
	c.logger.Info("cse base created", zap.String("ri", base.RI()))
	return nil
}

// startExpirationSweep arms the worker that removes expired resources
// through the full delete pipeline.
func (c *CSE) startExpirationSweep(ctx context.Context) error {
	interval := c.config.CSE.ExpirationSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w, err := c.pool.NewWorker(expireWorkerName, interval, func(wctx context.Context, _ *workers.Worker) bool {
		c.sweepExpired(wctx)
		return true
	}, &workers.WorkerOptions{StartWithDelay: true})
	if err != nil {
		return err
	}
	return w.Start(context.WithoutCancel(ctx))
}

// sweepExpired deletes every resource whose expirationTime has passed.
// Cascaded children may already be gone when their own turn comes.
func (c *CSE) sweepExpired(ctx context.Context) {
	docs, err := c.store.ExpiredResources(ctx, types.Now())
	if err != nil {
		c.logger.Error("expiration query failed", zap.Error(err))
		return
	}
	admin := c.config.CSE.AdminOriginator
	for _, doc := range docs {
		r, err := resource.FromDocument(doc)
		if err != nil {
			continue
		}
		if _, err := c.store.ResourceByID(ctx, r.RI()); err != nil {
			continue
		}
		if err := c.dispatcher.DeleteResource(ctx, r, admin); err != nil {
			c.logger.Warn("removing expired resource failed",
				zap.String("ri", r.RI()), zap.Error(err))
			continue
		}
		c.bus.Fire(ctx, events.ExpireResource, &events.ResourceEvent{
			Resource:   r,
			Originator: admin,
		})
		c.logger.Debug("expired resource removed", zap.String("ri", r.RI()))
	}
}

// newStore selects the persistence backend.
func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return storage.Instrument(storage.NewMemoryStore()), nil
	case "redis":
		rc := storage.DefaultRedisConfig()
		if cfg.Storage.Redis.Addr != "" {
			rc.Addr = cfg.Storage.Redis.Addr
		}
		rc.Password = cfg.Storage.Redis.Password
		rc.DB = cfg.Storage.Redis.DB
		rc.UseSentinel = cfg.Storage.Redis.UseSentinel
		rc.SentinelAddrs = cfg.Storage.Redis.SentinelAddrs
		rc.MasterName = cfg.Storage.Redis.MasterName
		if cfg.Storage.Redis.MaxRetries > 0 {
			rc.MaxRetries = cfg.Storage.Redis.MaxRetries
		}
		if cfg.Storage.Redis.DialTimeout > 0 {
			rc.DialTimeout = cfg.Storage.Redis.DialTimeout
		}
		if cfg.Storage.Redis.ReadTimeout > 0 {
			rc.ReadTimeout = cfg.Storage.Redis.ReadTimeout
		}
		if cfg.Storage.Redis.WriteTimeout > 0 {
			rc.WriteTimeout = cfg.Storage.Redis.WriteTimeout
		}
		if cfg.Storage.Redis.PoolSize > 0 {
			rc.PoolSize = cfg.Storage.Redis.PoolSize
		}
		if cfg.Storage.Redis.KeyPrefix != "" {
			rc.KeyPrefix = cfg.Storage.Redis.KeyPrefix
		} else if cfg.CSE.ResourceID != "" {
			rc.KeyPrefix = cfg.CSE.ResourceID
		}
		if cfg.Storage.CacheSize > 0 {
			rc.CacheSize = cfg.Storage.CacheSize
		}
		return storage.Instrument(storage.NewRedisStore(rc)), nil
	default:
		return nil, errors.New("unknown storage backend " + cfg.Storage.Backend)
	}
}

// registerEvents declares every event the components fire. Request-path
// events run in the caller so their side effects land before the
// response; the registration and bookkeeping events run in the
// background.
func registerEvents(bus *events.Bus) error {
	var errs error
	add := func(name string, background bool) {
		errs = multierr.Append(errs, bus.AddEvent(name, background))
	}
	add(events.CreateLocalResource, false)
	add(events.UpdateLocalResource, false)
	add(events.DeleteLocalResource, false)
	add(events.CreateDirectChild, false)
	add(events.DeleteDirectChild, false)
	add(events.RetrieveLocalResource, true)
	add(events.ExpireResource, false)
	add(events.BlockingRetrieve, false)
	add(events.BlockingUpdate, false)
	add(events.ReportMissingDataPoints, false)
	add(events.NotificationSent, true)
	add(events.AERegistered, true)
	add(events.AEDeregistered, true)
	add(events.RemoteCSERegistered, false)
	add(events.RemoteCSEDeregistered, false)
	return errs
}
