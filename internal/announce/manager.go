// Package announce mirrors selected resources to registered remote CSEs.
// A resource lists target peers in its at attribute; the manager keeps an
// announced shadow of it on each listed peer and records the shadow's
// remote identifier in the resource's bookkeeping. Failed announcements
// are retried by a periodic sweep.
package announce

import (
	"context"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// sweepWorkerName is the pool name of the periodic retry sweep.
const sweepWorkerName = "announceSweep"

// Config carries the announcement manager's knobs.
type Config struct {
	// SweepInterval is the period of the retry sweep.
	SweepInterval time.Duration

	// RetryAttempts bounds the per-request retries towards a peer.
	RetryAttempts int

	// RequestTimeout bounds every outbound announcement request.
	RequestTimeout time.Duration
}

// Manager keeps announced shadows on peer CSEs in sync with the local
// resources that request them.
type Manager struct {
	svc    resource.Services
	store  storage.Store
	bus    *events.Bus
	pool   *workers.Pool
	client *Client
	config Config
	logger *zap.Logger
}

// NewManager creates the announcement manager. RegisterHandlers wires it
// to the event bus; Start arms the retry sweep.
func NewManager(svc resource.Services, store storage.Store, bus *events.Bus, pool *workers.Pool, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 3
	}
	return &Manager{
		svc:    svc,
		store:  store,
		bus:    bus,
		pool:   pool,
		client: NewClient(cfg.RequestTimeout, cfg.RetryAttempts, svc.CSE().CSI, logger.Named("announce")),
		config: cfg,
		logger: logger.Named("announce"),
	}
}

// RegisterHandlers subscribes the manager to the lifecycle and
// registration events that drive announcements.
func (m *Manager) RegisterHandlers() error {
	var errs error
	add := func(name string, fn events.Handler) {
		if _, err := m.bus.AddHandler(name, fn); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	add(events.CreateLocalResource, m.onLocalCreate)
	add(events.UpdateLocalResource, m.onLocalUpdate)
	add(events.DeleteLocalResource, m.onLocalDelete)
	add(events.RemoteCSERegistered, m.onPeerRegistered)
	add(events.RemoteCSEDeregistered, m.onPeerDeregistered)
	return errs
}

// Start arms the periodic sweep that retries announcements the event
// path could not complete.
func (m *Manager) Start(ctx context.Context) error {
	w, err := m.pool.NewWorker(sweepWorkerName, m.config.SweepInterval, func(wctx context.Context, _ *workers.Worker) bool {
		m.sweep(wctx)
		return true
	}, &workers.WorkerOptions{StartWithDelay: true})
	if err != nil {
		return err
	}
	return w.Start(context.WithoutCancel(ctx))
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (m *Manager) Stop(ctx context.Context) {
	if _, err := m.pool.StopWorkers(sweepWorkerName); err != nil {
		m.logger.Warn("stopping announcement sweep failed", zap.Error(err))
	}
}

func (m *Manager) onLocalCreate(ctx context.Context, ev events.Event) {
	re, ok := ev.Payload.(*events.ResourceEvent)
	if !ok || re.Resource == nil {
		return
	}
	if len(re.Resource.GetStringSlice("at")) == 0 {
		return
	}
	if err := m.syncResource(ctx, re.Resource); err != nil {
		m.logger.Warn("announcing created resource failed, sweep will retry",
			zap.String("ri", re.Resource.RI()), zap.Error(err))
	}
}

// onLocalUpdate propagates the attribute delta to existing shadows, then
// reconciles added and removed at entries.
func (m *Manager) onLocalUpdate(ctx context.Context, ev events.Event) {
	re, ok := ev.Payload.(*events.ResourceEvent)
	if !ok || re.Resource == nil {
		return
	}
	r := re.Resource

	if delta := announcedDelta(r, re.ModifiedAttributes); len(delta) > 0 {
		for _, ref := range r.AnnouncedTo() {
			if !atReferences(r, ref.CSI) {
				continue
			}
			if err := m.updateShadow(ctx, r, ref, delta); err != nil {
				m.logger.Warn("propagating update to announced shadow failed",
					zap.String("ri", r.RI()), zap.String("peer", ref.CSI), zap.Error(err))
			}
		}
	}

	if err := m.syncResource(ctx, r); err != nil {
		m.logger.Warn("reconciling announcements failed, sweep will retry",
			zap.String("ri", r.RI()), zap.Error(err))
	}
}

// onLocalDelete removes the shadows of a deleted resource. The resource
// is gone locally, so failures can only be logged.
func (m *Manager) onLocalDelete(ctx context.Context, ev events.Event) {
	re, ok := ev.Payload.(*events.ResourceEvent)
	if !ok || re.Resource == nil {
		return
	}
	r := re.Resource
	for _, ref := range r.AnnouncedTo() {
		if err := m.deleteShadow(ctx, ref); err != nil {
			m.logger.Warn("removing announced shadow of deleted resource failed",
				zap.String("ri", r.RI()), zap.String("peer", ref.CSI), zap.Error(err))
		}
	}
}

// onPeerRegistered announces everything that was waiting for this peer.
func (m *Manager) onPeerRegistered(ctx context.Context, ev events.Event) {
	re, ok := ev.Payload.(*events.ResourceEvent)
	if !ok || re.Resource == nil {
		return
	}
	csi := re.Resource.GetString("csi")
	if csi == "" {
		return
	}
	m.sweepPeer(ctx, csi)
}

// onPeerDeregistered drops the bookkeeping towards a departed peer. Its
// shadows died with the registration on the peer side.
func (m *Manager) onPeerDeregistered(ctx context.Context, ev events.Event) {
	re, ok := ev.Payload.(*events.ResourceEvent)
	if !ok || re.Resource == nil {
		return
	}
	csi := re.Resource.GetString("csi")
	if csi == "" {
		return
	}
	docs, err := m.store.SearchResources(ctx, func(doc types.JSON) bool {
		return doc["__announcedTo__"] != nil
	})
	if err != nil {
		m.logger.Error("searching announced resources failed", zap.Error(err))
		return
	}
	for _, doc := range docs {
		r, err := resource.FromDocument(doc)
		if err != nil {
			continue
		}
		if _, ok := r.RemoveAnnouncedTo(csi); !ok {
			continue
		}
		if err := m.svc.UpdateCommitted(ctx, r); err != nil {
			m.logger.Error("clearing announcement bookkeeping failed",
				zap.String("ri", r.RI()), zap.Error(err))
		}
	}
}

// sweep reconciles every resource with announcement state, retrying what
// earlier event-driven passes could not complete.
func (m *Manager) sweep(ctx context.Context) {
	docs, err := m.store.SearchResources(ctx, func(doc types.JSON) bool {
		return doc["at"] != nil || doc["__announcedTo__"] != nil
	})
	if err != nil {
		m.logger.Error("announcement sweep query failed", zap.Error(err))
		return
	}
	for _, doc := range docs {
		r, err := resource.FromDocument(doc)
		if err != nil {
			continue
		}
		if err := m.syncResource(ctx, r); err != nil {
			m.logger.Debug("announcement sweep left resource unsynced",
				zap.String("ri", r.RI()), zap.Error(err))
		}
	}
}

// sweepPeer reconciles the resources that reference one peer.
func (m *Manager) sweepPeer(ctx context.Context, csi string) {
	docs, err := m.store.SearchResources(ctx, func(doc types.JSON) bool {
		return doc["at"] != nil
	})
	if err != nil {
		m.logger.Error("announcement sweep query failed", zap.Error(err))
		return
	}
	for _, doc := range docs {
		r, err := resource.FromDocument(doc)
		if err != nil || !atReferences(r, csi) {
			continue
		}
		if err := m.syncResource(ctx, r); err != nil {
			m.logger.Warn("announcing to freshly registered peer failed",
				zap.String("ri", r.RI()), zap.String("peer", csi), zap.Error(err))
		}
	}
}

// syncResource brings a resource's shadows in line with its at list:
// dropped peers are de-announced, new peers announced, and the
// bookkeeping committed once.
func (m *Manager) syncResource(ctx context.Context, r *resource.Resource) error {
	var errs error
	changed := false

	for _, ref := range r.AnnouncedTo() {
		if atReferences(r, ref.CSI) {
			continue
		}
		if err := m.deAnnounce(ctx, r, ref); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		changed = true
	}

	for _, entry := range r.GetStringSlice("at") {
		csi := atCSI(entry)
		if csi == "" || csi == m.svc.CSE().CSI {
			continue
		}
		if r.AnnouncedToCSI(csi) {
			continue
		}
		if err := m.announceTo(ctx, r, csi); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		changed = true
	}

	if changed {
		if err := m.svc.UpdateCommitted(ctx, r); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// announceTo creates the shadow of r on one peer and books the remote
// identifier. Instances can only be announced below an already announced
// parent.
func (m *Manager) announceTo(ctx context.Context, r *resource.Resource, csi string) error {
	csr, err := m.peerCSR(ctx, csi)
	if err != nil {
		return err
	}

	target, err := m.announceTarget(ctx, r, csi, csr)
	if err != nil {
		return err
	}

	remoteRI, err := m.client.Create(ctx, csr.GetStringSlice("poa"), target, r.Type(),
		announcedDocument(m.svc.CSE(), r))
	if err != nil {
		return err
	}
	r.AddAnnouncedTo(csi, remoteRI)
	m.logger.Debug("resource announced",
		zap.String("ri", r.RI()), zap.String("peer", csi), zap.String("remote", remoteRI))
	return nil
}

// announceTarget picks where on the peer the shadow is created: under the
// announced parent when there is one, otherwise under the peer's CSEBase.
func (m *Manager) announceTarget(ctx context.Context, r *resource.Resource, csi string, csr *resource.Resource) (string, error) {
	parent, err := m.svc.ResourceByID(ctx, r.PI())
	if err == nil {
		for _, ref := range parent.AnnouncedTo() {
			if ref.CSI == csi {
				return csi + "/" + ref.RemoteRI, nil
			}
		}
	}
	if r.Type().IsInstance() {
		return "", types.Errorf(types.RSCOperationNotAllowed,
			"instance %s cannot be announced before its parent", r.RI())
	}
	if cb := csr.GetString("cb"); cb != "" {
		if strings.HasPrefix(cb, "/") {
			return cb, nil
		}
		return csi + "/" + cb, nil
	}
	return csi, nil
}

// updateShadow pushes an announced attribute delta to one shadow.
func (m *Manager) updateShadow(ctx context.Context, r *resource.Resource, ref resource.AnnouncementRef, delta types.JSON) error {
	csr, err := m.peerCSR(ctx, ref.CSI)
	if err != nil {
		return err
	}
	return m.client.Update(ctx, csr.GetStringSlice("poa"), ref.CSI+"/"+ref.RemoteRI, r.Type(), delta)
}

// deAnnounce removes one shadow and drops its bookkeeping entry. A peer
// that is no longer registered took the shadow with it.
func (m *Manager) deAnnounce(ctx context.Context, r *resource.Resource, ref resource.AnnouncementRef) error {
	csr, err := m.peerCSR(ctx, ref.CSI)
	if err != nil {
		m.logger.Warn("de-announcing towards unregistered peer, dropping bookkeeping",
			zap.String("ri", r.RI()), zap.String("peer", ref.CSI))
		r.RemoveAnnouncedTo(ref.CSI)
		return nil
	}
	if err := m.deleteShadowAt(ctx, csr, ref); err != nil {
		return err
	}
	r.RemoveAnnouncedTo(ref.CSI)
	return nil
}

// deleteShadow removes one shadow without touching bookkeeping.
func (m *Manager) deleteShadow(ctx context.Context, ref resource.AnnouncementRef) error {
	csr, err := m.peerCSR(ctx, ref.CSI)
	if err != nil {
		return err
	}
	return m.deleteShadowAt(ctx, csr, ref)
}

func (m *Manager) deleteShadowAt(ctx context.Context, csr *resource.Resource, ref resource.AnnouncementRef) error {
	err := m.client.Delete(ctx, csr.GetStringSlice("poa"), ref.CSI+"/"+ref.RemoteRI)
	if err != nil && types.RSCOf(err) != types.RSCNotFound {
		return err
	}
	return nil
}

// peerCSR finds the remoteCSE registration of a peer CSE-ID.
func (m *Manager) peerCSR(ctx context.Context, csi string) (*resource.Resource, error) {
	children, err := m.svc.DirectChildren(ctx, m.svc.CSE().RI, types.ResourceTypeCSR)
	if err != nil {
		return nil, types.WrapError(types.RSCInternalServerError, "loading remote CSE registrations failed", err)
	}
	for _, c := range children {
		if c.GetString("csi") == csi {
			return c, nil
		}
	}
	return nil, types.Errorf(types.RSCNotFound, "peer %s is not registered", csi)
}

// atCSI extracts the peer CSE-ID from an at entry; entries may carry a
// path below the CSE-ID.
func atCSI(entry string) string {
	trimmed := strings.TrimPrefix(entry, "/")
	if trimmed == "" {
		return ""
	}
	if i := strings.Index(trimmed, "/"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}

// atReferences reports whether the resource's at list names the peer.
func atReferences(r *resource.Resource, csi string) bool {
	for _, entry := range r.GetStringSlice("at") {
		if atCSI(entry) == csi {
			return true
		}
	}
	return false
}

// announcedDocument renders the announced representation: the link to the
// original plus its announced attributes.
func announcedDocument(cse resource.CSEInfo, r *resource.Resource) types.JSON {
	doc := types.JSON{
		"rn":  r.RN() + "_annc",
		"lnk": cse.SPRelative(r.RI()),
	}
	if et := r.ExpirationTime(); et != "" {
		doc["et"] = et
	}
	if lbl := r.GetStringSlice("lbl"); len(lbl) > 0 {
		doc["lbl"] = lbl
	}
	for _, name := range r.GetStringSlice("aa") {
		if v, ok := r.Get(name); ok {
			doc[name] = v
		}
	}
	return doc
}

// announcedDelta filters an update delta down to the attributes the
// shadows carry.
func announcedDelta(r *resource.Resource, modified types.JSON) types.JSON {
	if len(modified) == 0 {
		return nil
	}
	announced := map[string]struct{}{"lbl": {}, "et": {}}
	for _, name := range r.GetStringSlice("aa") {
		announced[name] = struct{}{}
	}
	out := types.JSON{}
	for k, v := range modified {
		if _, ok := announced[k]; ok {
			out[k] = v
		}
	}
	return out
}
