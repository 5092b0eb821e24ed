// Package notify implements the subscription side of the CSE: it turns
// resource lifecycle events into oneM2M notifications, runs the
// verification and deletion handshakes, batches and aggregates sends,
// evaluates cross-resource time windows and monitors time series for
// missing data points.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/cseweave/internal/dispatcher"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// Config carries the notification manager's knobs.
type Config struct {
	// RequestTimeout bounds a single notification HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the per-delivery retry budget.
	MaxRetries int

	// VerificationEnabled turns the subscription verification handshake on.
	VerificationEnabled bool

	// MissingDataSlackFactor widens a time series monitoring deadline to
	// pei + pei*factor when the series carries no mdt.
	MissingDataSlackFactor float64
}

// Manager owns everything between a fired resource event and a delivered
// notification.
type Manager struct {
	svc    resource.Services
	store  storage.Store
	bus    *events.Bus
	pool   *workers.Pool
	sender *Sender
	config Config
	logger *zap.Logger
}

var _ dispatcher.NotificationManager = (*Manager)(nil)

// NewManager creates the notification manager. RegisterHandlers must be
// called once the event bus carries the resource lifecycle events.
func NewManager(svc resource.Services, store storage.Store, bus *events.Bus, pool *workers.Pool, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MissingDataSlackFactor <= 0 {
		cfg.MissingDataSlackFactor = 0.5
	}
	return &Manager{
		svc:    svc,
		store:  store,
		bus:    bus,
		pool:   pool,
		sender: NewSender(cfg.RequestTimeout, cfg.MaxRetries, logger.Named("notify")),
		config: cfg,
		logger: logger.Named("notify"),
	}
}

// RegisterHandlers subscribes the manager to the resource lifecycle
// events it translates into notifications.
func (m *Manager) RegisterHandlers() error {
	var errs error
	add := func(name string, fn events.Handler) {
		if _, err := m.bus.AddHandler(name, fn); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	add(events.CreateDirectChild, m.onChildEvent(types.NetCreateDirectChild))
	add(events.DeleteDirectChild, m.onChildEvent(types.NetDeleteDirectChild))
	add(events.UpdateLocalResource, m.onResourceEvent(types.NetResourceUpdate))
	add(events.DeleteLocalResource, m.onResourceEvent(types.NetResourceDelete))
	add(events.ReportMissingDataPoints, m.onResourceEvent(types.NetReportOnMissingDataPoints))
	return errs
}

// onChildEvent notifies the subscriptions sitting on the parent of the
// created or deleted child.
func (m *Manager) onChildEvent(net types.NotificationEventType) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		re, ok := ev.Payload.(*events.ResourceEvent)
		if !ok || re.Resource == nil {
			return
		}
		recs, err := m.store.SubscriptionsByParent(ctx, re.Resource.PI())
		if err != nil {
			m.logger.Error("loading subscription records failed",
				zap.String("parent", re.Resource.PI()), zap.Error(err))
			return
		}
		for _, rec := range recs {
			if !rec.WantsEventType(net) || !rec.WantsChildType(re.Resource.Type()) {
				continue
			}
			// The originator of the change never hears about its own
			// child operations.
			if sameOriginator(rec.Originator, re.Originator) {
				continue
			}
			m.dispatch(ctx, rec, m.notification(rec, net, re.Resource, nil))
		}
	}
}

// onResourceEvent notifies the subscriptions sitting on the changed
// resource itself.
func (m *Manager) onResourceEvent(net types.NotificationEventType) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		re, ok := ev.Payload.(*events.ResourceEvent)
		if !ok || re.Resource == nil {
			return
		}
		recs, err := m.store.SubscriptionsByParent(ctx, re.Resource.RI())
		if err != nil {
			m.logger.Error("loading subscription records failed",
				zap.String("ri", re.Resource.RI()), zap.Error(err))
			return
		}
		for _, rec := range recs {
			if !rec.WantsEventType(net) {
				continue
			}
			if net == types.NetResourceUpdate && !wantsAnyAttribute(rec, re.ModifiedAttributes) {
				continue
			}
			m.dispatch(ctx, rec, m.notification(rec, net, re.Resource, re.ModifiedAttributes))
		}
	}
}

// notification renders the m2m:sgn body for one subscription record. The
// representation follows the record's nct; modified attribute rendering
// falls back to the full representation on events that carry no delta.
func (m *Manager) notification(rec *storage.SubscriptionRecord, net types.NotificationEventType, res *resource.Resource, modified types.JSON) types.JSON {
	var rep any
	switch rec.ContentType {
	case types.NctModifiedAttributes:
		if modified != nil {
			rep = types.JSON{res.Type().ShortName(): modified}
		} else {
			rep = res.Representation()
		}
	case types.NctRI:
		rep = types.JSON{"m2m:uri": m.svc.CSE().SPRelative(res.RI())}
	case types.NctTimeSeriesNotification:
		rep = types.JSON{"m2m:tsn": types.JSON{
			"mdlt": res.GetStringSlice("mdlt"),
			"mdc":  res.GetInt("mdc"),
		}}
	default:
		rep = res.Representation()
	}
	return types.JSON{"m2m:sgn": types.JSON{
		"nev": types.JSON{"net": int(net), "rep": rep},
		"sur": m.svc.CSE().SPRelative(rec.RI),
	}}
}

// dispatch routes one rendered notification to the record's targets,
// either into a batch or out through a fan-out send.
func (m *Manager) dispatch(ctx context.Context, rec *storage.SubscriptionRecord, body types.JSON) {
	if rec.Batching() {
		for _, nu := range rec.NotificationURIs {
			if err := m.addToBatch(ctx, rec, nu, body); err != nil {
				m.logger.Error("batching notification failed",
					zap.String("sub", rec.RI), zap.String("nu", nu), zap.Error(err))
			}
		}
		return
	}

	var delivered atomic.Int64
	var g errgroup.Group
	for _, nu := range rec.NotificationURIs {
		g.Go(func() error {
			err := m.deliver(ctx, nu, body, "")
			recordDelivery(err)
			if err != nil {
				m.logger.Warn("notification delivery failed",
					zap.String("sub", rec.RI), zap.String("nu", nu), zap.Error(err))
				return err
			}
			delivered.Add(1)
			m.bus.Fire(ctx, events.NotificationSent, nu)
			return nil
		})
	}
	// Failed targets are already logged; the siblings still count.
	_ = g.Wait()

	if n := delivered.Load(); n > 0 {
		m.consumeExpirationCounter(ctx, rec, n)
	}
}

// consumeExpirationCounter burns sent deliveries off the exc budget and
// deletes the subscription when the budget runs out.
func (m *Manager) consumeExpirationCounter(ctx context.Context, rec *storage.SubscriptionRecord, sent int64) {
	if rec.ExpirationCounter <= 0 {
		return
	}
	remaining := rec.ExpirationCounter - sent
	if remaining < 1 {
		sub, err := m.svc.ResourceByID(ctx, rec.RI)
		if err != nil {
			return
		}
		if err := m.svc.DeleteResource(ctx, sub, m.svc.CSE().AdminOriginator); err != nil {
			m.logger.Error("deleting exhausted subscription failed",
				zap.String("ri", rec.RI), zap.Error(err))
		}
		return
	}

	current, err := m.store.SubscriptionByRI(ctx, rec.RI)
	if err != nil {
		return
	}
	current.ExpirationCounter = remaining
	if err := m.store.UpsertSubscription(ctx, current); err != nil {
		m.logger.Error("updating subscription counter failed",
			zap.String("ri", rec.RI), zap.Error(err))
		return
	}
	if sub, err := m.svc.ResourceByID(ctx, rec.RI); err == nil {
		sub.Set("exc", remaining)
		if err := m.svc.UpdateCommitted(ctx, sub); err != nil {
			m.logger.Warn("recording exc on subscription failed",
				zap.String("ri", rec.RI), zap.Error(err))
		}
	}
}

// deliver sends one notification body to a single target, which is either
// an HTTP endpoint or a local resource address.
func (m *Manager) deliver(ctx context.Context, target string, body types.JSON, eventCategory string) error {
	if IsURL(target) {
		return m.sender.Post(ctx, target, body, eventCategory)
	}
	res, err := m.resolveTarget(ctx, target)
	if err != nil {
		return err
	}
	return m.DeliverToResource(ctx, res, body)
}

// resolveTarget turns a non-URL notification target into the local
// resource it names. SP-relative addresses of this CSE are accepted;
// addresses of other CSEs are not forwarded.
func (m *Manager) resolveTarget(ctx context.Context, target string) (*resource.Resource, error) {
	csi := m.svc.CSE().CSI
	ri := target
	switch {
	case strings.HasPrefix(target, csi+"/"):
		ri = strings.TrimPrefix(target, csi+"/")
	case strings.HasPrefix(target, "/"):
		return nil, types.Errorf(types.RSCTargetNotReachable,
			"notification target %s lives on another CSE", target)
	}
	res, err := m.svc.ResourceByID(ctx, ri)
	if err != nil {
		return nil, types.WrapError(types.RSCTargetNotReachable,
			"notification target "+target+" cannot be resolved", err)
	}
	return res, nil
}

// DeliverToResource hands a notification to a local resource: a
// crossResourceSubscription absorbs it as a constituent report, anything
// else is reached through its point-of-access addresses.
func (m *Manager) DeliverToResource(ctx context.Context, res *resource.Resource, content types.JSON) error {
	if res.Type() == types.ResourceTypeCRS {
		return m.crsReport(ctx, res, content)
	}
	if res.Type() == types.ResourceTypeAE && !res.GetBool("rr") {
		return types.Errorf(types.RSCTargetNotReachable,
			"AE %s is not request reachable", res.RI())
	}
	// A csz list restricts the serializations the target accepts; this
	// binding carries JSON only.
	if csz := res.GetStringSlice("csz"); len(csz) > 0 && !acceptsJSON(csz) {
		return types.Errorf(types.RSCNotAcceptable,
			"%s accepts none of the supported serializations", res.RI())
	}
	poa := res.GetStringSlice("poa")
	if len(poa) == 0 {
		return types.Errorf(types.RSCTargetNotReachable,
			"%s has no point of access", res.RI())
	}

	var lastErr error
	for _, addr := range poa {
		if !IsURL(addr) {
			lastErr = types.Errorf(types.RSCTargetNotReachable,
				"point of access %s is not an HTTP endpoint", addr)
			continue
		}
		if err := m.sender.Post(ctx, addr, content, ""); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// verifyTargets runs the verification handshake against every target that
// is not the subscribing originator itself. A single refusal fails the
// whole operation.
func (m *Manager) verifyTargets(ctx context.Context, subRI, originator string, targets []string) error {
	if !m.config.VerificationEnabled {
		return nil
	}
	body := types.JSON{"m2m:sgn": types.JSON{
		"vrq": true,
		"sur": m.svc.CSE().SPRelative(subRI),
		"cr":  originator,
	}}
	for _, nu := range targets {
		if sameOriginator(nu, originator) {
			continue
		}
		if err := m.deliver(ctx, nu, body, ""); err != nil {
			verificationFailuresTotal.Inc()
			return types.WrapError(types.RSCSubscriptionVerificationInitiationFailed,
				"verification of "+nu+" failed", err)
		}
	}
	return nil
}

// SubscriptionCreated verifies the targets and persists the flattened
// subscription record the event handlers match against.
func (m *Manager) SubscriptionCreated(ctx context.Context, sub *resource.Resource, parent *resource.Resource, originator string) error {
	rec := recordFromResource(sub, originator)
	if err := m.verifyTargets(ctx, rec.RI, originator, rec.NotificationURIs); err != nil {
		return err
	}
	if err := m.store.UpsertSubscription(ctx, rec); err != nil {
		return types.WrapError(types.RSCInternalServerError,
			"persisting subscription record failed", err)
	}
	m.logger.Debug("subscription registered",
		zap.String("ri", rec.RI),
		zap.String("parent", rec.PI),
		zap.Int("targets", len(rec.NotificationURIs)))
	return nil
}

// SubscriptionUpdated verifies newly added targets and rewrites the
// record from the updated resource.
func (m *Manager) SubscriptionUpdated(ctx context.Context, sub *resource.Resource, previousNus []string, originator string) error {
	creator := originator
	if existing, err := m.store.SubscriptionByRI(ctx, sub.RI()); err == nil && existing.Originator != "" {
		creator = existing.Originator
	}
	rec := recordFromResource(sub, creator)
	if err := m.verifyTargets(ctx, rec.RI, creator, addedStrings(rec.NotificationURIs, previousNus)); err != nil {
		return err
	}
	if err := m.store.UpsertSubscription(ctx, rec); err != nil {
		return types.WrapError(types.RSCInternalServerError,
			"persisting subscription record failed", err)
	}
	return nil
}

// SubscriptionDeleted drops the record with its pending batches and sends
// the deletion notification to the subscriber and any linked
// cross-resource subscriptions. Delivery failures do not block the
// deletion.
func (m *Manager) SubscriptionDeleted(ctx context.Context, sub *resource.Resource) error {
	ri := sub.RI()
	if err := m.store.DeleteSubscription(ctx, ri); err != nil && !errors.Is(err, storage.ErrSubscriptionNotFound) {
		return types.WrapError(types.RSCInternalServerError,
			"removing subscription record failed", err)
	}

	// Stop without waiting: the deletion may run inside a batch guard
	// whose flush exhausted the expiration counter.
	if guards, err := m.pool.FindWorkers("batch_" + ri + "_*"); err == nil {
		for _, g := range guards {
			g.Stop()
		}
	}

	targets := sub.GetStringSlice("acrs")
	if su := sub.GetString("su"); su != "" {
		targets = append([]string{su}, targets...)
	}
	if len(targets) == 0 {
		return nil
	}

	body := types.JSON{"m2m:sgn": types.JSON{
		"sud": true,
		"sur": m.svc.CSE().SPRelative(ri),
	}}
	for _, t := range targets {
		if err := m.deliver(ctx, t, body, ""); err != nil {
			m.logger.Warn("deletion notification failed",
				zap.String("sub", ri), zap.String("target", t), zap.Error(err))
		}
	}
	return nil
}

// CheckBlockingRetrieve holds a RETRIEVE while blockingRetrieve
// subscribers get a chance to refresh the target. A target younger than
// maxAge skips the round trip.
func (m *Manager) CheckBlockingRetrieve(ctx context.Context, res *resource.Resource, maxAge string, originator string) error {
	if maxAge != "" {
		if d, err := types.ParseDuration(maxAge); err == nil {
			if lt, err := types.ParseTimestamp(res.LastModified()); err == nil && time.Since(lt) <= d {
				return nil
			}
		}
	}
	return m.blockingNotify(ctx, res, types.NetBlockingRetrieve, events.BlockingRetrieve, res.Representation())
}

// CheckBlockingUpdate holds an UPDATE until blockingUpdate subscribers
// have seen the incoming delta.
func (m *Manager) CheckBlockingUpdate(ctx context.Context, res *resource.Resource, payload types.JSON, originator string) error {
	rep := types.JSON{res.Type().ShortName(): payload}
	return m.blockingNotify(ctx, res, types.NetBlockingUpdate, events.BlockingUpdate, rep)
}

// blockingNotify delivers synchronously to every blocking subscriber; the
// first failure aborts the held operation with the remapped code.
func (m *Manager) blockingNotify(ctx context.Context, res *resource.Resource, net types.NotificationEventType, eventName string, rep any) error {
	recs, err := m.store.SubscriptionsByParent(ctx, res.RI())
	if err != nil {
		return types.WrapError(types.RSCInternalServerError,
			"loading subscription records failed", err)
	}
	matched := recs[:0]
	for _, rec := range recs {
		if rec.WantsEventType(net) {
			matched = append(matched, rec)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	m.bus.Fire(ctx, eventName, &events.ResourceEvent{Resource: res})
	for _, rec := range matched {
		body := types.JSON{"m2m:sgn": types.JSON{
			"nev": types.JSON{"net": int(net), "rep": rep},
			"sur": m.svc.CSE().SPRelative(rec.RI),
		}}
		for _, nu := range rec.NotificationURIs {
			err := m.deliver(ctx, nu, body, "")
			recordDelivery(err)
			if err != nil {
				return remapBlocking(err)
			}
			m.bus.Fire(ctx, events.NotificationSent, nu)
		}
	}
	return nil
}

// remapBlocking translates a delivery failure into the code the held
// operation reports.
func remapBlocking(err error) error {
	switch {
	case errors.Is(err, types.ErrTargetNotReachable):
		return types.WrapError(types.RSCRemoteEntityNotReachable,
			"blocking subscriber not reachable", err)
	case errors.Is(err, types.ErrOperationNotAllowed):
		return types.WrapError(types.RSCOperationDeniedByRemoteEntity,
			"blocking subscriber denied the operation", err)
	default:
		return err
	}
}

// recordFromResource flattens a committed <subscription> into the record
// the event handlers match against. The attribute shapes were validated
// before the commit.
func recordFromResource(sub *resource.Resource, originator string) *storage.SubscriptionRecord {
	if o := sub.Originator(); o != "" {
		originator = o
	}
	rec := &storage.SubscriptionRecord{
		RI:                sub.RI(),
		PI:                sub.PI(),
		NotificationURIs:  sub.GetStringSlice("nu"),
		ContentType:       types.NotificationContentType(sub.GetInt64("nct")),
		LatestNotify:      sub.GetBool("ln"),
		ExpirationCounter: sub.GetInt64("exc"),
		SubscriberURI:     sub.GetString("su"),
		CrossResourceIDs:  sub.GetStringSlice("acrs"),
		Creator:           sub.GetString("cr"),
		Originator:        originator,
	}

	if enc := sub.GetJSON("enc"); enc != nil {
		if raw, ok := enc["net"]; ok && raw != nil {
			for _, v := range cast.ToSlice(raw) {
				rec.EventTypes = append(rec.EventTypes, types.NotificationEventType(cast.ToInt64(v)))
			}
		}
		if raw, ok := enc["chty"]; ok && raw != nil {
			for _, v := range cast.ToSlice(raw) {
				rec.ChildTypes = append(rec.ChildTypes, types.ResourceType(cast.ToInt64(v)))
			}
		}
		if raw, ok := enc["atr"]; ok && raw != nil {
			rec.Attributes = cast.ToStringSlice(raw)
		}
	}
	if bn := sub.GetJSON("bn"); bn != nil {
		if raw, ok := bn["num"]; ok && raw != nil {
			rec.BatchSize = cast.ToInt64(raw)
		}
		if raw, ok := bn["dur"]; ok && raw != nil {
			if d, err := types.ParseDuration(cast.ToString(raw)); err == nil {
				rec.BatchDuration = d
			}
		}
	}
	return rec
}

// wantsAnyAttribute reports whether at least one modified attribute
// passes the record's atr criteria.
func wantsAnyAttribute(rec *storage.SubscriptionRecord, modified types.JSON) bool {
	if len(rec.Attributes) == 0 {
		return true
	}
	for name := range modified {
		if rec.WantsAttribute(name) {
			return true
		}
	}
	return false
}

// acceptsJSON reports whether a csz list admits the JSON serialization,
// in either its media-type or short form.
func acceptsJSON(csz []string) bool {
	for _, ct := range csz {
		if ct == "application/json" || ct == "json" {
			return true
		}
	}
	return false
}

// sameOriginator compares originators by their unqualified identifier, so
// "/id-in/Cae1" and "Cae1" name the same entity.
func sameOriginator(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return lastSegment(a) == lastSegment(b)
}

func lastSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// addedStrings returns the entries of current not present in previous.
func addedStrings(current, previous []string) []string {
	seen := make(map[string]struct{}, len(previous))
	for _, s := range previous {
		seen[s] = struct{}{}
	}
	var out []string
	for _, s := range current {
		if _, ok := seen[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
