// Package dispatcher routes oneM2M request primitives through the CSE:
// target resolution, access control, attribute validation, behaviour
// hooks, persistence and the lifecycle events other managers consume.
//
// The dispatcher is also the Services implementation behaviour hooks see;
// the access-control engine and the notification manager plug in through
// narrow interfaces so the three can be wired after construction.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// Authorizer is the access-control surface the dispatcher consults. The
// security engine implements it; a nil authorizer admits everything,
// which suits tests.
type Authorizer interface {
	// Authorize decides whether originator may perform perm on res.
	// createType names the type being created when perm is CREATE.
	Authorize(ctx context.Context, originator string, res *resource.Resource, perm types.Permission, createType types.ResourceType) error

	// CheckACPIUpdate authorizes an update that touches the acpi
	// attribute, which follows its own rule set.
	CheckACPIUpdate(ctx context.Context, originator string, res *resource.Resource, payload types.JSON) error
}

// NotificationManager is the subscription-side surface the dispatcher
// calls into. The notify package implements it.
type NotificationManager interface {
	SubscriptionCreated(ctx context.Context, sub *resource.Resource, parent *resource.Resource, originator string) error
	SubscriptionUpdated(ctx context.Context, sub *resource.Resource, previousNus []string, originator string) error
	SubscriptionDeleted(ctx context.Context, sub *resource.Resource) error

	CRSCreated(ctx context.Context, crs *resource.Resource, originator string) error
	CRSUpdated(ctx context.Context, crs *resource.Resource, previousNus []string, originator string) error
	CRSDeleted(ctx context.Context, crs *resource.Resource) error

	UpdateTimeSeriesMonitor(ctx context.Context, ts *resource.Resource) error
	StopTimeSeriesMonitor(ctx context.Context, ri string)
	TimeSeriesInstanceAdded(ctx context.Context, ts *resource.Resource, tsi *resource.Resource) error

	// CheckBlockingRetrieve holds a RETRIEVE while blocking-retrieve
	// subscriptions on the target get a chance to refresh it.
	CheckBlockingRetrieve(ctx context.Context, res *resource.Resource, maxAge string, originator string) error

	// CheckBlockingUpdate holds an UPDATE until blocking-update
	// subscribers have allowed it.
	CheckBlockingUpdate(ctx context.Context, res *resource.Resource, payload types.JSON, originator string) error

	// DeliverToResource forwards a NOTIFY payload to the target's
	// point-of-access addresses.
	DeliverToResource(ctx context.Context, res *resource.Resource, content types.JSON) error
}

// Config carries the dispatcher's identity and policy knobs.
type Config struct {
	// CSE is the hosting CSE identity.
	CSE resource.CSEInfo

	// Defaults are the configured lifetime policies.
	Defaults resource.Defaults

	// SortDiscovery orders discovery results by type and name instead of
	// tree order.
	SortDiscovery bool
}

// Dispatcher executes request primitives against the resource tree.
type Dispatcher struct {
	store  storage.Store
	reg    *resource.Registry
	bus    *events.Bus
	pool   *workers.Pool
	logger *zap.Logger

	cse           resource.CSEInfo
	defaults      resource.Defaults
	sortDiscovery bool

	security Authorizer
	notify   NotificationManager
}

// New creates a dispatcher. The authorizer and notification manager are
// wired afterwards because both are constructed against the dispatcher's
// Services surface.
func New(store storage.Store, reg *resource.Registry, bus *events.Bus, pool *workers.Pool, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:         store,
		reg:           reg,
		bus:           bus,
		pool:          pool,
		logger:        logger.Named("dispatcher"),
		cse:           cfg.CSE,
		defaults:      cfg.Defaults,
		sortDiscovery: cfg.SortDiscovery,
	}
}

// SetAuthorizer wires the access-control engine.
func (d *Dispatcher) SetAuthorizer(a Authorizer) { d.security = a }

// SetNotificationManager wires the notification manager.
func (d *Dispatcher) SetNotificationManager(n NotificationManager) { d.notify = n }

// Handle executes one request primitive and always returns a response
// envelope; failures surface as an rsc with an "m2m:dbg" payload.
func (d *Dispatcher) Handle(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()
	resp := d.route(ctx, req)

	resp.RequestID = req.RequestID
	resp.ReleaseVersion = req.ReleaseVersion
	resp.From = d.cse.CSI
	resp.To = req.Originator
	resp.OriginatingTimestamp = types.Now()

	d.logger.Debug("request handled",
		zap.String("op", req.Operation.String()),
		zap.String("to", req.Target),
		zap.String("fr", req.Originator),
		zap.Int("rsc", int(resp.RSC)),
		zap.Duration("took", time.Since(start)))
	return resp
}

func (d *Dispatcher) route(ctx context.Context, req *types.Request) *types.Response {
	if req.RequestID == "" {
		return errorResponse(types.Errorf(types.RSCBadRequest, "request identifier is mandatory"))
	}
	switch req.Operation {
	case types.OperationCreate, types.OperationRetrieve, types.OperationUpdate,
		types.OperationDelete, types.OperationNotify:
	default:
		return errorResponse(types.Errorf(types.RSCBadRequest, "unknown operation %d", int(req.Operation)))
	}

	// Only an AE registration may arrive without an originator; the CSE
	// then allocates the AE-ID.
	if req.Originator == "" &&
		!(req.Operation == types.OperationCreate && req.Type == types.ResourceTypeAE) {
		return errorResponse(types.Errorf(types.RSCBadRequest, "originator is mandatory"))
	}

	if !req.Blocking() && req.Operation != types.OperationNotify {
		return d.acceptNonBlocking(ctx, req)
	}
	return d.execute(ctx, req)
}

// execute runs the blocking form of a primitive.
func (d *Dispatcher) execute(ctx context.Context, req *types.Request) *types.Response {
	var (
		content types.JSON
		rsc     types.ResponseStatusCode
		err     error
	)
	switch req.Operation {
	case types.OperationCreate:
		content, rsc, err = d.create(ctx, req)
	case types.OperationRetrieve:
		content, rsc, err = d.retrieve(ctx, req)
	case types.OperationUpdate:
		content, rsc, err = d.update(ctx, req)
	case types.OperationDelete:
		content, rsc, err = d.delete(ctx, req)
	case types.OperationNotify:
		content, rsc, err = d.forwardNotify(ctx, req)
	}
	if err != nil {
		return errorResponse(err)
	}
	return &types.Response{RSC: rsc, Content: content}
}

func errorResponse(err error) *types.Response {
	return &types.Response{
		RSC:     types.RSCOf(err),
		Content: types.JSON{"m2m:dbg": err.Error()},
	}
}

// create handles the CREATE primitive.
func (d *Dispatcher) create(ctx context.Context, req *types.Request) (types.JSON, types.ResponseStatusCode, error) {
	if req.Type == types.ResourceTypeMixed {
		return nil, 0, types.Errorf(types.RSCBadRequest, "resource type is mandatory for CREATE")
	}
	if req.Type == types.ResourceTypeCSEBase || req.Type == types.ResourceTypeREQ {
		return nil, 0, types.Errorf(types.RSCOperationNotAllowed, "%s resources cannot be created through the API", req.Type)
	}
	if _, ok := d.reg.Def(req.Type); !ok {
		return nil, 0, types.Errorf(types.RSCBadRequest, "unsupported resource type %d", int(req.Type))
	}

	parent, viaVirtual, err := d.Resolve(ctx, req.Target)
	if err != nil {
		return nil, 0, err
	}
	if viaVirtual {
		return nil, 0, types.Errorf(types.RSCOperationNotAllowed, "resources cannot be created under a virtual resource")
	}
	if !d.reg.CanHaveChild(parent.Type(), req.Type) {
		return nil, 0, types.Errorf(types.RSCInvalidChildResourceType,
			"%s cannot have a %s child", parent.Type(), req.Type)
	}

	payload, err := resource.UnwrapContent(req.Type, req.Content)
	if err != nil {
		return nil, 0, err
	}
	if err := d.reg.ValidatePayload(req.Type, payload, true); err != nil {
		return nil, 0, err
	}
	if err := d.authorize(ctx, req.Originator, parent, types.PermissionCreate, req.Type); err != nil {
		return nil, 0, err
	}

	r := resource.NewFromPayload(req.Type, payload, parent, req.Originator, d.defaults)
	if err := d.checkNameAvailable(ctx, parent, r); err != nil {
		return nil, 0, err
	}
	if err := d.commitCreate(ctx, parent, r, payload, req.Originator); err != nil {
		return nil, 0, err
	}

	// An AE registered without an originator owns its resource under the
	// AE-ID allocated during activation.
	if r.Type() == types.ResourceTypeAE && r.Originator() == "" {
		r.SetOriginator(r.GetString("aei"))
		if err := d.UpdateCommitted(ctx, r); err != nil {
			d.logger.Warn("recording allocated AE-ID as creator failed",
				zap.String("ri", r.RI()), zap.Error(err))
		}
	}

	if req.ResultContent == types.ResultContentHierarchicalAddr {
		return types.JSON{"m2m:uri": r.StructuredPath()}, types.RSCCreated, nil
	}
	return r.Representation(), types.RSCCreated, nil
}

// checkNameAvailable refuses a resource name that is already taken among
// the parent's children or reserved for a virtual child.
func (d *Dispatcher) checkNameAvailable(ctx context.Context, parent *resource.Resource, r *resource.Resource) error {
	rn := r.RN()
	if strings.Contains(rn, "/") {
		return types.Errorf(types.RSCBadRequest, "resource name %q must not contain a slash", rn)
	}
	if _, reserved := resource.VirtualChildType(parent.Type(), rn); reserved {
		return types.Errorf(types.RSCContentsUnacceptable, "resource name %q is reserved", rn)
	}
	siblings, err := d.DirectChildren(ctx, parent.RI(), types.ResourceTypeMixed)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.RN() == rn {
			return types.Errorf(types.RSCAlreadyExists, "%s already has a child named %q", parent.RI(), rn)
		}
	}
	return nil
}

// commitCreate runs the hook and persistence sequence of a CREATE. A
// failed activation unwinds the stored resource.
func (d *Dispatcher) commitCreate(ctx context.Context, parent, r *resource.Resource, payload types.JSON, originator string) error {
	behavior, err := d.reg.Behavior(r.Type())
	if err != nil {
		return err
	}
	parentBehavior, err := d.reg.Behavior(parent.Type())
	if err != nil {
		return err
	}

	if err := parentBehavior.ChildWillBeAdded(ctx, d, parent, r, originator); err != nil {
		return err
	}
	if err := behavior.Validate(ctx, d, r, parent, true, payload); err != nil {
		return err
	}

	if err := d.store.UpsertResource(ctx, r.Document()); err != nil {
		return types.WrapError(types.RSCInternalServerError, "storing resource failed", err)
	}
	rec := &storage.IdentifierRecord{RI: r.RI(), RN: r.RN(), SRN: r.StructuredPath(), Type: r.Type()}
	if err := d.store.UpsertIdentifier(ctx, rec); err != nil {
		d.unwindCreate(ctx, r)
		return types.WrapError(types.RSCInternalServerError, "storing identifier failed", err)
	}

	if err := behavior.Activate(ctx, d, r, parent, originator); err != nil {
		d.unwindCreate(ctx, r)
		return err
	}
	if err := parentBehavior.ChildAdded(ctx, d, parent, r, originator); err != nil {
		d.logger.Warn("childAdded hook failed",
			zap.String("parent", parent.RI()),
			zap.String("child", r.RI()),
			zap.Error(err))
	}

	ev := &events.ResourceEvent{Resource: r, Originator: originator}
	d.bus.Fire(ctx, events.CreateLocalResource, ev)
	d.bus.Fire(ctx, events.CreateDirectChild, ev)
	switch r.Type() {
	case types.ResourceTypeAE:
		d.bus.Fire(ctx, events.AERegistered, ev)
	case types.ResourceTypeCSR:
		d.bus.Fire(ctx, events.RemoteCSERegistered, ev)
	}
	return nil
}

func (d *Dispatcher) unwindCreate(ctx context.Context, r *resource.Resource) {
	if err := d.store.DeleteResource(ctx, r.RI()); err != nil && !errors.Is(err, storage.ErrResourceNotFound) {
		d.logger.Error("unwinding stored resource failed",
			zap.String("ri", r.RI()), zap.Error(err))
	}
	if err := d.store.DeleteIdentifier(ctx, r.RI()); err != nil && !errors.Is(err, storage.ErrIdentifierNotFound) {
		d.logger.Error("unwinding identifier failed",
			zap.String("ri", r.RI()), zap.Error(err))
	}
}

// retrieve handles the RETRIEVE primitive, including discovery.
func (d *Dispatcher) retrieve(ctx context.Context, req *types.Request) (types.JSON, types.ResponseStatusCode, error) {
	res, _, err := d.Resolve(ctx, req.Target)
	if err != nil {
		return nil, 0, err
	}

	if req.IsDiscovery() {
		if err := d.authorize(ctx, req.Originator, res, types.PermissionDiscovery, types.ResourceTypeMixed); err != nil {
			return nil, 0, err
		}
		uril, err := d.discover(ctx, res, req.Filter, req.Originator)
		if err != nil {
			return nil, 0, err
		}
		return types.JSON{"m2m:uril": uril}, types.RSCOK, nil
	}

	if err := d.authorize(ctx, req.Originator, res, types.PermissionRetrieve, types.ResourceTypeMixed); err != nil {
		return nil, 0, err
	}

	if d.notify != nil {
		if err := d.notify.CheckBlockingRetrieve(ctx, res, req.MaxAge, req.Originator); err != nil {
			return nil, 0, err
		}
		// A blocking-retrieve subscriber may have refreshed the target.
		if res, err = d.ResourceByID(ctx, res.RI()); err != nil {
			return nil, 0, err
		}
	}

	content, err := d.resultContent(ctx, res, req.ResultContent)
	if err != nil {
		return nil, 0, err
	}
	d.bus.Fire(ctx, events.RetrieveLocalResource,
		&events.ResourceEvent{Resource: res, Originator: req.Originator})
	return content, types.RSCOK, nil
}

// resultContent renders a resource according to the rcn parameter. An
// absent rcn yields the attributes.
func (d *Dispatcher) resultContent(ctx context.Context, res *resource.Resource, rcn types.ResultContent) (types.JSON, error) {
	switch rcn {
	case types.ResultContentNothing, types.ResultContentAttributes:
		return res.Representation(), nil

	case types.ResultContentHierarchicalAddr:
		return types.JSON{"m2m:uri": res.StructuredPath()}, nil

	case types.ResultContentAttributesAndChild:
		rep := res.Representation()
		inner, _ := rep[res.Type().ShortName()].(types.JSON)
		children, err := d.DirectChildren(ctx, res.RI(), types.ResourceTypeMixed)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			key := c.Type().ShortName()
			attrs := c.Representation()[key]
			list, _ := inner[key].([]any)
			inner[key] = append(list, attrs)
		}
		return rep, nil

	case types.ResultContentChildResourceRefs:
		children, err := d.DirectChildren(ctx, res.RI(), types.ResourceTypeMixed)
		if err != nil {
			return nil, err
		}
		refs := make([]types.JSON, 0, len(children))
		for _, c := range children {
			refs = append(refs, types.JSON{
				"nm":  c.RN(),
				"typ": int(c.Type()),
				"val": c.StructuredPath(),
			})
		}
		return types.JSON{"m2m:rrl": types.JSON{"rrf": refs}}, nil

	default:
		return nil, types.Errorf(types.RSCBadRequest, "unsupported result content %d", int(rcn))
	}
}

// update handles the UPDATE primitive.
func (d *Dispatcher) update(ctx context.Context, req *types.Request) (types.JSON, types.ResponseStatusCode, error) {
	res, viaVirtual, err := d.Resolve(ctx, req.Target)
	if err != nil {
		return nil, 0, err
	}
	if viaVirtual {
		return nil, 0, types.Errorf(types.RSCOperationNotAllowed, "virtual resources cannot be updated")
	}
	def, ok := d.reg.Def(res.Type())
	if !ok {
		return nil, 0, types.Errorf(types.RSCInternalServerError, "no definition for stored type %d", int(res.Type()))
	}
	if !def.Updatable {
		return nil, 0, types.Errorf(types.RSCOperationNotAllowed, "%s resources cannot be updated", res.Type())
	}

	payload, err := resource.UnwrapContent(res.Type(), req.Content)
	if err != nil {
		return nil, 0, err
	}

	// acpi changes follow their own authorization rule and must travel
	// alone; everything else goes through the regular UPDATE check.
	if _, touchesACPI := payload["acpi"]; touchesACPI {
		if d.security != nil {
			if err := d.security.CheckACPIUpdate(ctx, req.Originator, res, payload); err != nil {
				return nil, 0, err
			}
		}
	} else if err := d.authorize(ctx, req.Originator, res, types.PermissionUpdate, types.ResourceTypeMixed); err != nil {
		return nil, 0, err
	}

	if err := d.reg.ValidatePayload(res.Type(), payload, false); err != nil {
		return nil, 0, err
	}

	behavior, err := d.reg.Behavior(res.Type())
	if err != nil {
		return nil, 0, err
	}
	var parent *resource.Resource
	if pi := res.PI(); pi != "" {
		if parent, err = d.ResourceByID(ctx, pi); err != nil {
			return nil, 0, err
		}
	}
	if err := behavior.Validate(ctx, d, res, parent, false, payload); err != nil {
		return nil, 0, err
	}

	if d.notify != nil {
		if err := d.notify.CheckBlockingUpdate(ctx, res, payload, req.Originator); err != nil {
			return nil, 0, err
		}
	}

	if err := behavior.Update(ctx, d, res, payload, req.Originator); err != nil {
		return nil, 0, err
	}
	if err := d.store.UpsertResource(ctx, res.Document()); err != nil {
		return nil, 0, types.WrapError(types.RSCInternalServerError, "storing resource failed", err)
	}

	d.bus.Fire(ctx, events.UpdateLocalResource, &events.ResourceEvent{
		Resource:           res,
		ModifiedAttributes: payload,
		Originator:         req.Originator,
	})

	return res.Representation(), types.RSCUpdated, nil
}

// delete handles the DELETE primitive. Deleting a virtual child removes
// the instance it resolves to.
func (d *Dispatcher) delete(ctx context.Context, req *types.Request) (types.JSON, types.ResponseStatusCode, error) {
	res, _, err := d.Resolve(ctx, req.Target)
	if err != nil {
		return nil, 0, err
	}
	if res.Type() == types.ResourceTypeCSEBase {
		return nil, 0, types.Errorf(types.RSCOperationNotAllowed, "the CSE base cannot be deleted")
	}
	if err := d.authorize(ctx, req.Originator, res, types.PermissionDelete, types.ResourceTypeMixed); err != nil {
		return nil, 0, err
	}

	var content types.JSON
	if req.ResultContent == types.ResultContentAttributes {
		content = res.Representation()
	}
	if err := d.deleteTree(ctx, res, req.Originator); err != nil {
		return nil, 0, err
	}
	return content, types.RSCDeleted, nil
}

// deleteTree removes a resource and its subtree. Every node gets a
// refusal chance first; once the first node is removed the deletion runs
// to completion, logging partial failures.
func (d *Dispatcher) deleteTree(ctx context.Context, root *resource.Resource, originator string) error {
	nodes, err := d.collectSubtree(ctx, root)
	if err != nil {
		return err
	}

	for _, n := range nodes {
		behavior, err := d.reg.Behavior(n.Type())
		if err != nil {
			return err
		}
		if err := behavior.WillBeDeactivated(ctx, d, n, originator); err != nil {
			return err
		}
	}

	// Past the refusal pass the deletion is certain, so the deletion
	// events fire for the whole subtree before any subscription record
	// is torn down with its <sub> resource. Otherwise a subscription on
	// a deleted resource would die before its own resourceDelete
	// notification could match.
	for i := len(nodes) - 1; i >= 0; i-- {
		ev := &events.ResourceEvent{Resource: nodes[i], Originator: originator}
		d.bus.Fire(ctx, events.DeleteLocalResource, ev)
		d.bus.Fire(ctx, events.DeleteDirectChild, ev)
	}

	// Leaves first, so a deactivating parent never sees half-removed
	// children of its own.
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if behavior, err := d.reg.Behavior(n.Type()); err == nil {
			if err := behavior.Deactivate(ctx, d, n, originator); err != nil {
				d.logger.Warn("deactivate hook failed",
					zap.String("ri", n.RI()), zap.Error(err))
			}
		}
		if err := d.store.DeleteResource(ctx, n.RI()); err != nil && !errors.Is(err, storage.ErrResourceNotFound) {
			d.logger.Error("deleting resource failed",
				zap.String("ri", n.RI()), zap.Error(err))
		}
		if err := d.store.DeleteIdentifier(ctx, n.RI()); err != nil && !errors.Is(err, storage.ErrIdentifierNotFound) {
			d.logger.Error("deleting identifier failed",
				zap.String("ri", n.RI()), zap.Error(err))
		}

		ev := &events.ResourceEvent{Resource: n, Originator: originator}
		switch n.Type() {
		case types.ResourceTypeAE:
			d.bus.Fire(ctx, events.AEDeregistered, ev)
		case types.ResourceTypeCSR:
			d.bus.Fire(ctx, events.RemoteCSEDeregistered, ev)
		}
	}

	if pi := root.PI(); pi != "" {
		parent, err := d.ResourceByID(ctx, pi)
		if err == nil {
			if parentBehavior, err := d.reg.Behavior(parent.Type()); err == nil {
				if err := parentBehavior.ChildRemoved(ctx, d, parent, root, originator); err != nil {
					d.logger.Warn("childRemoved hook failed",
						zap.String("parent", parent.RI()), zap.Error(err))
				}
			}
		}
	}
	return nil
}

// collectSubtree returns root and its descendants in depth-first
// pre-order.
func (d *Dispatcher) collectSubtree(ctx context.Context, root *resource.Resource) ([]*resource.Resource, error) {
	nodes := []*resource.Resource{root}
	children, err := d.DirectChildren(ctx, root.RI(), types.ResourceTypeMixed)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := d.collectSubtree(ctx, c)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, sub...)
	}
	return nodes, nil
}

// forwardNotify handles the NOTIFY primitive by passing the payload to
// the target's point-of-access addresses.
func (d *Dispatcher) forwardNotify(ctx context.Context, req *types.Request) (types.JSON, types.ResponseStatusCode, error) {
	res, _, err := d.Resolve(ctx, req.Target)
	if err != nil {
		return nil, 0, err
	}
	if err := d.authorize(ctx, req.Originator, res, types.PermissionNotify, types.ResourceTypeMixed); err != nil {
		return nil, 0, err
	}
	if d.notify == nil {
		return nil, 0, types.Errorf(types.RSCNotImplemented, "notification forwarding is not available")
	}
	if err := d.notify.DeliverToResource(ctx, res, req.Content); err != nil {
		return nil, 0, err
	}
	return nil, types.RSCOK, nil
}

func (d *Dispatcher) authorize(ctx context.Context, originator string, res *resource.Resource, perm types.Permission, createType types.ResourceType) error {
	if d.security == nil {
		return nil
	}
	return d.security.Authorize(ctx, originator, res, perm, createType)
}
