package resource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

// CSEInfo is the hosting CSE's identity as seen by behaviour hooks.
type CSEInfo struct {
	// RI is the CSEBase resource identifier.
	RI string

	// RN is the CSEBase resource name, e.g. "cse-in".
	RN string

	// CSI is the CSE-ID with its leading slash, e.g. "/id-in".
	CSI string

	// SPID is the service provider identifier.
	SPID string

	// AdminOriginator bypasses access control.
	AdminOriginator string
}

// SPRelative renders a resource identifier in SP-relative form.
func (i CSEInfo) SPRelative(ri string) string {
	return i.CSI + "/" + ri
}

// Defaults carries the configured lifetime policies hooks need.
type Defaults struct {
	// ExpirationDelta is applied when a created resource carries no et.
	ExpirationDelta time.Duration

	// MaxExpirationDelta caps any requested or derived et.
	MaxExpirationDelta time.Duration

	// SubscriptionExpirationCounter is assigned to subscriptions created
	// without an exc. Zero leaves the counter off.
	SubscriptionExpirationCounter int64
}

// Services is the narrow surface behaviour hooks may touch. The dispatcher
// implements it; hooks never reach around it to the store or managers.
type Services interface {
	// CSE returns the hosting CSE identity.
	CSE() CSEInfo

	// Defaults returns the configured lifetime policies.
	Defaults() Defaults

	// ResourceByID loads a resource by ri.
	ResourceByID(ctx context.Context, ri string) (*Resource, error)

	// DirectChildren returns the children of a resource ordered by
	// creation time, oldest first. ty filters; ResourceTypeMixed returns
	// all children.
	DirectChildren(ctx context.Context, parentRI string, ty types.ResourceType) ([]*Resource, error)

	// UpdateCommitted persists hook-side attribute changes to an already
	// committed resource without re-running the request pipeline.
	UpdateCommitted(ctx context.Context, r *Resource) error

	// CreateResource commits an internally built resource, running the
	// parent hooks, activation and events of a regular CREATE but not the
	// request-level attribute policy.
	CreateResource(ctx context.Context, parent *Resource, r *Resource, originator string) error

	// DeleteResource runs an internal DELETE through the full pipeline,
	// including cascades and notifications.
	DeleteResource(ctx context.Context, r *Resource, originator string) error

	// Subscription lifecycle, delegated to the notification manager.
	SubscriptionCreated(ctx context.Context, sub *Resource, parent *Resource, originator string) error
	SubscriptionUpdated(ctx context.Context, sub *Resource, previousNus []string, originator string) error
	SubscriptionDeleted(ctx context.Context, sub *Resource) error

	// Cross-resource subscription lifecycle.
	CRSCreated(ctx context.Context, crs *Resource, originator string) error
	CRSUpdated(ctx context.Context, crs *Resource, previousNus []string, originator string) error
	CRSDeleted(ctx context.Context, crs *Resource) error

	// Time-series missing-data monitoring.
	UpdateTimeSeriesMonitor(ctx context.Context, ts *Resource) error
	StopTimeSeriesMonitor(ctx context.Context, ri string)
	TimeSeriesInstanceAdded(ctx context.Context, ts *Resource, tsi *Resource) error
}

// Behavior is the per-type hook set the dispatcher runs around commits.
// Pre-commit hooks (Validate, WillBeDeactivated, ChildWillBeAdded) may
// refuse. A failed Activate unwinds the freshly committed resource;
// failures of the other post-commit hooks are logged by the dispatcher
// and do not unwind the commit.
type Behavior interface {
	// Validate enforces type rules beyond the declarative attribute
	// policy. payload is the request content; for updates it is the delta.
	Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error

	// Activate runs after a CREATE commit.
	Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error

	// Update applies a validated update payload to the resource. It runs
	// before the commit writes the resource back.
	Update(ctx context.Context, svc Services, r *Resource, payload types.JSON, originator string) error

	// WillBeDeactivated runs before a DELETE commit and may refuse it.
	WillBeDeactivated(ctx context.Context, svc Services, r *Resource, originator string) error

	// Deactivate runs after a DELETE commit.
	Deactivate(ctx context.Context, svc Services, r *Resource, originator string) error

	// ChildWillBeAdded runs on the parent before a child CREATE commit.
	ChildWillBeAdded(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error

	// ChildAdded runs on the parent after a child CREATE commit.
	ChildAdded(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error

	// ChildRemoved runs on the parent after a child DELETE commit.
	ChildRemoved(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error
}

// Base is the no-op behaviour every type embeds. Its Update applies the
// payload generically: null values remove attributes, everything else is
// assigned, and lt is bumped.
type Base struct{}

func (Base) Validate(_ context.Context, _ Services, _ *Resource, _ *Resource, _ bool, _ types.JSON) error {
	return nil
}

func (Base) Activate(_ context.Context, _ Services, _ *Resource, _ *Resource, _ string) error {
	return nil
}

func (Base) Update(_ context.Context, _ Services, r *Resource, payload types.JSON, _ string) error {
	ApplyUpdate(r, payload)
	return nil
}

func (Base) WillBeDeactivated(_ context.Context, _ Services, _ *Resource, _ string) error {
	return nil
}

func (Base) Deactivate(_ context.Context, _ Services, _ *Resource, _ string) error {
	return nil
}

func (Base) ChildWillBeAdded(_ context.Context, _ Services, _ *Resource, _ *Resource, _ string) error {
	return nil
}

func (Base) ChildAdded(_ context.Context, _ Services, _ *Resource, _ *Resource, _ string) error {
	return nil
}

func (Base) ChildRemoved(_ context.Context, _ Services, _ *Resource, _ *Resource, _ string) error {
	return nil
}

// ApplyUpdate merges an update payload into the resource. Null values
// remove the attribute; the stored document keeps the null so the store
// can drop the field on write.
func ApplyUpdate(r *Resource, payload types.JSON) {
	for k, v := range payload {
		if v == nil {
			r.Set(k, nil)
			continue
		}
		r.Set(k, v)
	}
	r.Touch()
}

// Registry holds the type definitions and behaviours of every supported
// resource type.
type Registry struct {
	logger    *zap.Logger
	defs      map[types.ResourceType]*TypeDef
	behaviors map[types.ResourceType]Behavior
}

// NewRegistry builds the registry with every built-in type registered.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := &Registry{
		logger:    logger,
		defs:      make(map[types.ResourceType]*TypeDef),
		behaviors: make(map[types.ResourceType]Behavior),
	}

	reg.register(cseBaseDef(), &CSEBaseBehavior{})
	reg.register(acpDef(), &ACPBehavior{})
	reg.register(aeDef(), &AEBehavior{logger: logger})
	reg.register(containerDef(), &ContainerBehavior{logger: logger})
	reg.register(cinDef(), &CINBehavior{})
	reg.register(groupDef(), &GroupBehavior{})
	reg.register(pchDef(), &PCHBehavior{})
	reg.register(csrDef(), &CSRBehavior{logger: logger})
	reg.register(reqDef(), &REQBehavior{})
	reg.register(subDef(), &SUBBehavior{logger: logger})
	reg.register(tsDef(), &TimeSeriesBehavior{logger: logger})
	reg.register(tsiDef(), &TSIBehavior{})
	reg.register(crsDef(), &CRSBehavior{logger: logger})

	return reg
}

func (reg *Registry) register(def *TypeDef, b Behavior) {
	reg.defs[def.Type] = def
	reg.behaviors[def.Type] = b
}

// Def returns the type definition for a type code.
func (reg *Registry) Def(ty types.ResourceType) (*TypeDef, bool) {
	d, ok := reg.defs[ty]
	return d, ok
}

// Behavior returns the behaviour hooks for a type code.
func (reg *Registry) Behavior(ty types.ResourceType) (Behavior, error) {
	b, ok := reg.behaviors[ty]
	if !ok {
		return nil, types.Errorf(types.RSCBadRequest, "unsupported resource type %d", int(ty))
	}
	return b, nil
}

// CanHaveChild reports whether a child of the given type may be created
// under a parent of the given type.
func (reg *Registry) CanHaveChild(parent, child types.ResourceType) bool {
	d, ok := reg.defs[parent]
	if !ok {
		return false
	}
	return d.CanHaveChild(child)
}

// ValidatePayload runs the declarative attribute policy for a type.
func (reg *Registry) ValidatePayload(ty types.ResourceType, payload types.JSON, create bool) error {
	d, ok := reg.defs[ty]
	if !ok {
		return types.Errorf(types.RSCBadRequest, "unsupported resource type %d", int(ty))
	}
	return d.ValidatePayload(payload, create)
}
