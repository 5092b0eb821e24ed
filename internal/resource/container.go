package resource

import (
	"context"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

func containerDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeContainer,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeContainer,
			types.ResourceTypeCIN,
			types.ResourceTypeSUB,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			"cr":  {Create: Optional, Update: NotPresent, Kind: KindString},
			"mni": {Create: Optional, Update: Optional, Kind: KindInt},
			"mbs": {Create: Optional, Update: Optional, Kind: KindInt},
			"mia": {Create: Optional, Update: Optional, Kind: KindInt},
			"cni": {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"cbs": {Create: NotPresent, Update: NotPresent, Kind: KindInt},
		}),
	}
}

// ContainerBehavior keeps the cni/cbs counters accurate and enforces
// the mni/mbs/mia retention windows over contentInstance children.
type ContainerBehavior struct {
	Base

	logger *zap.Logger
}

func (b *ContainerBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	return validateRetentionLimits(r, create, payload)
}

func (b *ContainerBehavior) Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error {
	r.Set("cni", 0)
	r.Set("cbs", 0)
	return svc.UpdateCommitted(ctx, r)
}

func (b *ContainerBehavior) Update(ctx context.Context, svc Services, r *Resource, payload types.JSON, originator string) error {
	ApplyUpdate(r, payload)
	// A shrunk window takes effect immediately, evicting the oldest
	// instances before the update is committed.
	return enforceInstanceLimits(ctx, svc, r, types.ResourceTypeCIN, b.logger)
}

func (b *ContainerBehavior) ChildWillBeAdded(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error {
	if err := guardInstanceName(child); err != nil {
		return err
	}
	if child.Type() == types.ResourceTypeCIN {
		return guardInstanceSize(r, child)
	}
	return nil
}

func (b *ContainerBehavior) ChildAdded(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error {
	if child.Type() != types.ResourceTypeCIN {
		return nil
	}
	if err := clampInstanceAge(ctx, svc, r, child); err != nil {
		return err
	}
	if err := enforceInstanceLimits(ctx, svc, r, types.ResourceTypeCIN, b.logger); err != nil {
		return err
	}
	return svc.UpdateCommitted(ctx, r)
}

func (b *ContainerBehavior) ChildRemoved(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error {
	if child.Type() != types.ResourceTypeCIN {
		return nil
	}
	return refreshInstanceCounters(ctx, svc, r, types.ResourceTypeCIN)
}

// validateRetentionLimits checks the incoming mni/mbs/mia values of a
// container-like resource for negative numbers.
func validateRetentionLimits(r *Resource, create bool, payload types.JSON) error {
	for _, attr := range []string{"mni", "mbs", "mia"} {
		var (
			raw any
			ok  bool
		)
		if create {
			raw, ok = r.Get(attr)
		} else {
			raw, ok = payload[attr]
		}
		if !ok || raw == nil {
			continue
		}
		if v := toInt64(raw); v < 0 {
			return types.Errorf(types.RSCBadRequest, "%s must not be negative", attr)
		}
	}
	return nil
}
