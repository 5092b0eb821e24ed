package resource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

// Shared bookkeeping for instance-holding parents (container and
// timeSeries): oldest-first eviction against mni/mbs windows, cni/cbs
// counters and mia-based expiration clamping.

// guardInstanceName rejects child names that would shadow the virtual
// latest/oldest children.
func guardInstanceName(child *Resource) error {
	rn := child.RN()
	if rn == VirtualLatestRN || rn == VirtualOldestRN {
		return types.Errorf(types.RSCOperationNotAllowed, "%s is a reserved child name", rn)
	}
	return nil
}

// guardInstanceSize rejects an instance that can never fit the parent's
// byte window.
func guardInstanceSize(parent, child *Resource) error {
	if !parent.Has("mbs") {
		return nil
	}
	mbs := parent.GetInt64("mbs")
	if cs := child.GetInt64("cs"); cs > mbs {
		return types.Errorf(types.RSCNotAcceptable, "content size %d exceeds mbs %d", cs, mbs)
	}
	return nil
}

// clampInstanceAge lowers a fresh instance's expiration according to
// the parent's mia and persists the change.
func clampInstanceAge(ctx context.Context, svc Services, parent, child *Resource) error {
	if !parent.Has("mia") {
		return nil
	}
	mia := time.Duration(parent.GetInt64("mia")) * time.Second
	if mia <= 0 {
		return nil
	}
	ClampExpiration(child, mia, svc.Defaults())
	return svc.UpdateCommitted(ctx, child)
}

// enforceInstanceLimits evicts the oldest instances until the parent's
// mni and mbs windows hold again, then refreshes cni/cbs on the parent
// in memory. Callers persist the parent themselves.
func enforceInstanceLimits(ctx context.Context, svc Services, parent *Resource, instanceTy types.ResourceType, logger *zap.Logger) error {
	instances, err := svc.DirectChildren(ctx, parent.RI(), instanceTy)
	if err != nil {
		return err
	}

	evict := func(r *Resource, reason string) error {
		logger.Debug("evicting oldest instance",
			zap.String("parent", parent.RI()),
			zap.String("ri", r.RI()),
			zap.String("reason", reason))
		return svc.DeleteResource(ctx, r, svc.CSE().AdminOriginator)
	}

	if parent.Has("mni") {
		mni := int(parent.GetInt64("mni"))
		if mni < 0 {
			mni = 0
		}
		for len(instances) > mni {
			if err := evict(instances[0], "mni"); err != nil {
				return err
			}
			instances = instances[1:]
		}
	}

	var cbs int64
	for _, in := range instances {
		cbs += in.GetInt64("cs")
	}
	if parent.Has("mbs") {
		mbs := parent.GetInt64("mbs")
		for cbs > mbs && len(instances) > 0 {
			cbs -= instances[0].GetInt64("cs")
			if err := evict(instances[0], "mbs"); err != nil {
				return err
			}
			instances = instances[1:]
		}
	}

	parent.Set("cni", len(instances))
	parent.Set("cbs", cbs)
	return nil
}

// refreshInstanceCounters recomputes cni/cbs from the store without
// evicting and persists the parent.
func refreshInstanceCounters(ctx context.Context, svc Services, parent *Resource, instanceTy types.ResourceType) error {
	instances, err := svc.DirectChildren(ctx, parent.RI(), instanceTy)
	if err != nil {
		return err
	}
	var cbs int64
	for _, in := range instances {
		cbs += in.GetInt64("cs")
	}
	parent.Set("cni", len(instances))
	parent.Set("cbs", cbs)
	return svc.UpdateCommitted(ctx, parent)
}
