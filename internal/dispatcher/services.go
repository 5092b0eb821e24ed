package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
)

// The dispatcher is the Services surface behaviour hooks and the
// security engine operate on.
var _ resource.Services = (*Dispatcher)(nil)

// CSE returns the hosting CSE identity.
func (d *Dispatcher) CSE() resource.CSEInfo { return d.cse }

// Defaults returns the configured lifetime policies.
func (d *Dispatcher) Defaults() resource.Defaults { return d.defaults }

// ResourceByID loads a resource by ri. SP-relative identifiers of this
// CSE are accepted.
func (d *Dispatcher) ResourceByID(ctx context.Context, ri string) (*resource.Resource, error) {
	ri = d.localRI(ri)
	doc, err := d.store.ResourceByID(ctx, ri)
	if err != nil {
		if errors.Is(err, storage.ErrResourceNotFound) {
			return nil, types.Errorf(types.RSCNotFound, "resource %s not found", ri)
		}
		return nil, types.WrapError(types.RSCInternalServerError, "loading resource failed", err)
	}
	return resource.FromDocument(doc)
}

// localRI strips this CSE's SP-relative prefix from an identifier.
func (d *Dispatcher) localRI(ri string) string {
	prefix := d.cse.CSI + "/"
	if len(ri) > len(prefix) && ri[:len(prefix)] == prefix {
		return ri[len(prefix):]
	}
	return ri
}

// DirectChildren returns the children of a resource ordered by creation
// time, oldest first. ResourceTypeMixed returns all children.
func (d *Dispatcher) DirectChildren(ctx context.Context, parentRI string, ty types.ResourceType) ([]*resource.Resource, error) {
	docs, err := d.store.ChildResources(ctx, d.localRI(parentRI))
	if err != nil {
		return nil, types.WrapError(types.RSCInternalServerError, "loading child resources failed", err)
	}
	out := make([]*resource.Resource, 0, len(docs))
	for _, doc := range docs {
		r, err := resource.FromDocument(doc)
		if err != nil {
			return nil, err
		}
		if ty != types.ResourceTypeMixed && r.Type() != ty {
			continue
		}
		out = append(out, r)
	}
	resource.SortByCreationTime(out)
	return out, nil
}

// UpdateCommitted persists hook-side attribute changes without re-running
// the request pipeline.
func (d *Dispatcher) UpdateCommitted(ctx context.Context, r *resource.Resource) error {
	if err := d.store.UpsertResource(ctx, r.Document()); err != nil {
		return types.WrapError(types.RSCInternalServerError, "storing resource failed", err)
	}
	return nil
}

// CreateResource commits an internally built resource through the hook
// and event sequence of a CREATE, skipping the request-level attribute
// policy.
func (d *Dispatcher) CreateResource(ctx context.Context, parent *resource.Resource, r *resource.Resource, originator string) error {
	return d.commitCreate(ctx, parent, r, r.Document(), originator)
}

// DeleteResource runs an internal DELETE through the full pipeline,
// including cascades and notifications.
func (d *Dispatcher) DeleteResource(ctx context.Context, r *resource.Resource, originator string) error {
	return d.deleteTree(ctx, r, originator)
}

// Subscription lifecycle, delegated to the notification manager. With no
// manager wired the calls are no-ops, which suits tests.

func (d *Dispatcher) SubscriptionCreated(ctx context.Context, sub *resource.Resource, parent *resource.Resource, originator string) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.SubscriptionCreated(ctx, sub, parent, originator)
}

func (d *Dispatcher) SubscriptionUpdated(ctx context.Context, sub *resource.Resource, previousNus []string, originator string) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.SubscriptionUpdated(ctx, sub, previousNus, originator)
}

func (d *Dispatcher) SubscriptionDeleted(ctx context.Context, sub *resource.Resource) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.SubscriptionDeleted(ctx, sub)
}

func (d *Dispatcher) CRSCreated(ctx context.Context, crs *resource.Resource, originator string) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.CRSCreated(ctx, crs, originator)
}

func (d *Dispatcher) CRSUpdated(ctx context.Context, crs *resource.Resource, previousNus []string, originator string) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.CRSUpdated(ctx, crs, previousNus, originator)
}

func (d *Dispatcher) CRSDeleted(ctx context.Context, crs *resource.Resource) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.CRSDeleted(ctx, crs)
}

func (d *Dispatcher) UpdateTimeSeriesMonitor(ctx context.Context, ts *resource.Resource) error {
	if d.notify == nil {
		return nil
	}
	return d.notify.UpdateTimeSeriesMonitor(ctx, ts)
}

func (d *Dispatcher) StopTimeSeriesMonitor(ctx context.Context, ri string) {
	if d.notify == nil {
		return
	}
	d.notify.StopTimeSeriesMonitor(ctx, ri)
}

func (d *Dispatcher) TimeSeriesInstanceAdded(ctx context.Context, ts *resource.Resource, tsi *resource.Resource) error {
	if d.notify == nil {
		return nil
	}
	if err := d.notify.TimeSeriesInstanceAdded(ctx, ts, tsi); err != nil {
		d.logger.Warn("time series monitor rejected instance",
			zap.String("ts", ts.RI()),
			zap.String("tsi", tsi.RI()),
			zap.Error(err))
		return err
	}
	return nil
}
