package resource

import (
	"context"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

// attrCRSSubRIs tracks the subscriptions a crossResourceSubscription
// created for its rrat targets, so deletion can tear them down again.
const attrCRSSubRIs = "__subRIs__"

func crsDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeCRS,
		Updatable: true,
		Children:  nil,
		Attributes: mergeAttributes(map[string]AttributeDef{
			"rrat": {Create: Optional, Update: NotPresent, Kind: KindStringList},
			"srat": {Create: Optional, Update: Optional, Kind: KindStringList},
			"twt":  {Create: Mandatory, Update: NotPresent, Kind: KindInt},
			"tws":  {Create: Mandatory, Update: Optional, Kind: KindDuration},
			"encs": {Create: Optional, Update: NotPresent, Kind: KindJSON},
			"nu":   {Create: Mandatory, Update: Optional, Kind: KindStringList},
			"cr":   {Create: Optional, Update: NotPresent, Kind: KindString},
		}),
	}
}

// CRSBehavior manages the member subscriptions behind a
// crossResourceSubscription: one internally created <sub> per rrat
// target plus acrs links on the srat subscriptions. The window
// evaluation itself lives in the notification manager.
type CRSBehavior struct {
	Base

	logger *zap.Logger
}

func (b *CRSBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		for _, attr := range []string{"nu", "tws"} {
			if raw, ok := payload[attr]; ok && raw == nil {
				return types.Errorf(types.RSCBadRequest, "%s cannot be removed", attr)
			}
		}
		return nil
	}

	switch types.TimeWindowType(r.GetInt64("twt")) {
	case types.TimeWindowPeriodic, types.TimeWindowSliding:
	default:
		return types.Errorf(types.RSCBadRequest, "twt must be 1 (periodic) or 2 (sliding)")
	}

	rrat := r.GetStringSlice("rrat")
	srat := r.GetStringSlice("srat")
	if len(rrat) == 0 && len(srat) == 0 {
		return types.Errorf(types.RSCBadRequest, "crossResourceSubscription needs rrat or srat")
	}

	if len(rrat) > 0 {
		encs := crsEventCriteria(r)
		if len(encs) == 0 {
			return types.Errorf(types.RSCBadRequest, "rrat requires encs")
		}
		if len(encs) != 1 && len(encs) != len(rrat) {
			return types.Errorf(types.RSCBadRequest, "encs must carry one enc or one per rrat entry")
		}
		for _, enc := range encs {
			if err := validateEventCriteria(enc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *CRSBehavior) Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error {
	var createdSubs []string

	cleanup := func() {
		for _, ri := range createdSubs {
			sub, err := svc.ResourceByID(ctx, ri)
			if err != nil {
				continue
			}
			if err := svc.DeleteResource(ctx, sub, svc.CSE().AdminOriginator); err != nil {
				b.logger.Warn("failed to roll back member subscription",
					zap.String("sub", ri), zap.Error(err))
			}
		}
	}

	rrat := r.GetStringSlice("rrat")
	encs := crsEventCriteria(r)
	for i, targetID := range rrat {
		target, err := svc.ResourceByID(ctx, targetID)
		if err != nil {
			cleanup()
			return types.Errorf(types.RSCBadRequest, "rrat target %s not found", targetID)
		}
		enc := encs[0]
		if len(encs) > 1 {
			enc = encs[i]
		}
		payload := types.JSON{
			"nu":   []string{svc.CSE().SPRelative(r.RI())},
			"enc":  enc,
			"acrs": []string{r.RI()},
		}
		sub := NewFromPayload(types.ResourceTypeSUB, payload, target, svc.CSE().AdminOriginator, svc.Defaults())
		if err := svc.CreateResource(ctx, target, sub, svc.CSE().AdminOriginator); err != nil {
			cleanup()
			return types.WrapError(types.RSCCrossResourceOperationFailure,
				"creating member subscription under "+targetID+" failed", err)
		}
		createdSubs = append(createdSubs, sub.RI())
	}

	for _, subID := range r.GetStringSlice("srat") {
		sub, err := svc.ResourceByID(ctx, subID)
		if err != nil || sub.Type() != types.ResourceTypeSUB {
			cleanup()
			return types.Errorf(types.RSCBadRequest, "srat entry %s is not a subscription", subID)
		}
		if err := linkCRS(ctx, svc, sub, r.RI(), true); err != nil {
			cleanup()
			return err
		}
	}

	r.Set(attrCRSSubRIs, createdSubs)
	if err := svc.UpdateCommitted(ctx, r); err != nil {
		cleanup()
		return err
	}

	if err := svc.CRSCreated(ctx, r, originator); err != nil {
		b.unlinkAll(ctx, svc, r)
		cleanup()
		return err
	}
	return nil
}

func (b *CRSBehavior) Update(ctx context.Context, svc Services, r *Resource, payload types.JSON, originator string) error {
	previousNus := r.GetStringSlice("nu")
	previousSrat := r.GetStringSlice("srat")
	ApplyUpdate(r, payload)

	if _, ok := payload["srat"]; ok {
		srat := r.GetStringSlice("srat")
		for _, subID := range diffStrings(srat, previousSrat) {
			sub, err := svc.ResourceByID(ctx, subID)
			if err != nil || sub.Type() != types.ResourceTypeSUB {
				return types.Errorf(types.RSCBadRequest, "srat entry %s is not a subscription", subID)
			}
			if err := linkCRS(ctx, svc, sub, r.RI(), true); err != nil {
				return err
			}
		}
		for _, subID := range diffStrings(previousSrat, srat) {
			sub, err := svc.ResourceByID(ctx, subID)
			if err != nil {
				continue
			}
			if err := linkCRS(ctx, svc, sub, r.RI(), false); err != nil {
				return err
			}
		}
	}

	return svc.CRSUpdated(ctx, r, previousNus, originator)
}

func (b *CRSBehavior) Deactivate(ctx context.Context, svc Services, r *Resource, originator string) error {
	if err := svc.CRSDeleted(ctx, r); err != nil {
		b.logger.Warn("stopping cross-resource windows failed",
			zap.String("ri", r.RI()), zap.Error(err))
	}
	b.unlinkAll(ctx, svc, r)
	for _, subID := range r.GetStringSlice(attrCRSSubRIs) {
		sub, err := svc.ResourceByID(ctx, subID)
		if err != nil {
			continue
		}
		if err := svc.DeleteResource(ctx, sub, svc.CSE().AdminOriginator); err != nil {
			b.logger.Warn("deleting member subscription failed",
				zap.String("sub", subID), zap.Error(err))
		}
	}
	return nil
}

// unlinkAll removes this crs from the acrs of every srat subscription.
func (b *CRSBehavior) unlinkAll(ctx context.Context, svc Services, r *Resource) {
	for _, subID := range r.GetStringSlice("srat") {
		sub, err := svc.ResourceByID(ctx, subID)
		if err != nil {
			continue
		}
		if err := linkCRS(ctx, svc, sub, r.RI(), false); err != nil {
			b.logger.Warn("unlinking subscription failed",
				zap.String("sub", subID), zap.Error(err))
		}
	}
}

// linkCRS adds or removes a crs reference on a subscription's acrs and
// persists the change.
func linkCRS(ctx context.Context, svc Services, sub *Resource, crsRI string, add bool) error {
	acrs := sub.GetStringSlice("acrs")
	if add {
		for _, ri := range acrs {
			if ri == crsRI {
				return nil
			}
		}
		acrs = append(acrs, crsRI)
	} else {
		kept := acrs[:0]
		for _, ri := range acrs {
			if ri != crsRI {
				kept = append(kept, ri)
			}
		}
		if len(kept) == len(acrs) {
			return nil
		}
		acrs = kept
	}
	if len(acrs) == 0 {
		sub.Delete("acrs")
	} else {
		sub.Set("acrs", acrs)
	}
	return svc.UpdateCommitted(ctx, sub)
}

// crsEventCriteria pulls the enc list out of the encs attribute.
func crsEventCriteria(r *Resource) []types.JSON {
	encs := r.GetJSON("encs")
	if encs == nil {
		return nil
	}
	raw, ok := encs["enc"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]types.JSON, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, types.JSON(m))
			}
		}
		return out
	case map[string]any:
		return []types.JSON{types.JSON(v)}
	default:
		return nil
	}
}

// diffStrings returns the entries of a not present in b.
func diffStrings(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := inB[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
