package resource

import (
	"context"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

func subDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeSUB,
		Updatable: true,
		Children:  nil,
		Attributes: mergeAttributes(map[string]AttributeDef{
			"nu":   {Create: Mandatory, Update: Optional, Kind: KindStringList},
			"enc":  {Create: Optional, Update: Optional, Kind: KindJSON},
			"exc":  {Create: Optional, Update: Optional, Kind: KindInt},
			"bn":   {Create: Optional, Update: Optional, Kind: KindJSON},
			"ln":   {Create: Optional, Update: Optional, Kind: KindBool},
			"nct":  {Create: Optional, Update: Optional, Kind: KindInt},
			"su":   {Create: Optional, Update: Optional, Kind: KindString},
			"acrs": {Create: Optional, Update: Optional, Kind: KindStringList},
			"cr":   {Create: Optional, Update: NotPresent, Kind: KindString},
		}),
	}
}

// SUBBehavior validates the eventNotificationCriteria and hands the
// notification lifecycle to the notification manager.
type SUBBehavior struct {
	Base

	logger *zap.Logger
}

func (b *SUBBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		if raw, ok := payload["nu"]; ok && raw == nil {
			return types.Errorf(types.RSCBadRequest, "nu cannot be removed")
		}
	}
	if enc, ok := incomingJSON(r, payload, create, "enc"); ok {
		if err := validateEventCriteria(enc); err != nil {
			return err
		}
	}
	if bn, ok := incomingJSON(r, payload, create, "bn"); ok {
		if err := validateBatchNotify(bn); err != nil {
			return err
		}
	}

	nct := types.NctAll
	if create {
		if r.Has("nct") {
			nct = types.NotificationContentType(r.GetInt64("nct"))
		} else {
			r.Set("nct", int(types.NctAll))
		}
	} else if v, ok := payload["nct"]; ok && v != nil {
		nct = types.NotificationContentType(toInt64(v))
	}
	switch nct {
	case types.NctAll, types.NctModifiedAttributes, types.NctRI, types.NctTimeSeriesNotification:
	default:
		return types.Errorf(types.RSCBadRequest, "unsupported notificationContentType %d", nct)
	}
	return nil
}

func (b *SUBBehavior) Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error {
	// Subscriptions feeding a crossResourceSubscription live until that
	// resource tears them down, so the counter default stays off.
	if !r.Has("exc") && len(r.GetStringSlice("acrs")) == 0 {
		if exc := svc.Defaults().SubscriptionExpirationCounter; exc > 0 {
			r.Set("exc", exc)
			if err := svc.UpdateCommitted(ctx, r); err != nil {
				return err
			}
		}
	}
	return svc.SubscriptionCreated(ctx, r, parent, originator)
}

func (b *SUBBehavior) Update(ctx context.Context, svc Services, r *Resource, payload types.JSON, originator string) error {
	previousNus := r.GetStringSlice("nu")
	ApplyUpdate(r, payload)
	return svc.SubscriptionUpdated(ctx, r, previousNus, originator)
}

func (b *SUBBehavior) Deactivate(ctx context.Context, svc Services, r *Resource, originator string) error {
	if err := svc.SubscriptionDeleted(ctx, r); err != nil {
		b.logger.Warn("subscription teardown incomplete",
			zap.String("ri", r.RI()),
			zap.Error(err))
	}
	return nil
}

// validateEventCriteria checks an incoming enc structure: net values
// must name known notification event types, chty must hold resource
// type numbers and atr attribute names.
func validateEventCriteria(enc types.JSON) error {
	if raw, ok := enc["net"]; ok && raw != nil {
		values, err := cast.ToSliceE(raw)
		if err != nil {
			return types.Errorf(types.RSCBadRequest, "enc/net must be a list")
		}
		for _, v := range values {
			n, err := cast.ToInt64E(v)
			if err != nil {
				return types.Errorf(types.RSCBadRequest, "enc/net entries must be numeric")
			}
			net := types.NotificationEventType(n)
			if net < types.NetResourceUpdate || net > types.NetBlockingRetrieveDirectChild {
				return types.Errorf(types.RSCBadRequest, "unknown notification event type %d", n)
			}
		}
	}
	if raw, ok := enc["chty"]; ok && raw != nil {
		if _, err := toInt64SliceE(raw); err != nil {
			return types.Errorf(types.RSCBadRequest, "enc/chty must be a list of resource types")
		}
	}
	if raw, ok := enc["atr"]; ok && raw != nil {
		if _, err := cast.ToStringSliceE(raw); err != nil {
			return types.Errorf(types.RSCBadRequest, "enc/atr must be a list of attribute names")
		}
	}
	return nil
}

// validateBatchNotify checks an incoming bn structure: a positive num,
// a parseable dur, and at least one of the two.
func validateBatchNotify(bn types.JSON) error {
	var has bool
	if raw, ok := bn["num"]; ok && raw != nil {
		n, err := cast.ToInt64E(raw)
		if err != nil || n <= 0 {
			return types.Errorf(types.RSCBadRequest, "bn/num must be a positive number")
		}
		has = true
	}
	if raw, ok := bn["dur"]; ok && raw != nil {
		s, err := cast.ToStringE(raw)
		if err != nil {
			return types.Errorf(types.RSCBadRequest, "bn/dur must be a duration string")
		}
		if _, err := types.ParseDuration(s); err != nil {
			return types.Errorf(types.RSCBadRequest, "bn/dur is not a valid duration: %v", err)
		}
		has = true
	}
	if !has {
		return types.Errorf(types.RSCBadRequest, "bn needs num or dur")
	}
	return nil
}

func toInt64SliceE(raw any) ([]int64, error) {
	values, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
