package resource

import (
	"context"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

func tsDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeTS,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeTSI,
			types.ResourceTypeSUB,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			"cr":  {Create: Optional, Update: NotPresent, Kind: KindString},
			"mni": {Create: Optional, Update: Optional, Kind: KindInt},
			"mbs": {Create: Optional, Update: Optional, Kind: KindInt},
			"mia": {Create: Optional, Update: Optional, Kind: KindInt},
			"cni": {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"cbs": {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			// Periodic interval and missing data detection, both in
			// milliseconds as TS-0004 defines them.
			"pei":  {Create: Optional, Update: Optional, Kind: KindInt},
			"mdd":  {Create: Optional, Update: Optional, Kind: KindBool},
			"mdn":  {Create: Optional, Update: Optional, Kind: KindInt},
			"mdt":  {Create: Optional, Update: Optional, Kind: KindInt},
			"mdlt": {Create: NotPresent, Update: NotPresent, Kind: KindStringList},
			"mdc":  {Create: NotPresent, Update: NotPresent, Kind: KindInt},
		}),
	}
}

// TimeSeriesBehavior mirrors the container bookkeeping and drives the
// missing data point monitor.
type TimeSeriesBehavior struct {
	Base

	logger *zap.Logger
}

func (b *TimeSeriesBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if err := validateRetentionLimits(r, create, payload); err != nil {
		return err
	}

	merged := func(attr string) (int64, bool) {
		if !create {
			if raw, ok := payload[attr]; ok {
				if raw == nil {
					return 0, false
				}
				return toInt64(raw), true
			}
		}
		if r.Has(attr) {
			return r.GetInt64(attr), true
		}
		return 0, false
	}

	for _, attr := range []string{"pei", "mdt", "mdn"} {
		if v, ok := merged(attr); ok && v <= 0 {
			return types.Errorf(types.RSCBadRequest, "%s must be positive", attr)
		}
	}

	mdd := r.GetBool("mdd")
	if !create {
		if raw, ok := payload["mdd"]; ok {
			mdd = raw != nil && toBool(raw)
		}
	}
	if mdd {
		if _, ok := merged("pei"); !ok {
			return types.Errorf(types.RSCBadRequest, "mdd requires pei")
		}
		if _, ok := merged("mdt"); !ok {
			return types.Errorf(types.RSCBadRequest, "mdd requires mdt")
		}
	}
	return nil
}

func (b *TimeSeriesBehavior) Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error {
	r.Set("cni", 0)
	r.Set("cbs", 0)
	if r.GetBool("mdd") {
		r.Set("mdlt", []string{})
		r.Set("mdc", 0)
		if err := svc.UpdateTimeSeriesMonitor(ctx, r); err != nil {
			return err
		}
	}
	return svc.UpdateCommitted(ctx, r)
}

func (b *TimeSeriesBehavior) Update(ctx context.Context, svc Services, r *Resource, payload types.JSON, originator string) error {
	mddWas := r.GetBool("mdd")
	ApplyUpdate(r, payload)
	if err := enforceInstanceLimits(ctx, svc, r, types.ResourceTypeTSI, b.logger); err != nil {
		return err
	}

	mdd := r.GetBool("mdd")
	if mdd && !mddWas {
		// Re-enabled detection starts from a clean list.
		r.Set("mdlt", []string{})
		r.Set("mdc", 0)
	}
	trimMissingDataList(r)

	if touchesMonitor(payload) {
		if !mdd {
			svc.StopTimeSeriesMonitor(ctx, r.RI())
			return nil
		}
		return svc.UpdateTimeSeriesMonitor(ctx, r)
	}
	return nil
}

func (b *TimeSeriesBehavior) Deactivate(ctx context.Context, svc Services, r *Resource, originator string) error {
	svc.StopTimeSeriesMonitor(ctx, r.RI())
	return nil
}

func (b *TimeSeriesBehavior) ChildWillBeAdded(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error {
	if err := guardInstanceName(child); err != nil {
		return err
	}
	if child.Type() != types.ResourceTypeTSI {
		return nil
	}
	if err := guardInstanceSize(r, child); err != nil {
		return err
	}
	return b.guardDuplicateDgt(ctx, svc, r, child)
}

func (b *TimeSeriesBehavior) ChildAdded(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error {
	if child.Type() != types.ResourceTypeTSI {
		return nil
	}
	if err := clampInstanceAge(ctx, svc, r, child); err != nil {
		return err
	}
	if err := enforceInstanceLimits(ctx, svc, r, types.ResourceTypeTSI, b.logger); err != nil {
		return err
	}
	if err := svc.UpdateCommitted(ctx, r); err != nil {
		return err
	}
	return svc.TimeSeriesInstanceAdded(ctx, r, child)
}

func (b *TimeSeriesBehavior) ChildRemoved(ctx context.Context, svc Services, r *Resource, child *Resource, originator string) error {
	if child.Type() != types.ResourceTypeTSI {
		return nil
	}
	return refreshInstanceCounters(ctx, svc, r, types.ResourceTypeTSI)
}

// guardDuplicateDgt rejects a dataGenerationTime already held by a
// sibling instance.
func (b *TimeSeriesBehavior) guardDuplicateDgt(ctx context.Context, svc Services, r *Resource, child *Resource) error {
	dgt, err := types.ParseTimestamp(child.GetString("dgt"))
	if err != nil {
		return types.Errorf(types.RSCBadRequest, "dgt is not a valid timestamp: %v", err)
	}
	siblings, err := svc.DirectChildren(ctx, r.RI(), types.ResourceTypeTSI)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		st, err := types.ParseTimestamp(s.GetString("dgt"))
		if err != nil {
			continue
		}
		if st.Equal(dgt) {
			return types.Errorf(types.RSCConflict, "dgt %s already recorded by %s", child.GetString("dgt"), s.RI())
		}
	}
	return nil
}

// trimMissingDataList keeps mdlt within a shrunk mdn.
func trimMissingDataList(r *Resource) {
	if !r.Has("mdn") || !r.Has("mdlt") {
		return
	}
	mdn := int(r.GetInt64("mdn"))
	mdlt := r.GetStringSlice("mdlt")
	if mdn >= 0 && len(mdlt) > mdn {
		mdlt = mdlt[len(mdlt)-mdn:]
		r.Set("mdlt", mdlt)
		r.Set("mdc", len(mdlt))
	}
}

// touchesMonitor reports whether an update payload affects the missing
// data monitor schedule.
func touchesMonitor(payload types.JSON) bool {
	for _, attr := range []string{"mdd", "pei", "mdt", "mdn"} {
		if _, ok := payload[attr]; ok {
			return true
		}
	}
	return false
}

func tsiDef() *TypeDef {
	return &TypeDef{
		Type:        types.ResourceTypeTSI,
		Updatable:   false,
		Children:    nil,
		InheritsACP: true,
		Attributes: mergeAttributes(map[string]AttributeDef{
			"dgt":  {Create: Mandatory, Update: NotPresent, Kind: KindTimestamp},
			"con":  {Create: Mandatory, Update: NotPresent, Kind: KindAny},
			"cs":   {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"snr":  {Create: Optional, Update: NotPresent, Kind: KindInt},
			"acpi": {Create: NotPresent, Update: NotPresent, Kind: KindStringList},
		}),
	}
}

// TSIBehavior computes the content size; instances are immutable.
type TSIBehavior struct {
	Base
}

func (b *TSIBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		return nil
	}
	con, _ := r.Get("con")
	r.Set("cs", contentSize(con))
	return nil
}
