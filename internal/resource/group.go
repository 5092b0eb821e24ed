package resource

import (
	"context"

	"github.com/piwi3910/cseweave/internal/types"
)

func groupDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeGroup,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeSUB,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			"mt":   {Create: Optional, Update: NotPresent, Kind: KindInt},
			"mid":  {Create: Mandatory, Update: Optional, Kind: KindStringList},
			"mnm":  {Create: Mandatory, Update: Optional, Kind: KindInt},
			"cnm":  {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"csy":  {Create: Optional, Update: NotPresent, Kind: KindInt},
			"gn":   {Create: Optional, Update: Optional, Kind: KindString},
			"macp": {Create: Optional, Update: Optional, Kind: KindStringList},
			"mtv":  {Create: NotPresent, Update: NotPresent, Kind: KindBool},
			"cr":   {Create: Optional, Update: NotPresent, Kind: KindString},
		}),
	}
}

// GroupBehavior verifies member references and keeps the member count
// and validation flag up to date.
type GroupBehavior struct {
	Base
}

func (b *GroupBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	mid := r.GetStringSlice("mid")
	midChanged := create
	if !create {
		if raw, ok := payload["mnm"]; ok && raw == nil {
			return types.Errorf(types.RSCBadRequest, "mnm cannot be removed")
		}
		if raw, ok := payload["mid"]; ok {
			if raw == nil {
				return types.Errorf(types.RSCBadRequest, "mid cannot be removed")
			}
			mid = toStringSlice(raw)
			midChanged = true
		} else if _, ok := payload["mnm"]; !ok {
			return nil
		}
	}

	mid = dedupeStrings(mid)

	mnm := r.GetInt64("mnm")
	if v, ok := payload["mnm"]; ok && v != nil {
		mnm = toInt64(v)
	}
	if mnm < int64(len(mid)) {
		return types.Errorf(types.RSCNotAcceptable, "group holds %d members, mnm allows %d", len(mid), mnm)
	}

	if midChanged {
		mt := types.ResourceTypeMixed
		if r.Has("mt") {
			mt = types.ResourceType(r.GetInt64("mt"))
		}
		for _, id := range mid {
			member, err := svc.ResourceByID(ctx, id)
			if err != nil {
				return types.Errorf(types.RSCBadRequest, "group member %s not found", id)
			}
			if mt != types.ResourceTypeMixed && member.Type() != mt {
				return types.Errorf(types.RSCGroupMemberTypeInconsistent, "member %s has type %d, group requires %d", id, member.Type(), mt)
			}
		}
	}

	if create {
		r.Set("mid", mid)
		r.Set("cnm", len(mid))
		r.Set("mtv", true)
	} else if midChanged {
		payload["mid"] = mid
		payload["cnm"] = len(mid)
		payload["mtv"] = true
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
