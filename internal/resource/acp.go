package resource

import (
	"context"

	"github.com/spf13/cast"

	"github.com/piwi3910/cseweave/internal/types"
)

func acpDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeACP,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeSUB,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			"pv":  {Create: Mandatory, Update: Optional, Kind: KindJSON},
			"pvs": {Create: Mandatory, Update: Optional, Kind: KindJSON},
			// An access control policy does not point at further policies.
			"acpi": {Create: NotPresent, Update: NotPresent, Kind: KindStringList},
		}),
	}
}

// ACPRule is one parsed access control rule from a pv or pvs set.
type ACPRule struct {
	// Originators holds acor entries: originator IDs, "all", glob
	// patterns, or group resource IDs.
	Originators []string

	// Permission is the acop bitmask granted by the rule.
	Permission types.Permission

	// ChildTypes holds the union of acod chty restrictions. Empty means
	// the rule applies to every resource type.
	ChildTypes []types.ResourceType
}

// AppliesToType reports whether the rule covers ty, which is the type
// being created for CREATE requests and the target type otherwise.
func (r ACPRule) AppliesToType(ty types.ResourceType) bool {
	if len(r.ChildTypes) == 0 {
		return true
	}
	for _, t := range r.ChildTypes {
		if t == ty {
			return true
		}
	}
	return false
}

// ParseACPRules extracts the rules of the named set ("pv" or "pvs")
// from an ACP resource. A missing set yields no rules.
func ParseACPRules(acp *Resource, set string) ([]ACPRule, error) {
	raw := acp.GetJSON(set)
	if raw == nil {
		return nil, nil
	}
	return parseRuleSet(raw)
}

func parseRuleSet(set types.JSON) ([]ACPRule, error) {
	entries, ok := set["acr"]
	if !ok || entries == nil {
		return nil, nil
	}
	list, ok := entries.([]any)
	if !ok {
		return nil, types.Errorf(types.RSCBadRequest, "acr must be a list")
	}
	rules := make([]ACPRule, 0, len(list))
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.RSCBadRequest, "access control rule must be an object")
		}
		acor, err := cast.ToStringSliceE(entry["acor"])
		if err != nil || len(acor) == 0 {
			return nil, types.Errorf(types.RSCBadRequest, "access control rule needs a non-empty acor list")
		}
		acop, err := cast.ToInt64E(entry["acop"])
		if err != nil {
			return nil, types.Errorf(types.RSCBadRequest, "access control rule needs a numeric acop")
		}
		rule := ACPRule{
			Originators: acor,
			Permission:  types.Permission(acop),
		}
		if acod, ok := entry["acod"]; ok && acod != nil {
			chty, err := parseObjectDetails(acod)
			if err != nil {
				return nil, err
			}
			rule.ChildTypes = chty
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseObjectDetails(acod any) ([]types.ResourceType, error) {
	details, ok := acod.([]any)
	if !ok {
		return nil, types.Errorf(types.RSCBadRequest, "acod must be a list")
	}
	var out []types.ResourceType
	for _, d := range details {
		detail, ok := d.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.RSCBadRequest, "acod entry must be an object")
		}
		raw, ok := detail["chty"]
		if !ok {
			continue
		}
		values, err := cast.ToSliceE(raw)
		if err != nil {
			return nil, types.Errorf(types.RSCBadRequest, "acod chty must be a list")
		}
		for _, v := range values {
			ty, err := cast.ToInt64E(v)
			if err != nil {
				return nil, types.Errorf(types.RSCBadRequest, "acod chty entries must be numeric")
			}
			out = append(out, types.ResourceType(ty))
		}
	}
	return out, nil
}

// ACPBehavior validates policy sets. The self-privileges set must never
// be empty, otherwise the policy would become unmanageable.
type ACPBehavior struct {
	Base
}

func (b *ACPBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		if raw, ok := payload["pvs"]; ok && raw == nil {
			return types.Errorf(types.RSCBadRequest, "pvs cannot be removed")
		}
	}
	if set, ok := incomingJSON(r, payload, create, "pv"); ok {
		if _, err := parseRuleSet(set); err != nil {
			return err
		}
	}
	if set, ok := incomingJSON(r, payload, create, "pvs"); ok {
		rules, err := parseRuleSet(set)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			return types.Errorf(types.RSCBadRequest, "pvs must contain at least one access control rule")
		}
	}
	return nil
}

// incomingJSON returns the value an attribute will have after the
// request is applied: the resource value on create, the payload value
// on update. The second return is false when the request leaves the
// attribute untouched or removes it.
func incomingJSON(r *Resource, payload types.JSON, create bool, key string) (types.JSON, bool) {
	if create {
		v := r.GetJSON(key)
		return v, v != nil
	}
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil, false
	}
	v, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	return types.JSON(v), true
}
