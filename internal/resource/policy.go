package resource

import (
	"github.com/spf13/cast"

	"github.com/piwi3910/cseweave/internal/types"
)

// Requirement states whether an attribute may, must, or must not appear in
// a request payload.
type Requirement int

const (
	// NotPresent rejects the attribute in the payload.
	NotPresent Requirement = iota

	// Optional admits the attribute.
	Optional

	// Mandatory requires the attribute.
	Mandatory
)

// Kind is the value domain of an attribute.
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindInt
	KindBool
	KindStringList
	KindJSON
	KindTimestamp
	KindDuration
)

// AttributeDef is one entry of a type's attribute policy.
type AttributeDef struct {
	// Create and Update govern presence in the respective payloads.
	// Read-only attributes are NotPresent in both.
	Create Requirement
	Update Requirement

	// Kind is the admitted value domain.
	Kind Kind
}

// TypeDef describes one resource type: its wire name, its admissible
// children, whether UPDATE is allowed at all, and its attribute policy.
type TypeDef struct {
	Type      types.ResourceType
	Updatable bool
	Children  []types.ResourceType

	// InheritsACP marks types that carry no acpi of their own and take
	// their access control from the parent, such as instances.
	InheritsACP bool

	// Attributes is the merged policy, universal plus type-specific.
	Attributes map[string]AttributeDef
}

// CanHaveChild reports whether the child type is declared for this parent
// type. Virtual children resolve through their parent and are always
// admitted for reads.
func (d *TypeDef) CanHaveChild(child types.ResourceType) bool {
	for _, ty := range d.Children {
		if ty == child {
			return true
		}
	}
	return false
}

// universalAttributes apply to every type unless overridden by the
// type-specific table.
var universalAttributes = map[string]AttributeDef{
	"rn":   {Create: Optional, Update: NotPresent, Kind: KindString},
	"ri":   {Create: NotPresent, Update: NotPresent, Kind: KindString},
	"pi":   {Create: NotPresent, Update: NotPresent, Kind: KindString},
	"ty":   {Create: NotPresent, Update: NotPresent, Kind: KindInt},
	"ct":   {Create: NotPresent, Update: NotPresent, Kind: KindTimestamp},
	"lt":   {Create: NotPresent, Update: NotPresent, Kind: KindTimestamp},
	"et":   {Create: Optional, Update: Optional, Kind: KindTimestamp},
	"lbl":  {Create: Optional, Update: Optional, Kind: KindStringList},
	"acpi": {Create: Optional, Update: Optional, Kind: KindStringList},
	"cstn": {Create: Optional, Update: Optional, Kind: KindString},
	"at":   {Create: Optional, Update: Optional, Kind: KindStringList},
	"aa":   {Create: Optional, Update: Optional, Kind: KindStringList},
}

// mergeAttributes builds a full policy from the universal table and a
// type-specific one; specific entries win.
func mergeAttributes(specific map[string]AttributeDef) map[string]AttributeDef {
	merged := make(map[string]AttributeDef, len(universalAttributes)+len(specific))
	for k, v := range universalAttributes {
		merged[k] = v
	}
	for k, v := range specific {
		merged[k] = v
	}
	return merged
}

// ValidatePayload checks a request payload against the type's attribute
// policy: unknown attributes, presence requirements, null handling, and
// value kinds. For updates, a null value requests attribute removal and is
// admitted for Optional attributes.
func (d *TypeDef) ValidatePayload(payload types.JSON, create bool) error {
	for name, value := range payload {
		def, known := d.Attributes[name]
		if !known {
			return types.Errorf(types.RSCBadRequest, "unknown attribute %q for resource type %s", name, d.Type)
		}

		req := def.Update
		if create {
			req = def.Create
		}
		if req == NotPresent {
			return types.Errorf(types.RSCBadRequest, "attribute %q is not allowed in this request", name)
		}

		if value == nil {
			// cr may be requested with a null value on CREATE; the CSE
			// fills in the originator. Everything else admits null only
			// as an UPDATE removal.
			if create && name != "cr" {
				return types.Errorf(types.RSCBadRequest, "attribute %q must not be null on create", name)
			}
			continue
		}

		if err := checkKind(name, value, def.Kind); err != nil {
			return err
		}
	}

	if create {
		for name, def := range d.Attributes {
			if def.Create != Mandatory {
				continue
			}
			if _, ok := payload[name]; !ok {
				return types.Errorf(types.RSCBadRequest, "mandatory attribute %q missing", name)
			}
		}
	}
	return nil
}

// toInt64 converts an attribute value whose kind was already checked.
func toInt64(v any) int64 {
	n, _ := cast.ToInt64E(v)
	return n
}

func toStringSlice(v any) []string {
	s, _ := cast.ToStringSliceE(v)
	return s
}

func toBool(v any) bool {
	b, _ := cast.ToBoolE(v)
	return b
}

func checkKind(name string, value any, kind Kind) error {
	var err error
	switch kind {
	case KindAny:
		return nil
	case KindString:
		_, err = cast.ToStringE(value)
	case KindInt:
		_, err = cast.ToInt64E(value)
	case KindBool:
		_, err = cast.ToBoolE(value)
	case KindStringList:
		_, err = cast.ToStringSliceE(value)
	case KindJSON:
		switch value.(type) {
		case map[string]any:
		default:
			return types.Errorf(types.RSCBadRequest, "attribute %q must be an object", name)
		}
		return nil
	case KindTimestamp:
		s, serr := cast.ToStringE(value)
		if serr != nil {
			err = serr
			break
		}
		_, err = types.ParseTimestamp(s)
	case KindDuration:
		s, serr := cast.ToStringE(value)
		if serr != nil {
			err = serr
			break
		}
		_, err = types.ParseDuration(s)
	}
	if err != nil {
		return types.Errorf(types.RSCBadRequest, "attribute %q has an invalid value: %v", name, err)
	}
	return nil
}
