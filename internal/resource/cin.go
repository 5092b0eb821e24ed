package resource

import (
	"context"
	"encoding/json"

	"github.com/piwi3910/cseweave/internal/types"
)

func cinDef() *TypeDef {
	return &TypeDef{
		Type:        types.ResourceTypeCIN,
		Updatable:   false,
		Children:    nil,
		InheritsACP: true,
		Attributes: mergeAttributes(map[string]AttributeDef{
			"con":  {Create: Mandatory, Update: NotPresent, Kind: KindAny},
			"cnf":  {Create: Optional, Update: NotPresent, Kind: KindString},
			"cs":   {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"cr":   {Create: Optional, Update: NotPresent, Kind: KindString},
			"acpi": {Create: NotPresent, Update: NotPresent, Kind: KindStringList},
		}),
	}
}

// CINBehavior computes the content size on creation. Instances are
// immutable, so no further hooks apply.
type CINBehavior struct {
	Base
}

func (b *CINBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		return nil
	}
	con, _ := r.Get("con")
	r.Set("cs", contentSize(con))
	return nil
}

// contentSize is the byte length of the content: the raw length for
// strings, the serialized length for anything else.
func contentSize(con any) int {
	switch v := con.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	default:
		raw, err := json.Marshal(con)
		if err != nil {
			return 0
		}
		return len(raw)
	}
}
