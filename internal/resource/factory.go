package resource

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/cseweave/internal/types"
)

// GenerateRI produces a new resource identifier with a type-derived
// prefix, e.g. "cnt8f41a02c9d".
func GenerateRI(ty types.ResourceType) string {
	prefix := strings.TrimPrefix(ty.ShortName(), "m2m:")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return prefix + suffix
}

// UnwrapContent extracts the attribute payload for the given type from a
// primitive content map, which must carry exactly the type's short name,
// e.g. {"m2m:cnt": {...}}.
func UnwrapContent(ty types.ResourceType, content types.JSON) (types.JSON, error) {
	if len(content) != 1 {
		return nil, types.Errorf(types.RSCBadRequest, "primitive content must hold exactly one resource")
	}
	raw, ok := content[ty.ShortName()]
	if !ok {
		return nil, types.Errorf(types.RSCBadRequest, "primitive content does not match resource type %s", ty)
	}
	attrs, ok := raw.(map[string]any)
	if !ok {
		if j, isJSON := raw.(types.JSON); isJSON {
			attrs = j
		} else {
			return nil, types.Errorf(types.RSCBadRequest, "resource content must be an object")
		}
	}
	return attrs, nil
}

// NewFromPayload builds a resource of the given type from an unwrapped
// create payload, assigning identifiers, timestamps and the expiration
// default. The payload has already passed the attribute policy.
func NewFromPayload(ty types.ResourceType, payload types.JSON, parent *Resource, originator string, defaults Defaults) *Resource {
	r := New(ty, payload)

	ri := GenerateRI(ty)
	r.Set("ri", ri)
	if r.RN() == "" {
		r.Set("rn", defaultResourceName(ty, ri))
	}
	if parent != nil {
		r.Set("pi", parent.RI())
		r.SetStructuredPath(parent.StructuredPath() + "/" + r.RN())
	}

	now := time.Now().UTC()
	nowTS := types.Timestamp(now)
	r.Set("ct", nowTS)
	r.Set("lt", nowTS)
	r.SetOriginator(originator)

	// cr is stored only when the request asked for it.
	if v, ok := r.Get("cr"); ok && v == nil {
		r.Set("cr", originator)
	}

	applyExpiration(r, now, defaults)
	return r
}

func defaultResourceName(ty types.ResourceType, ri string) string {
	prefix := strings.TrimPrefix(ty.ShortName(), "m2m:")
	return fmt.Sprintf("%s_%s", prefix, strings.TrimPrefix(ri, prefix))
}

// applyExpiration fills a missing et with the configured default and caps
// a requested et at the maximum delta. The CSEBase never expires.
func applyExpiration(r *Resource, now time.Time, defaults Defaults) {
	if r.Type() == types.ResourceTypeCSEBase {
		r.Delete("et")
		return
	}

	maxET := ""
	if defaults.MaxExpirationDelta > 0 {
		maxET = types.Timestamp(now.Add(defaults.MaxExpirationDelta))
	}

	et := r.ExpirationTime()
	if et == "" {
		if defaults.ExpirationDelta > 0 {
			et = types.Timestamp(now.Add(defaults.ExpirationDelta))
		} else {
			et = maxET
		}
	}
	if maxET != "" && et > maxET {
		et = maxET
	}
	if et != "" {
		r.Set("et", et)
	}
}

// ClampExpiration lowers a resource's et to now+delta when it currently
// lies further out. Containers use it to apply mia to fresh instances.
func ClampExpiration(r *Resource, delta time.Duration, defaults Defaults) {
	if delta <= 0 {
		return
	}
	if defaults.MaxExpirationDelta > 0 && delta > defaults.MaxExpirationDelta {
		delta = defaults.MaxExpirationDelta
	}
	limit := types.TimestampAfter(delta)
	if et := r.ExpirationTime(); et == "" || et > limit {
		r.Set("et", limit)
	}
}

// SortByCreationTime orders resources oldest first, by ct then ri for
// stability.
func SortByCreationTime(resources []*Resource) {
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].CreationTime() != resources[j].CreationTime() {
			return resources[i].CreationTime() < resources[j].CreationTime()
		}
		return resources[i].RI() < resources[j].RI()
	})
}
