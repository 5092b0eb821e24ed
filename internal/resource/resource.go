// Package resource implements the oneM2M resource model: the attribute
// envelope shared by all resource types, the declarative attribute
// policies, and the per-type behaviour hooks the dispatcher runs around
// commits. Virtual resources (latest/oldest) are resolved on demand and
// never stored.
package resource

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/piwi3910/cseweave/internal/types"
)

// Internal attributes live in the same map as wire attributes but are
// stripped from representations. The double-underscore convention marks
// them.
const (
	attrStructuredPath = "__srn__"
	attrOriginator     = "__originator__"
	attrAnnouncedTo    = "__announcedTo__"

	internalPrefix = "__"
)

// AnnouncementRef records one announced shadow of a resource: the peer CSE
// it lives on and its resource ID there.
type AnnouncementRef struct {
	CSI      string
	RemoteRI string
}

// Resource is the in-memory form of a stored resource: a typed attribute
// map keyed by short attribute names. A Resource is owned by a single
// request or worker at a time and is not safe for concurrent use.
type Resource struct {
	attrs types.JSON
}

// New creates a resource of the given type with the given attributes. The
// attribute map is copied.
func New(ty types.ResourceType, attrs types.JSON) *Resource {
	r := &Resource{attrs: make(types.JSON, len(attrs)+8)}
	for k, v := range attrs {
		r.attrs[k] = v
	}
	r.attrs["ty"] = int(ty)
	return r
}

// FromDocument rebuilds a resource from its stored document.
func FromDocument(doc types.JSON) (*Resource, error) {
	tyRaw, ok := doc["ty"]
	if !ok {
		return nil, types.Errorf(types.RSCInternalServerError, "stored document has no resource type")
	}
	ty, err := cast.ToIntE(tyRaw)
	if err != nil {
		return nil, types.WrapError(types.RSCInternalServerError, "stored document has a malformed resource type", err)
	}
	return New(types.ResourceType(ty), doc), nil
}

// Document returns the persisted form of the resource, including internal
// attributes. The returned map is a copy.
func (r *Resource) Document() types.JSON {
	doc := make(types.JSON, len(r.attrs))
	for k, v := range r.attrs {
		doc[k] = v
	}
	return doc
}

// Representation returns the wire form of the resource wrapped in its type
// short name, with internal attributes stripped. Null values, which mark
// pending attribute removals, are not part of the wire form.
func (r *Resource) Representation() types.JSON {
	clean := make(types.JSON, len(r.attrs))
	for k, v := range r.attrs {
		if v == nil || strings.HasPrefix(k, internalPrefix) {
			continue
		}
		clean[k] = v
	}
	return types.JSON{r.Type().ShortName(): clean}
}

// Type returns the resource type code.
func (r *Resource) Type() types.ResourceType {
	return types.ResourceType(cast.ToInt(r.attrs["ty"]))
}

// RI returns the resource identifier.
func (r *Resource) RI() string { return r.GetString("ri") }

// RN returns the resource name.
func (r *Resource) RN() string { return r.GetString("rn") }

// PI returns the parent resource identifier, empty for the root.
func (r *Resource) PI() string { return r.GetString("pi") }

// CreationTime returns the ct attribute in basic timestamp format.
func (r *Resource) CreationTime() string { return r.GetString("ct") }

// LastModified returns the lt attribute in basic timestamp format.
func (r *Resource) LastModified() string { return r.GetString("lt") }

// ExpirationTime returns the et attribute, empty when the resource does
// not expire.
func (r *Resource) ExpirationTime() string { return r.GetString("et") }

// ACPI returns the access-control-policy ID list.
func (r *Resource) ACPI() []string { return r.GetStringSlice("acpi") }

// StructuredPath returns the slash-joined path of resource names from the
// root, e.g. "cse-in/ae1/cnt1".
func (r *Resource) StructuredPath() string { return r.GetString(attrStructuredPath) }

// SetStructuredPath records the structured path.
func (r *Resource) SetStructuredPath(srn string) { r.attrs[attrStructuredPath] = srn }

// Originator returns the originator that created the resource. This is
// bookkeeping distinct from the optional cr attribute.
func (r *Resource) Originator() string { return r.GetString(attrOriginator) }

// SetOriginator records the creating originator.
func (r *Resource) SetOriginator(originator string) { r.attrs[attrOriginator] = originator }

// Get returns a raw attribute value.
func (r *Resource) Get(key string) (any, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// Has reports whether the attribute is present.
func (r *Resource) Has(key string) bool {
	_, ok := r.attrs[key]
	return ok
}

// Set stores an attribute value.
func (r *Resource) Set(key string, value any) { r.attrs[key] = value }

// Delete removes an attribute.
func (r *Resource) Delete(key string) { delete(r.attrs, key) }

// GetString returns a string attribute, or "" when absent or of another
// kind.
func (r *Resource) GetString(key string) string {
	return cast.ToString(r.attrs[key])
}

// GetInt returns an integer attribute, or 0 when absent.
func (r *Resource) GetInt(key string) int {
	return cast.ToInt(r.attrs[key])
}

// GetInt64 returns an integer attribute as int64, or 0 when absent.
func (r *Resource) GetInt64(key string) int64 {
	return cast.ToInt64(r.attrs[key])
}

// GetBool returns a boolean attribute, false when absent.
func (r *Resource) GetBool(key string) bool {
	return cast.ToBool(r.attrs[key])
}

// GetStringSlice returns a string-list attribute, nil when absent.
func (r *Resource) GetStringSlice(key string) []string {
	v, ok := r.attrs[key]
	if !ok || v == nil {
		return nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return out
}

// GetJSON returns a nested object attribute, nil when absent.
func (r *Resource) GetJSON(key string) types.JSON {
	v, ok := r.attrs[key]
	if !ok || v == nil {
		return nil
	}
	switch m := v.(type) {
	case map[string]any:
		return m
	default:
		return nil
	}
}

// AnnouncedTo returns the (peer CSI, remote RI) bookkeeping pairs.
func (r *Resource) AnnouncedTo() []AnnouncementRef {
	raw, ok := r.attrs[attrAnnouncedTo]
	if !ok || raw == nil {
		return nil
	}
	entries, err := cast.ToSliceE(raw)
	if err != nil {
		return nil
	}
	refs := make([]AnnouncementRef, 0, len(entries))
	for _, e := range entries {
		pair, err := cast.ToSliceE(e)
		if err != nil || len(pair) != 2 {
			continue
		}
		refs = append(refs, AnnouncementRef{
			CSI:      cast.ToString(pair[0]),
			RemoteRI: cast.ToString(pair[1]),
		})
	}
	return refs
}

// AddAnnouncedTo records a new announced shadow. Duplicate CSIs are
// replaced.
func (r *Resource) AddAnnouncedTo(csi, remoteRI string) {
	refs := r.AnnouncedTo()
	out := make([]any, 0, len(refs)+1)
	for _, ref := range refs {
		if ref.CSI == csi {
			continue
		}
		out = append(out, []any{ref.CSI, ref.RemoteRI})
	}
	out = append(out, []any{csi, remoteRI})
	r.attrs[attrAnnouncedTo] = out
}

// RemoveAnnouncedTo drops the bookkeeping entry for a peer CSI and returns
// the removed remote RI, if any.
func (r *Resource) RemoveAnnouncedTo(csi string) (string, bool) {
	refs := r.AnnouncedTo()
	out := make([]any, 0, len(refs))
	var removed string
	var found bool
	for _, ref := range refs {
		if ref.CSI == csi {
			removed = ref.RemoteRI
			found = true
			continue
		}
		out = append(out, []any{ref.CSI, ref.RemoteRI})
	}
	if len(out) == 0 {
		delete(r.attrs, attrAnnouncedTo)
	} else {
		r.attrs[attrAnnouncedTo] = out
	}
	return removed, found
}

// AnnouncedToCSI reports whether the resource is already announced to the
// peer.
func (r *Resource) AnnouncedToCSI(csi string) bool {
	for _, ref := range r.AnnouncedTo() {
		if ref.CSI == csi {
			return true
		}
	}
	return false
}

// IsExpired reports whether et lies in the past relative to nowTS, both in
// basic timestamp format. Resources without et never expire.
func (r *Resource) IsExpired(nowTS string) bool {
	et := r.ExpirationTime()
	if et == "" {
		return false
	}
	return et < nowTS
}

// Touch updates the last-modified timestamp.
func (r *Resource) Touch() {
	r.attrs["lt"] = types.Now()
}
