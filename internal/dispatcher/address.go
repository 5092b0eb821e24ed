package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
)

// Resolve maps a request target onto its stored resource. All three
// oneM2M address forms are accepted: CSE-relative ("cse-in/ae1" or a bare
// ri), SP-relative ("/id-in/ae0001") and absolute ("//sp.example/id-in/...").
// A structured name ending in "la" or "ol" resolves to the instance the
// virtual child denotes; viaVirtual reports that.
func (d *Dispatcher) Resolve(ctx context.Context, target string) (*resource.Resource, bool, error) {
	t, err := d.normalizeTarget(target)
	if err != nil {
		return nil, false, err
	}

	first := t
	if i := strings.Index(t, "/"); i >= 0 {
		first = t[:i]
	}
	if first == d.cse.RN {
		return d.resolveStructured(ctx, t)
	}

	r, err := d.ResourceByID(ctx, t)
	return r, false, err
}

// normalizeTarget reduces a target to a CSE-relative form: either a
// structured name rooted at the CSE base name or an unstructured ri.
func (d *Dispatcher) normalizeTarget(target string) (string, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return "", types.Errorf(types.RSCBadRequest, "request target is mandatory")
	}

	if strings.HasPrefix(t, "//") {
		rest := strings.TrimPrefix(t, "//")
		if !strings.HasPrefix(rest, d.cse.SPID+"/") {
			return "", types.Errorf(types.RSCTargetNotReachable, "target %s lies outside service provider %s", target, d.cse.SPID)
		}
		t = strings.TrimPrefix(rest, d.cse.SPID)
	}

	if strings.HasPrefix(t, "/") {
		switch {
		case t == d.cse.CSI:
			return d.cse.RI, nil
		case strings.HasPrefix(t, d.cse.CSI+"/"):
			t = strings.TrimPrefix(t, d.cse.CSI+"/")
		default:
			return "", types.Errorf(types.RSCTargetNotReachable, "target %s addresses another CSE", target)
		}
	}

	if t == "" {
		return "", types.Errorf(types.RSCBadRequest, "request target %q is malformed", target)
	}
	return t, nil
}

// resolveStructured looks a structured name up in the identifier table,
// falling back to virtual-child resolution for a trailing "la" or "ol".
func (d *Dispatcher) resolveStructured(ctx context.Context, srn string) (*resource.Resource, bool, error) {
	rec, err := d.store.IdentifierBySRN(ctx, srn)
	switch {
	case err == nil:
		r, err := d.ResourceByID(ctx, rec.RI)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, false, types.DatabaseInconsistencyf(
					"identifier %s points at missing resource %s", srn, rec.RI)
			}
			return nil, false, err
		}
		return r, false, nil
	case !errors.Is(err, storage.ErrIdentifierNotFound):
		return nil, false, types.WrapError(types.RSCInternalServerError, "resolving structured name failed", err)
	}

	i := strings.LastIndex(srn, "/")
	if i < 0 {
		return nil, false, types.Errorf(types.RSCNotFound, "target %s not found", srn)
	}
	leaf := srn[i+1:]
	if leaf != resource.VirtualLatestRN && leaf != resource.VirtualOldestRN {
		return nil, false, types.Errorf(types.RSCNotFound, "target %s not found", srn)
	}

	parentRec, err := d.store.IdentifierBySRN(ctx, srn[:i])
	if err != nil {
		if errors.Is(err, storage.ErrIdentifierNotFound) {
			return nil, false, types.Errorf(types.RSCNotFound, "target %s not found", srn)
		}
		return nil, false, types.WrapError(types.RSCInternalServerError, "resolving structured name failed", err)
	}
	parent, err := d.ResourceByID(ctx, parentRec.RI)
	if err != nil {
		return nil, false, err
	}

	vty, ok := resource.VirtualChildType(parent.Type(), leaf)
	if !ok {
		return nil, false, types.Errorf(types.RSCNotFound, "target %s not found", srn)
	}
	inst, err := d.resolveVirtual(ctx, parent, vty)
	if err != nil {
		return nil, false, err
	}
	return inst, true, nil
}

// resolveVirtual returns the newest or oldest instance under a container
// or time series.
func (d *Dispatcher) resolveVirtual(ctx context.Context, parent *resource.Resource, vty types.ResourceType) (*resource.Resource, error) {
	instances, err := d.DirectChildren(ctx, parent.RI(), resource.InstanceTypeFor(vty))
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, types.Errorf(types.RSCNotFound, "%s has no instances", parent.RI())
	}
	if resource.WantsLatest(vty) {
		return instances[len(instances)-1], nil
	}
	return instances[0], nil
}
