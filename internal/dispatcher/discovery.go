package dispatcher

import (
	"context"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/types"
)

// discover walks the subtree below root and returns the structured names
// of the resources matching the filter criteria. Resources the originator
// may not retrieve are dropped silently.
func (d *Dispatcher) discover(ctx context.Context, root *resource.Resource, fc *types.FilterCriteria, originator string) ([]string, error) {
	var level int
	if fc != nil {
		level = fc.Level
	}

	var matches []*resource.Resource
	err := d.walkSubtree(ctx, root, 1, level, func(r *resource.Resource) error {
		if !matchesCriteria(r, fc) {
			return nil
		}
		if d.security != nil {
			if err := d.security.Authorize(ctx, originator, r, types.PermissionRetrieve, types.ResourceTypeMixed); err != nil {
				return nil
			}
		}
		matches = append(matches, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d.sortDiscovery {
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Type() != matches[j].Type() {
				return matches[i].Type() < matches[j].Type()
			}
			return strings.ToLower(matches[i].RN()) < strings.ToLower(matches[j].RN())
		})
	}

	uril := make([]string, 0, len(matches))
	for i, r := range matches {
		if fc.MatchLimitWindow(i) {
			uril = append(uril, r.StructuredPath())
		}
	}
	return uril, nil
}

// walkSubtree visits the descendants of r in tree order. A positive
// maxLevel bounds the depth below the discovery target.
func (d *Dispatcher) walkSubtree(ctx context.Context, r *resource.Resource, depth, maxLevel int, visit func(*resource.Resource) error) error {
	if maxLevel > 0 && depth > maxLevel {
		return nil
	}
	children, err := d.DirectChildren(ctx, r.RI(), types.ResourceTypeMixed)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := visit(c); err != nil {
			return err
		}
		if err := d.walkSubtree(ctx, c, depth+1, maxLevel, visit); err != nil {
			return err
		}
	}
	return nil
}

// matchesCriteria evaluates the filter conditions against one resource.
// The filter operation combines them: AND is the default, OR accepts a
// resource matching any provided condition.
func matchesCriteria(r *resource.Resource, fc *types.FilterCriteria) bool {
	if fc == nil {
		return true
	}

	var conds []bool
	if len(fc.ResourceTypes) > 0 {
		match := false
		for _, ty := range fc.ResourceTypes {
			if r.Type() == ty {
				match = true
				break
			}
		}
		conds = append(conds, match)
	}
	if len(fc.Labels) > 0 {
		conds = append(conds, labelsIntersect(r.GetStringSlice("lbl"), fc.Labels))
	}
	if fc.CreatedBefore != "" {
		conds = append(conds, r.CreationTime() != "" && r.CreationTime() < fc.CreatedBefore)
	}
	if fc.CreatedAfter != "" {
		conds = append(conds, r.CreationTime() > fc.CreatedAfter)
	}
	if fc.ModifiedSince != "" {
		conds = append(conds, r.LastModified() > fc.ModifiedSince)
	}
	if fc.UnmodifiedSince != "" {
		conds = append(conds, r.LastModified() != "" && r.LastModified() <= fc.UnmodifiedSince)
	}
	if fc.ExpireBefore != "" {
		conds = append(conds, r.ExpirationTime() != "" && r.ExpirationTime() < fc.ExpireBefore)
	}
	if fc.ExpireAfter != "" {
		conds = append(conds, r.ExpirationTime() != "" && r.ExpirationTime() > fc.ExpireAfter)
	}
	for k, v := range fc.Attributes {
		got, ok := r.Get(k)
		conds = append(conds, ok && cast.ToString(got) == cast.ToString(v))
	}

	if len(conds) == 0 {
		return true
	}
	if fc.FilterOperation == types.FilterOperationOR {
		for _, c := range conds {
			if c {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !c {
			return false
		}
	}
	return true
}

func labelsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
