// Package security implements the access-control decision for every
// resource operation: type-specific registration rules, access control
// policies referenced through acpi, ACP self-permissions, and the
// creator fallback for resources without a policy.
package security

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/types"
)

// Config controls the engine.
type Config struct {
	// Enabled turns access-control checks on. When false every request
	// is admitted, which suits closed deployments and tests.
	Enabled bool
}

// Engine evaluates access-control decisions against the resource tree.
// It reads resources through the same Services surface the behaviour
// hooks use and never mutates anything.
type Engine struct {
	svc    resource.Services
	reg    *resource.Registry
	config Config
	logger *zap.Logger
}

// NewEngine creates an access-control engine.
func NewEngine(svc resource.Services, reg *resource.Registry, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		svc:    svc,
		reg:    reg,
		config: cfg,
		logger: logger.Named("security"),
	}
}

// Authorize decides whether originator may perform perm on res.
// createType names the resource type being created when perm is
// CREATE; the target is then the prospective parent. A denial carries
// ORIGINATOR_HAS_NO_PRIVILEGE.
func (e *Engine) Authorize(ctx context.Context, originator string, res *resource.Resource, perm types.Permission, createType types.ResourceType) error {
	if !e.config.Enabled {
		return nil
	}

	cse := e.svc.CSE()
	// The hosting CSE and the configured admin may do anything; this
	// also covers NOTIFY requests the CSE sends to itself.
	if sameOriginator(originator, cse.AdminOriginator) || sameOriginator(originator, cse.CSI) {
		return nil
	}

	// Registration is open: an AE or remote CSE creating itself under
	// the CSE base has no policy to point at yet.
	if perm == types.PermissionCreate && res.Type() == types.ResourceTypeCSEBase &&
		(createType == types.ResourceTypeAE || createType == types.ResourceTypeCSR) {
		return nil
	}

	switch res.Type() {
	case types.ResourceTypeCSEBase:
		if perm == types.PermissionRetrieve && e.isRegistered(ctx, originator) {
			return nil
		}
	case types.ResourceTypeACP:
		// An ACP guards itself through its pvs rule set, never acpi.
		if e.matchRules(ctx, originator, res, "pvs", perm, e.objectType(res, perm, createType)) {
			return nil
		}
		return e.deny(originator, res, perm)
	case types.ResourceTypePCH:
		if e.isChannelOwner(ctx, originator, res) {
			return nil
		}
		return e.deny(originator, res, perm)
	}

	// Subscribing requires RETRIEVE on the subscribed-to resource on
	// top of the CREATE privilege.
	if perm == types.PermissionCreate && createType == types.ResourceTypeSUB {
		if err := e.Authorize(ctx, originator, res, types.PermissionRetrieve, types.ResourceTypeMixed); err != nil {
			return err
		}
	}

	if e.evaluate(ctx, originator, res, perm, createType, 0) {
		return nil
	}
	return e.deny(originator, res, perm)
}

// CheckACPIUpdate authorises an UPDATE whose payload touches acpi. The
// payload must carry acpi alone; the originator must be the creator
// when no policy is assigned yet, or hold pvs UPDATE on one of the
// current entries.
func (e *Engine) CheckACPIUpdate(ctx context.Context, originator string, res *resource.Resource, payload types.JSON) error {
	if _, ok := payload["acpi"]; !ok || len(payload) != 1 {
		return types.Errorf(types.RSCBadRequest, "acpi must be the only attribute in the update")
	}
	if !e.config.Enabled {
		return nil
	}

	cse := e.svc.CSE()
	if sameOriginator(originator, cse.AdminOriginator) || sameOriginator(originator, cse.CSI) {
		return nil
	}

	current := res.ACPI()
	if len(current) == 0 {
		if creator := res.Originator(); creator != "" && sameOriginator(originator, creator) {
			return nil
		}
		return e.deny(originator, res, types.PermissionUpdate)
	}
	for _, id := range current {
		acp, err := e.svc.ResourceByID(ctx, id)
		if err != nil || acp.Type() != types.ResourceTypeACP {
			continue
		}
		if e.matchRules(ctx, originator, acp, "pvs", types.PermissionUpdate, res.Type()) {
			return nil
		}
	}
	return e.deny(originator, res, types.PermissionUpdate)
}

// evaluate runs the policy lookup: acpi rule sets when assigned,
// otherwise custodian, creator, or the parent's policy for inheriting
// types. depth bounds the parent walk against identifier cycles.
func (e *Engine) evaluate(ctx context.Context, originator string, res *resource.Resource, perm types.Permission, createType types.ResourceType, depth int) bool {
	const maxInheritDepth = 16
	if depth > maxInheritDepth {
		return false
	}

	acpIDs := res.ACPI()
	if res.Type() == types.ResourceTypeGroup && len(acpIDs) == 0 {
		// A group without acpi falls back to its member ACPs.
		acpIDs = res.GetStringSlice("macp")
	}

	if len(acpIDs) > 0 {
		objectType := e.objectType(res, perm, createType)
		for _, id := range acpIDs {
			acp, err := e.svc.ResourceByID(ctx, id)
			if err != nil {
				e.logger.Warn("referenced access control policy missing",
					zap.String("acp", id),
					zap.String("ri", res.RI()))
				continue
			}
			if acp.Type() != types.ResourceTypeACP {
				continue
			}
			if e.matchRules(ctx, originator, acp, "pv", perm, objectType) {
				return true
			}
		}
		return false
	}

	if def, ok := e.reg.Def(res.Type()); ok && def.InheritsACP {
		parent, err := e.svc.ResourceByID(ctx, res.PI())
		if err != nil {
			return false
		}
		return e.evaluate(ctx, originator, parent, perm, createType, depth+1)
	}

	if cstn := res.GetString("cstn"); cstn != "" {
		return sameOriginator(originator, cstn)
	}
	creator := res.Originator()
	return creator != "" && sameOriginator(originator, creator)
}

// matchRules tests one ACP rule set. A rule admits the request iff the
// permission bit is granted, the object-detail filter passes, and the
// originator matches one of its acor entries.
func (e *Engine) matchRules(ctx context.Context, originator string, acp *resource.Resource, set string, perm types.Permission, objectType types.ResourceType) bool {
	rules, err := resource.ParseACPRules(acp, set)
	if err != nil {
		e.logger.Warn("unparseable access control rule set",
			zap.String("acp", acp.RI()),
			zap.String("set", set),
			zap.Error(err))
		return false
	}
	for _, rule := range rules {
		if rule.Permission&perm == 0 {
			continue
		}
		if !rule.AppliesToType(objectType) {
			continue
		}
		if e.originatorMatches(ctx, rule.Originators, originator) {
			return true
		}
	}
	return false
}

// objectType is what an acod chty filter is held against: the created
// type for CREATE, the target's own type otherwise.
func (e *Engine) objectType(res *resource.Resource, perm types.Permission, createType types.ResourceType) types.ResourceType {
	if perm == types.PermissionCreate {
		return createType
	}
	return res.Type()
}

// originatorMatches tests an acor list: the "all" keyword, literal
// identity, glob patterns, and group membership through a referenced
// <group>'s mid.
func (e *Engine) originatorMatches(ctx context.Context, patterns []string, originator string) bool {
	for _, p := range patterns {
		switch {
		case p == types.OriginatorAll:
			return true
		case sameOriginator(p, originator):
			return true
		case strings.ContainsAny(p, "*?["):
			if g, err := glob.Compile(p); err == nil && g.Match(originator) {
				return true
			}
		default:
			if e.isGroupMember(ctx, p, originator) {
				return true
			}
		}
	}
	return false
}

// isGroupMember resolves the group's mid entries: a member matches when
// its identifier, its aei, or its csi names the originator.
func (e *Engine) isGroupMember(ctx context.Context, groupID, originator string) bool {
	grp, err := e.svc.ResourceByID(ctx, groupID)
	if err != nil || grp.Type() != types.ResourceTypeGroup {
		return false
	}
	for _, member := range grp.GetStringSlice("mid") {
		if sameOriginator(member, originator) {
			return true
		}
		res, err := e.svc.ResourceByID(ctx, member)
		if err != nil {
			continue
		}
		if aei := res.GetString("aei"); aei != "" && sameOriginator(aei, originator) {
			return true
		}
		if csi := res.GetString("csi"); csi != "" && sameOriginator(csi, originator) {
			return true
		}
	}
	return false
}

// isRegistered reports whether the originator is a registered AE or a
// known remote CSE directly under the CSE base.
func (e *Engine) isRegistered(ctx context.Context, originator string) bool {
	cse := e.svc.CSE()

	aes, err := e.svc.DirectChildren(ctx, cse.RI, types.ResourceTypeAE)
	if err == nil {
		for _, ae := range aes {
			if aei := ae.GetString("aei"); aei != "" && sameOriginator(aei, originator) {
				return true
			}
		}
	}

	csrs, err := e.svc.DirectChildren(ctx, cse.RI, types.ResourceTypeCSR)
	if err == nil {
		for _, csr := range csrs {
			if csi := csr.GetString("csi"); csi != "" && sameOriginator(csi, originator) {
				return true
			}
		}
	}
	return false
}

// isChannelOwner restricts a polling channel to the originator its
// parent was registered under.
func (e *Engine) isChannelOwner(ctx context.Context, originator string, pch *resource.Resource) bool {
	parent, err := e.svc.ResourceByID(ctx, pch.PI())
	if err != nil {
		return false
	}
	if owner := parent.Originator(); owner != "" && sameOriginator(originator, owner) {
		return true
	}
	if aei := parent.GetString("aei"); aei != "" && sameOriginator(originator, aei) {
		return true
	}
	if csi := parent.GetString("csi"); csi != "" && sameOriginator(originator, csi) {
		return true
	}
	return false
}

func (e *Engine) deny(originator string, res *resource.Resource, perm types.Permission) error {
	e.logger.Debug("access denied",
		zap.String("originator", originator),
		zap.String("ri", res.RI()),
		zap.String("permission", perm.String()))
	return types.Errorf(types.RSCOriginatorHasNoPrivilege,
		"originator %s has no %s privilege on %s", originator, perm, res.RI())
}

// sameOriginator compares originator identifiers, tolerating the
// SP-relative form: "/id-in/Cae1" and "Cae1" name the same entity.
func sameOriginator(a, b string) bool {
	if a == b {
		return true
	}
	return unqualified(a) == unqualified(b)
}

func unqualified(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
