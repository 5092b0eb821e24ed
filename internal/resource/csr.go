package resource

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

func csrDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeCSR,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeACP,
			types.ResourceTypeContainer,
			types.ResourceTypeGroup,
			types.ResourceTypeSUB,
			types.ResourceTypePCH,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			"csi": {Create: Mandatory, Update: NotPresent, Kind: KindString},
			"cb":  {Create: Optional, Update: NotPresent, Kind: KindString},
			"cst": {Create: Optional, Update: NotPresent, Kind: KindInt},
			"poa": {Create: Optional, Update: Optional, Kind: KindStringList},
			"rr":  {Create: Optional, Update: Optional, Kind: KindBool},
			"srv": {Create: Optional, Update: Optional, Kind: KindStringList},
			"dcse": {Create: Optional, Update: Optional, Kind: KindStringList},
		}),
	}
}

// CSRBehavior normalizes the CSE-ID of a registering remote CSE.
type CSRBehavior struct {
	Base

	logger *zap.Logger
}

func (b *CSRBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		return nil
	}
	csi := r.GetString("csi")
	if csi == "" {
		return types.Errorf(types.RSCBadRequest, "csi must not be empty")
	}
	if !strings.HasPrefix(csi, "/") {
		csi = "/" + csi
		r.Set("csi", csi)
	}
	if csi == svc.CSE().CSI {
		return types.Errorf(types.RSCConflict, "csi %s is this CSE", csi)
	}
	return nil
}

func (b *CSRBehavior) Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error {
	b.logger.Info("remote CSE registered",
		zap.String("ri", r.RI()),
		zap.String("csi", r.GetString("csi")))
	return nil
}
