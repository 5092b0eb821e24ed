package resource

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

func aeDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeAE,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeACP,
			types.ResourceTypeContainer,
			types.ResourceTypeGroup,
			types.ResourceTypeSUB,
			types.ResourceTypeTS,
			types.ResourceTypeCRS,
			types.ResourceTypePCH,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			"api": {Create: Mandatory, Update: NotPresent, Kind: KindString},
			"aei": {Create: NotPresent, Update: NotPresent, Kind: KindString},
			"rr":  {Create: Mandatory, Update: Optional, Kind: KindBool},
			"apn": {Create: Optional, Update: Optional, Kind: KindString},
			"poa": {Create: Optional, Update: Optional, Kind: KindStringList},
			"srv": {Create: Optional, Update: Optional, Kind: KindStringList},
			"csz": {Create: Optional, Update: Optional, Kind: KindStringList},
			"nl":  {Create: Optional, Update: Optional, Kind: KindString},
		}),
	}
}

// AEBehavior assigns the AE-ID on registration.
type AEBehavior struct {
	Base

	logger *zap.Logger
}

func (b *AEBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		return nil
	}
	api := r.GetString("api")
	// TS-0001 requires registered App-IDs to start with "R" and
	// non-registered ones with "N".
	if !strings.HasPrefix(api, "R") && !strings.HasPrefix(api, "N") {
		return types.Errorf(types.RSCBadRequest, "api must start with R or N, got %q", api)
	}
	return nil
}

func (b *AEBehavior) Activate(ctx context.Context, svc Services, r *Resource, parent *Resource, originator string) error {
	aei := assignAEID(originator, r.RI())
	r.Set("aei", aei)
	if err := svc.UpdateCommitted(ctx, r); err != nil {
		return err
	}
	b.logger.Info("AE registered",
		zap.String("ri", r.RI()),
		zap.String("aei", aei))
	return nil
}

// assignAEID derives the AE-ID from the registration originator. A bare
// "C" or "S" (or no originator at all) asks the CSE to allocate one.
func assignAEID(originator, ri string) string {
	switch {
	case originator == "" || originator == "C" || originator == "S":
		return "C" + strings.TrimPrefix(ri, "ae")
	case strings.HasPrefix(originator, "C") || strings.HasPrefix(originator, "S"):
		return originator
	default:
		return "C" + originator
	}
}
