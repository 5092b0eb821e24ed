package resource

import (
	"github.com/piwi3910/cseweave/internal/types"
)

func cseBaseDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeCSEBase,
		Updatable: true,
		Children: []types.ResourceType{
			types.ResourceTypeACP,
			types.ResourceTypeAE,
			types.ResourceTypeContainer,
			types.ResourceTypeGroup,
			types.ResourceTypeCSR,
			types.ResourceTypeREQ,
			types.ResourceTypeSUB,
			types.ResourceTypeTS,
			types.ResourceTypeCRS,
		},
		Attributes: mergeAttributes(map[string]AttributeDef{
			// The CSEBase is created at startup, never through the API.
			"rn":  {Create: NotPresent, Update: NotPresent, Kind: KindString},
			"et":  {Create: NotPresent, Update: NotPresent, Kind: KindTimestamp},
			"cst": {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"csi": {Create: NotPresent, Update: NotPresent, Kind: KindString},
			"csz": {Create: NotPresent, Update: NotPresent, Kind: KindStringList},
			"srt": {Create: NotPresent, Update: NotPresent, Kind: KindAny},
			"poa": {Create: NotPresent, Update: Optional, Kind: KindStringList},
		}),
	}
}

// CSEBaseBehavior carries no hooks beyond the defaults; the CSEBase is
// bootstrapped by the runtime and only its poa is mutable.
type CSEBaseBehavior struct {
	Base
}

// NewCSEBase builds the root resource at startup.
func NewCSEBase(info CSEInfo, supportedTypes []int) *Resource {
	now := types.Now()
	r := New(types.ResourceTypeCSEBase, types.JSON{
		"ri":  info.RI,
		"rn":  info.RN,
		"pi":  "",
		"ct":  now,
		"lt":  now,
		"csi": info.CSI,
		"cst": 1,
		"srt": supportedTypes,
	})
	r.SetStructuredPath(info.RN)
	r.SetOriginator(info.AdminOriginator)
	return r
}
