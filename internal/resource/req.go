package resource

import (
	"context"

	"github.com/piwi3910/cseweave/internal/types"
)

func reqDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypeREQ,
		Updatable: false,
		Children: []types.ResourceType{
			types.ResourceTypeSUB,
		},
		// Request resources are created by the CSE itself while
		// accepting a non-blocking request, never through the API.
		Attributes: mergeAttributes(map[string]AttributeDef{
			"op":  {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"tg":  {Create: NotPresent, Update: NotPresent, Kind: KindString},
			"org": {Create: NotPresent, Update: NotPresent, Kind: KindString},
			"rid": {Create: NotPresent, Update: NotPresent, Kind: KindString},
			"mi":  {Create: NotPresent, Update: NotPresent, Kind: KindJSON},
			"rs":  {Create: NotPresent, Update: NotPresent, Kind: KindInt},
			"ors": {Create: NotPresent, Update: NotPresent, Kind: KindJSON},
			"pc":  {Create: NotPresent, Update: NotPresent, Kind: KindJSON},
		}),
	}
}

// REQBehavior refuses deletion of a request that is still in flight,
// which is how a recall attempt surfaces.
type REQBehavior struct {
	Base
}

func (b *REQBehavior) WillBeDeactivated(ctx context.Context, svc Services, r *Resource, originator string) error {
	switch types.RequestStatus(r.GetInt64("rs")) {
	case types.RequestStatusPending, types.RequestStatusForwarded, types.RequestStatusPartiallyCompleted:
		return types.Errorf(types.RSCUnableToRecallRequest, "request %s is still being processed", r.RI())
	default:
		return nil
	}
}

// NewRequestResource materializes an accepted non-blocking request
// under the CSEBase.
func NewRequestResource(req *types.Request, originator string, cseBase *Resource, defaults Defaults) *Resource {
	payload := types.JSON{
		"op":  int(req.Operation),
		"tg":  req.Target,
		"org": originator,
		"rid": req.RequestID,
		"mi": types.JSON{
			"rt":  int(req.ResponseType),
			"rqi": req.RequestID,
		},
		"rs": int(types.RequestStatusPending),
		"ors": types.JSON{
			"rsc": int(types.RSCAccepted),
			"rqi": req.RequestID,
		},
	}
	if req.Content != nil {
		payload["pc"] = req.Content
	}
	return NewFromPayload(types.ResourceTypeREQ, payload, cseBase, originator, defaults)
}
