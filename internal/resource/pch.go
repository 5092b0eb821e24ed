package resource

import (
	"context"

	"github.com/piwi3910/cseweave/internal/types"
)

func pchDef() *TypeDef {
	return &TypeDef{
		Type:      types.ResourceTypePCH,
		Updatable: true,
		Children:  nil,
		Attributes: mergeAttributes(map[string]AttributeDef{
			"rqag": {Create: Optional, Update: Optional, Kind: KindBool},
		}),
	}
}

// PCHBehavior allows a single pollingChannel per hosting AE or remote
// CSE. Access to the channel is restricted to the parent's originator
// by the access decision, not here.
type PCHBehavior struct {
	Base
}

func (b *PCHBehavior) Validate(ctx context.Context, svc Services, r *Resource, parent *Resource, create bool, payload types.JSON) error {
	if !create {
		return nil
	}
	existing, err := svc.DirectChildren(ctx, parent.RI(), types.ResourceTypePCH)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return types.Errorf(types.RSCOperationNotAllowed, "%s already has a pollingChannel", parent.RI())
	}
	return nil
}
