package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// acceptNonBlocking materializes a <request> resource under the CSE base,
// hands the actual execution to an actor and immediately returns ACCEPTED
// with the request resource's address. The requester polls that resource
// for the outcome.
func (d *Dispatcher) acceptNonBlocking(ctx context.Context, req *types.Request) *types.Response {
	base, err := d.ResourceByID(ctx, d.cse.RI)
	if err != nil {
		return errorResponse(err)
	}

	reqRes := resource.NewRequestResource(req, req.Originator, base, d.defaults)
	if err := d.CreateResource(ctx, base, reqRes, d.cse.AdminOriginator); err != nil {
		return errorResponse(err)
	}

	clone := *req
	clone.ResponseType = types.ResponseTypeBlocking
	ri := reqRes.RI()

	actor, err := d.pool.NewActor("request_"+ri, func(actx context.Context, _ *workers.Worker) bool {
		d.completeRequest(actx, ri, &clone)
		return false
	}, nil)
	if err != nil {
		return errorResponse(types.WrapError(types.RSCInternalServerError, "scheduling request execution failed", err))
	}
	// The execution outlives the accepting request.
	if err := actor.Start(context.WithoutCancel(ctx)); err != nil {
		return errorResponse(types.WrapError(types.RSCInternalServerError, "starting request execution failed", err))
	}

	return &types.Response{
		RSC:     types.RSCAccepted,
		Content: types.JSON{"m2m:uri": reqRes.StructuredPath()},
	}
}

// completeRequest runs the stored request in blocking form and writes the
// outcome into its <request> resource.
func (d *Dispatcher) completeRequest(ctx context.Context, reqRI string, req *types.Request) {
	resp := d.execute(ctx, req)

	status := types.RequestStatusCompleted
	if !resp.RSC.IsSuccess() {
		status = types.RequestStatusFailed
	}

	reqRes, err := d.ResourceByID(ctx, reqRI)
	if err != nil {
		// The requester may have deleted the request resource already.
		d.logger.Warn("request resource gone before completion",
			zap.String("ri", reqRI), zap.Error(err))
		return
	}

	ors := types.JSON{
		"rsc": int(resp.RSC),
		"rqi": req.RequestID,
	}
	if resp.Content != nil {
		ors["pc"] = resp.Content
	}
	reqRes.Set("rs", int(status))
	reqRes.Set("ors", ors)
	reqRes.Touch()

	if err := d.UpdateCommitted(ctx, reqRes); err != nil {
		d.logger.Error("recording request outcome failed",
			zap.String("ri", reqRI), zap.Error(err))
		return
	}
	d.logger.Debug("non-blocking request completed",
		zap.String("ri", reqRI),
		zap.Int("rsc", int(resp.RSC)))
}
