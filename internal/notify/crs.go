package notify

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// crsWindow is the scratch space of one cross-resource time window,
// living in the worker's data slot. The window fires when every
// constituent subscription has reported within it.
type crsWindow struct {
	expected int
	surs     map[string]struct{}
}

func crsPeriodicName(ri string) string { return "crsPeriodic_" + ri }
func crsSlidingName(ri string) string  { return "crsSliding_" + ri }

// crsExpected is the number of constituent subscriptions that must
// report within one window: one member subscription per rrat target plus
// the linked srat subscriptions.
func crsExpected(crs *resource.Resource) int {
	return len(crs.GetStringSlice("rrat")) + len(crs.GetStringSlice("srat"))
}

func crsWindowDuration(crs *resource.Resource) (time.Duration, error) {
	d, err := types.ParseDuration(crs.GetString("tws"))
	if err != nil {
		return 0, types.Errorf(types.RSCBadRequest, "tws is not a valid duration: %v", err)
	}
	if d <= 0 {
		return 0, types.Errorf(types.RSCBadRequest, "tws must be positive")
	}
	return d, nil
}

// CRSCreated verifies the notification targets and starts the window
// evaluation for a committed crossResourceSubscription.
func (m *Manager) CRSCreated(ctx context.Context, crs *resource.Resource, originator string) error {
	if err := m.verifyTargets(ctx, crs.RI(), originator, crs.GetStringSlice("nu")); err != nil {
		return err
	}
	return m.startCRSWindow(ctx, crs)
}

// startCRSWindow launches the periodic window worker. A sliding window
// needs no worker until the first constituent notification opens it.
func (m *Manager) startCRSWindow(ctx context.Context, crs *resource.Resource) error {
	if types.TimeWindowType(crs.GetInt64("twt")) != types.TimeWindowPeriodic {
		return nil
	}
	tws, err := crsWindowDuration(crs)
	if err != nil {
		return err
	}

	ri := crs.RI()
	nus := crs.GetStringSlice("nu")
	expected := crsExpected(crs)
	worker, err := m.pool.NewWorker(crsPeriodicName(ri), tws, func(wctx context.Context, w *workers.Worker) bool {
		var complete bool
		var surs []string
		w.UpdateData(func(current any) any {
			win, _ := current.(*crsWindow)
			if win == nil {
				win = &crsWindow{expected: expected}
			}
			surs = sortedKeys(win.surs)
			complete = win.expected > 0 && len(win.surs) >= win.expected
			// Every window starts empty, fired or not.
			return &crsWindow{expected: win.expected}
		})
		if complete {
			m.fireCRSNotification(wctx, ri, nus, surs)
		}
		return true
	}, &workers.WorkerOptions{
		StartWithDelay: true,
		Data:           &crsWindow{expected: expected, surs: map[string]struct{}{}},
	})
	if err != nil {
		return types.WrapError(types.RSCCrossResourceOperationFailure,
			"scheduling the periodic window failed", err)
	}
	if err := worker.Start(context.WithoutCancel(ctx)); err != nil {
		return types.WrapError(types.RSCCrossResourceOperationFailure,
			"starting the periodic window failed", err)
	}
	return nil
}

// CRSUpdated verifies newly added targets and restarts the window with
// the updated parameters.
func (m *Manager) CRSUpdated(ctx context.Context, crs *resource.Resource, previousNus []string, originator string) error {
	added := addedStrings(crs.GetStringSlice("nu"), previousNus)
	if err := m.verifyTargets(ctx, crs.RI(), originator, added); err != nil {
		return err
	}
	if _, err := m.pool.StopWorkers(crsPeriodicName(crs.RI())); err != nil {
		m.logger.Warn("stopping periodic window failed",
			zap.String("ri", crs.RI()), zap.Error(err))
	}
	return m.startCRSWindow(ctx, crs)
}

// CRSDeleted stops the window workers. The member subscriptions are torn
// down by the resource behaviour.
func (m *Manager) CRSDeleted(ctx context.Context, crs *resource.Resource) error {
	for _, name := range []string{crsPeriodicName(crs.RI()), crsSlidingName(crs.RI())} {
		if _, err := m.pool.StopWorkers(name); err != nil {
			m.logger.Warn("stopping window worker failed",
				zap.String("worker", name), zap.Error(err))
		}
	}
	return nil
}

// crsReport absorbs one notification addressed to a
// crossResourceSubscription: a constituent report feeds the active
// window, verification requests and deletion notices are acknowledged in
// place.
func (m *Manager) crsReport(ctx context.Context, crs *resource.Resource, body types.JSON) error {
	sgn := innerJSON(body, "m2m:sgn")
	if sgn == nil {
		return types.Errorf(types.RSCBadRequest,
			"crossResourceSubscription notification without m2m:sgn")
	}
	if v, ok := sgn["vrq"]; ok && cast.ToBool(v) {
		// Verification of an internally created member subscription.
		return nil
	}
	if v, ok := sgn["sud"]; ok && cast.ToBool(v) {
		m.logger.Info("member subscription deleted",
			zap.String("crs", crs.RI()),
			zap.String("sub", cast.ToString(sgn["sur"])))
		return nil
	}

	sur := cast.ToString(sgn["sur"])
	if sur == "" {
		return types.Errorf(types.RSCBadRequest, "constituent notification without sur")
	}

	switch types.TimeWindowType(crs.GetInt64("twt")) {
	case types.TimeWindowPeriodic:
		ws, err := m.pool.FindWorkers(crsPeriodicName(crs.RI()))
		if err != nil || len(ws) == 0 {
			m.logger.Warn("no periodic window for crossResourceSubscription",
				zap.String("ri", crs.RI()))
			return nil
		}
		ws[0].UpdateData(addSur(sur))
		return nil
	case types.TimeWindowSliding:
		return m.slidingReport(ctx, crs, sur)
	default:
		return nil
	}
}

// slidingReport opens a sliding window on the first constituent report
// and feeds subsequent reports into it. The window evaluates once, at
// expiry.
func (m *Manager) slidingReport(ctx context.Context, crs *resource.Resource, sur string) error {
	name := crsSlidingName(crs.RI())
	ws, err := m.pool.FindWorkers(name)
	if err != nil {
		return err
	}
	if len(ws) > 0 {
		ws[0].UpdateData(addSur(sur))
		return nil
	}

	tws, err := crsWindowDuration(crs)
	if err != nil {
		return err
	}
	ri := crs.RI()
	nus := crs.GetStringSlice("nu")
	expected := crsExpected(crs)
	actor, err := m.pool.NewActor(name, func(actx context.Context, w *workers.Worker) bool {
		win, _ := w.Data().(*crsWindow)
		if win != nil && win.expected > 0 && len(win.surs) >= win.expected {
			m.fireCRSNotification(actx, ri, nus, sortedKeys(win.surs))
		}
		return false
	}, &workers.ActorOptions{
		Delay: tws,
		Data:  &crsWindow{expected: expected, surs: map[string]struct{}{sur: {}}},
	})
	if err != nil {
		return err
	}
	return actor.Start(context.WithoutCancel(ctx))
}

// fireCRSNotification sends the aggregated window result to the
// crossResourceSubscription's own targets.
func (m *Manager) fireCRSNotification(ctx context.Context, crsRI string, nus []string, surs []string) {
	body := types.JSON{"m2m:sgn": types.JSON{
		"sur": m.svc.CSE().SPRelative(crsRI),
		"nev": types.JSON{"rep": types.JSON{"m2m:uril": surs}},
	}}
	for _, nu := range nus {
		err := m.deliver(ctx, nu, body, "")
		recordDelivery(err)
		if err != nil {
			m.logger.Warn("cross-resource notification failed",
				zap.String("crs", crsRI), zap.String("nu", nu), zap.Error(err))
			continue
		}
		m.bus.Fire(ctx, events.NotificationSent, nu)
	}
}

// addSur appends a reporting subscription to the window, deduplicated.
func addSur(sur string) func(any) any {
	return func(current any) any {
		win, _ := current.(*crsWindow)
		if win == nil {
			win = &crsWindow{surs: map[string]struct{}{}}
		}
		if win.surs == nil {
			win.surs = map[string]struct{}{}
		}
		win.surs[sur] = struct{}{}
		return win
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
