package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// tsWatch lives in the monitor worker's data slot; an arriving instance
// flips seen before the next deadline.
type tsWatch struct {
	seen bool
}

func tsMonitorName(ri string) string { return "tsMonitor_" + ri }

// UpdateTimeSeriesMonitor (re)starts the missing-data monitor of a time
// series. The deadline is pei+mdt; without mdt the configured slack
// factor widens pei instead. Both attributes are in milliseconds.
func (m *Manager) UpdateTimeSeriesMonitor(ctx context.Context, ts *resource.Resource) error {
	ri := ts.RI()
	if _, err := m.pool.StopWorkers(tsMonitorName(ri)); err != nil {
		m.logger.Warn("stopping stale monitor failed",
			zap.String("ri", ri), zap.Error(err))
	}

	pei := time.Duration(ts.GetInt64("pei")) * time.Millisecond
	if pei <= 0 {
		return types.Errorf(types.RSCBadRequest, "missing data detection needs pei")
	}
	mdt := time.Duration(ts.GetInt64("mdt")) * time.Millisecond
	interval := pei + mdt
	if mdt <= 0 {
		interval = pei + time.Duration(float64(pei)*m.config.MissingDataSlackFactor)
	}

	worker, err := m.pool.NewWorker(tsMonitorName(ri), interval, func(wctx context.Context, w *workers.Worker) bool {
		var seen bool
		w.UpdateData(func(current any) any {
			if watch, ok := current.(*tsWatch); ok {
				seen = watch.seen
			}
			return &tsWatch{}
		})
		if seen {
			return true
		}
		return m.recordMissingPoint(wctx, ri)
	}, &workers.WorkerOptions{StartWithDelay: true, Data: &tsWatch{}})
	if err != nil {
		return types.WrapError(types.RSCInternalServerError,
			"scheduling the missing data monitor failed", err)
	}
	if err := worker.Start(context.WithoutCancel(ctx)); err != nil {
		return types.WrapError(types.RSCInternalServerError,
			"starting the missing data monitor failed", err)
	}
	m.logger.Debug("missing data monitor armed",
		zap.String("ri", ri), zap.Duration("deadline", interval))
	return nil
}

// StopTimeSeriesMonitor stops the monitor of a time series.
func (m *Manager) StopTimeSeriesMonitor(ctx context.Context, ri string) {
	if _, err := m.pool.StopWorkers(tsMonitorName(ri)); err != nil {
		m.logger.Warn("stopping monitor failed",
			zap.String("ri", ri), zap.Error(err))
	}
}

// TimeSeriesInstanceAdded marks the current deadline window as fed.
func (m *Manager) TimeSeriesInstanceAdded(ctx context.Context, ts *resource.Resource, tsi *resource.Resource) error {
	ws, err := m.pool.FindWorkers(tsMonitorName(ts.RI()))
	if err != nil {
		return err
	}
	for _, w := range ws {
		w.UpdateData(func(any) any { return &tsWatch{seen: true} })
	}
	return nil
}

// recordMissingPoint books a missed deadline on the time series and
// reports once the miss count reaches mdn. Returning false stops the
// monitor when the series is gone or detection was switched off.
func (m *Manager) recordMissingPoint(ctx context.Context, ri string) bool {
	ts, err := m.svc.ResourceByID(ctx, ri)
	if err != nil {
		return false
	}
	if !ts.GetBool("mdd") {
		return false
	}

	mdlt := append(ts.GetStringSlice("mdlt"), types.Now())
	mdc := ts.GetInt64("mdc") + 1
	mdn := ts.GetInt64("mdn")
	if mdn > 0 && int64(len(mdlt)) > mdn {
		mdlt = mdlt[int64(len(mdlt))-mdn:]
	}
	ts.Set("mdlt", mdlt)
	ts.Set("mdc", mdc)
	if err := m.svc.UpdateCommitted(ctx, ts); err != nil {
		m.logger.Error("recording missing data point failed",
			zap.String("ri", ri), zap.Error(err))
		return true
	}

	if mdn > 0 && mdc >= mdn {
		// The notification renders mdlt/mdc before the clear.
		m.bus.Fire(ctx, events.ReportMissingDataPoints,
			&events.ResourceEvent{Resource: ts})
		ts.Set("mdlt", []string{})
		ts.Set("mdc", 0)
		if err := m.svc.UpdateCommitted(ctx, ts); err != nil {
			m.logger.Error("clearing missing data list failed",
				zap.String("ri", ri), zap.Error(err))
		}
	}
	return true
}
