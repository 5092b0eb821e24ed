package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

// batchGuardName derives a glob-safe worker name for a (subscription,
// target) batch. Targets are URLs, so the name carries a hash instead.
func batchGuardName(ri, nu string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nu))
	return fmt.Sprintf("batch_%s_%08x", ri, h.Sum32())
}

// addToBatch parks a rendered notification in the batch for one target
// and flushes when the size threshold is reached. The duration guard is a
// one-shot actor that flushes whatever is pending when it fires.
func (m *Manager) addToBatch(ctx context.Context, rec *storage.SubscriptionRecord, nu string, body types.JSON) error {
	if rec.LatestNotify {
		// Only the newest pending notification survives.
		if _, err := m.store.PopBatchNotifications(ctx, rec.RI, nu); err != nil {
			return err
		}
	}
	if err := m.store.AddBatchNotification(ctx, &storage.BatchNotificationRecord{
		RI:              rec.RI,
		NotificationURI: nu,
		Tstamp:          time.Now().UTC(),
		Notification:    body,
	}); err != nil {
		return err
	}
	notificationsBatchedTotal.Inc()

	if rec.BatchSize > 0 {
		count, err := m.store.CountBatchNotifications(ctx, rec.RI, nu)
		if err != nil {
			return err
		}
		if count >= rec.BatchSize {
			if _, err := m.pool.StopWorkers(batchGuardName(rec.RI, nu)); err != nil {
				m.logger.Warn("stopping batch guard failed",
					zap.String("sub", rec.RI), zap.Error(err))
			}
			if err := m.flushBatch(ctx, rec, nu); err != nil {
				// The records were re-parked; the guard retries them.
				if rec.BatchDuration > 0 {
					if gerr := m.ensureBatchGuard(ctx, rec, nu); gerr != nil {
						m.logger.Warn("re-arming batch guard failed",
							zap.String("sub", rec.RI), zap.Error(gerr))
					}
				}
				return err
			}
			return nil
		}
	}
	if rec.BatchDuration > 0 {
		return m.ensureBatchGuard(ctx, rec, nu)
	}
	return nil
}

// ensureBatchGuard schedules the bn/dur flush actor for a target unless
// one is already pending.
func (m *Manager) ensureBatchGuard(ctx context.Context, rec *storage.SubscriptionRecord, nu string) error {
	name := batchGuardName(rec.RI, nu)
	existing, err := m.pool.FindWorkers(name)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return m.armBatchGuard(ctx, rec, nu)
}

// armBatchGuard starts a fresh flush actor unconditionally. A failing
// flush re-arms from inside its own callback, where the exiting guard
// still counts as registered, so this path skips the exists check.
func (m *Manager) armBatchGuard(ctx context.Context, rec *storage.SubscriptionRecord, nu string) error {
	name := batchGuardName(rec.RI, nu)
	ri := rec.RI
	guard, err := m.pool.NewActor(name, func(actx context.Context, _ *workers.Worker) bool {
		current, err := m.store.SubscriptionByRI(actx, ri)
		if err != nil {
			// Subscription gone; its pending batches went with it.
			return false
		}
		if err := m.flushBatch(actx, current, nu); err != nil {
			m.logger.Warn("batch flush failed",
				zap.String("sub", ri), zap.String("nu", nu), zap.Error(err))
			// Re-parked by flushBatch; try again after another window.
			if aerr := m.armBatchGuard(actx, current, nu); aerr != nil {
				m.logger.Warn("re-arming batch guard failed",
					zap.String("sub", ri), zap.Error(aerr))
			}
		}
		return false
	}, &workers.ActorOptions{Delay: rec.BatchDuration})
	if err != nil {
		return err
	}
	// The guard outlives the request that parked the first notification.
	return guard.Start(context.WithoutCancel(ctx))
}

// flushBatch sends the pending notifications for one target as a single
// m2m:agn aggregate, oldest first. With latestNotify only the newest
// entry goes out, tagged with the "latest" event category.
func (m *Manager) flushBatch(ctx context.Context, rec *storage.SubscriptionRecord, nu string) error {
	pending, err := m.store.PopBatchNotifications(ctx, rec.RI, nu)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Tstamp.Before(pending[j].Tstamp)
	})

	eventCategory := ""
	if rec.LatestNotify {
		pending = pending[len(pending)-1:]
		eventCategory = strconv.Itoa(int(types.EventCategoryLatest))
	}

	sgns := make([]any, 0, len(pending))
	for _, p := range pending {
		if inner := innerJSON(p.Notification, "m2m:sgn"); inner != nil {
			sgns = append(sgns, inner)
		}
	}
	body := types.JSON{"m2m:agn": types.JSON{"m2m:sgn": sgns}}

	err = m.deliver(ctx, nu, body, eventCategory)
	recordDelivery(err)
	if err != nil {
		// A failed send keeps its batch: re-park the records, oldest
		// first, so a later flush retries the same aggregate.
		rctx := context.WithoutCancel(ctx)
		for _, p := range pending {
			if aerr := m.store.AddBatchNotification(rctx, p); aerr != nil {
				m.logger.Warn("re-parking batch after failed send failed",
					zap.String("sub", rec.RI), zap.String("nu", nu), zap.Error(aerr))
			}
		}
		return err
	}
	batchFlushesTotal.Inc()
	m.bus.Fire(ctx, events.NotificationSent, nu)
	m.consumeExpirationCounter(ctx, rec, int64(len(pending)))
	return nil
}

// innerJSON extracts a nested object regardless of whether it was built
// in-process or decoded from the wire.
func innerJSON(doc types.JSON, key string) types.JSON {
	switch v := doc[key].(type) {
	case map[string]any:
		return v
	default:
		return nil
	}
}
