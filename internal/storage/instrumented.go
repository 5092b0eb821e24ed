package storage

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/piwi3910/cseweave/internal/types"
)

var (
	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cse",
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of store operations by result",
		},
		[]string{"operation", "status"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cse",
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"operation"},
	)
)

// instrumentedStore decorates a Store with per-operation counters and
// latency histograms.
type instrumentedStore struct {
	next Store
}

// Instrument wraps a store so every operation is counted and timed.
func Instrument(next Store) Store {
	return &instrumentedStore{next: next}
}

// record tallies one store call. The not-found sentinels are normal
// control flow, not backend failures, and count as success.
func record(op string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrIdentifierNotFound),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrStatisticsNotFound):
	default:
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(op, status).Inc()
	storageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) UpsertResource(ctx context.Context, doc types.JSON) error {
	start := time.Now()
	err := s.next.UpsertResource(ctx, doc)
	record("upsert_resource", start, err)
	return err
}

func (s *instrumentedStore) ResourceByID(ctx context.Context, ri string) (types.JSON, error) {
	start := time.Now()
	doc, err := s.next.ResourceByID(ctx, ri)
	record("resource_by_id", start, err)
	return doc, err
}

func (s *instrumentedStore) DeleteResource(ctx context.Context, ri string) error {
	start := time.Now()
	err := s.next.DeleteResource(ctx, ri)
	record("delete_resource", start, err)
	return err
}

func (s *instrumentedStore) ChildResources(ctx context.Context, pi string) ([]types.JSON, error) {
	start := time.Now()
	docs, err := s.next.ChildResources(ctx, pi)
	record("child_resources", start, err)
	return docs, err
}

func (s *instrumentedStore) SearchResources(ctx context.Context, match func(types.JSON) bool) ([]types.JSON, error) {
	start := time.Now()
	docs, err := s.next.SearchResources(ctx, match)
	record("search_resources", start, err)
	return docs, err
}

func (s *instrumentedStore) ExpiredResources(ctx context.Context, now string) ([]types.JSON, error) {
	start := time.Now()
	docs, err := s.next.ExpiredResources(ctx, now)
	record("expired_resources", start, err)
	return docs, err
}

func (s *instrumentedStore) CountResources(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.next.CountResources(ctx)
	record("count_resources", start, err)
	return n, err
}

func (s *instrumentedStore) UpsertIdentifier(ctx context.Context, rec *IdentifierRecord) error {
	start := time.Now()
	err := s.next.UpsertIdentifier(ctx, rec)
	record("upsert_identifier", start, err)
	return err
}

func (s *instrumentedStore) IdentifierByRI(ctx context.Context, ri string) (*IdentifierRecord, error) {
	start := time.Now()
	rec, err := s.next.IdentifierByRI(ctx, ri)
	record("identifier_by_ri", start, err)
	return rec, err
}

func (s *instrumentedStore) IdentifierBySRN(ctx context.Context, srn string) (*IdentifierRecord, error) {
	start := time.Now()
	rec, err := s.next.IdentifierBySRN(ctx, srn)
	record("identifier_by_srn", start, err)
	return rec, err
}

func (s *instrumentedStore) DeleteIdentifier(ctx context.Context, ri string) error {
	start := time.Now()
	err := s.next.DeleteIdentifier(ctx, ri)
	record("delete_identifier", start, err)
	return err
}

func (s *instrumentedStore) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	start := time.Now()
	err := s.next.UpsertSubscription(ctx, rec)
	record("upsert_subscription", start, err)
	return err
}

func (s *instrumentedStore) SubscriptionByRI(ctx context.Context, ri string) (*SubscriptionRecord, error) {
	start := time.Now()
	rec, err := s.next.SubscriptionByRI(ctx, ri)
	record("subscription_by_ri", start, err)
	return rec, err
}

func (s *instrumentedStore) SubscriptionsByParent(ctx context.Context, pi string) ([]*SubscriptionRecord, error) {
	start := time.Now()
	recs, err := s.next.SubscriptionsByParent(ctx, pi)
	record("subscriptions_by_parent", start, err)
	return recs, err
}

func (s *instrumentedStore) DeleteSubscription(ctx context.Context, ri string) error {
	start := time.Now()
	err := s.next.DeleteSubscription(ctx, ri)
	record("delete_subscription", start, err)
	return err
}

func (s *instrumentedStore) AddBatchNotification(ctx context.Context, rec *BatchNotificationRecord) error {
	start := time.Now()
	err := s.next.AddBatchNotification(ctx, rec)
	record("add_batch_notification", start, err)
	return err
}

func (s *instrumentedStore) CountBatchNotifications(ctx context.Context, ri, nu string) (int64, error) {
	start := time.Now()
	n, err := s.next.CountBatchNotifications(ctx, ri, nu)
	record("count_batch_notifications", start, err)
	return n, err
}

func (s *instrumentedStore) PopBatchNotifications(ctx context.Context, ri, nu string) ([]*BatchNotificationRecord, error) {
	start := time.Now()
	recs, err := s.next.PopBatchNotifications(ctx, ri, nu)
	record("pop_batch_notifications", start, err)
	return recs, err
}

func (s *instrumentedStore) DeleteBatchNotifications(ctx context.Context, ri string) error {
	start := time.Now()
	err := s.next.DeleteBatchNotifications(ctx, ri)
	record("delete_batch_notifications", start, err)
	return err
}

func (s *instrumentedStore) PutStatistics(ctx context.Context, stats *Statistics) error {
	start := time.Now()
	err := s.next.PutStatistics(ctx, stats)
	record("put_statistics", start, err)
	return err
}

func (s *instrumentedStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	start := time.Now()
	stats, err := s.next.GetStatistics(ctx)
	record("get_statistics", start, err)
	return stats, err
}

func (s *instrumentedStore) Purge(ctx context.Context) error {
	start := time.Now()
	err := s.next.Purge(ctx)
	record("purge", start, err)
	return err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.next.Ping(ctx)
	record("ping", start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
