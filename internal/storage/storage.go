// Package storage persists the CSE resource tree and its bookkeeping
// tables. It supports an in-memory backend and a Redis-backed document
// store with automatic failover and read caching.
//
// Five logical tables are kept: resource documents, identifier records,
// subscription records, pending batch notifications and the statistics
// singleton. Each table is serialised under its own lock; no store
// operation takes two table locks. Callers that must keep the resources
// and identifiers tables consistent do so by calling the two table
// operations in that fixed order.
package storage

import (
	"context"
	"errors"

	"github.com/piwi3910/cseweave/internal/types"
)

var (
	// ErrResourceNotFound is returned when a resource document is not found.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrIdentifierNotFound is returned when an identifier record is not found.
	ErrIdentifierNotFound = errors.New("identifier not found")

	// ErrSubscriptionNotFound is returned when a subscription record is not found.
	ErrSubscriptionNotFound = errors.New("subscription record not found")

	// ErrStatisticsNotFound is returned when no statistics snapshot has been stored yet.
	ErrStatisticsNotFound = errors.New("statistics not found")

	// ErrInvalidID is returned when a record carries an empty resource identifier.
	ErrInvalidID = errors.New("invalid resource identifier")

	// ErrStorageUnavailable is returned when the storage backend cannot be reached.
	ErrStorageUnavailable = errors.New("storage backend unavailable")
)

// Store is the persistence contract shared by the in-memory and Redis
// backends. Resource documents are raw attribute maps keyed by "ri";
// the store treats them as opaque except for the identifier, parent and
// expiration fields it indexes on. Implementations must be safe for
// concurrent use.
//
// Write semantics: attributes whose value is nil mark a removal and are
// dropped before the document is stored, never persisted as null.
//
// Example usage:
//
//	store := NewMemoryStore()
//	defer store.Close()
//
//	doc := types.JSON{"ri": "cnt001", "pi": "cb", "ty": 3, "rn": "data"}
//	if err := store.UpsertResource(ctx, doc); err != nil {
//	    log.Error("failed to store resource", zap.Error(err))
//	}
//	children, err := store.ChildResources(ctx, "cb")
type Store interface {
	// UpsertResource stores a resource document, replacing any previous
	// version. Nil-valued attributes are removed, not stored.
	// Returns ErrInvalidID if the document carries no ri.
	// The context is used for timeout and cancellation.
	UpsertResource(ctx context.Context, doc types.JSON) error

	// ResourceByID retrieves the document stored under ri.
	// Returns ErrResourceNotFound if no document exists.
	ResourceByID(ctx context.Context, ri string) (types.JSON, error)

	// DeleteResource removes the document stored under ri.
	// Returns ErrResourceNotFound if no document exists.
	DeleteResource(ctx context.Context, ri string) error

	// ChildResources returns the documents whose pi equals the given
	// resource identifier. Order is unspecified; callers sort.
	// Returns an empty slice if the resource has no children.
	ChildResources(ctx context.Context, pi string) ([]types.JSON, error)

	// SearchResources returns every document for which match reports
	// true. The predicate receives a copy and must not call back into
	// the store.
	SearchResources(ctx context.Context, match func(types.JSON) bool) ([]types.JSON, error)

	// ExpiredResources returns the documents whose expiration time lies
	// at or before now, given as a oneM2M timestamp. Documents without
	// an expiration time are never returned.
	ExpiredResources(ctx context.Context, now string) ([]types.JSON, error)

	// CountResources returns the number of stored resource documents.
	CountResources(ctx context.Context) (int64, error)

	// UpsertIdentifier stores the identifier record for a resource and
	// keeps the structured-name lookup in step.
	// Returns ErrInvalidID if the record carries no ri.
	UpsertIdentifier(ctx context.Context, rec *IdentifierRecord) error

	// IdentifierByRI retrieves the identifier record for ri.
	// Returns ErrIdentifierNotFound if no record exists.
	IdentifierByRI(ctx context.Context, ri string) (*IdentifierRecord, error)

	// IdentifierBySRN resolves a structured resource name to its record.
	// Returns ErrIdentifierNotFound if the name is unknown.
	IdentifierBySRN(ctx context.Context, srn string) (*IdentifierRecord, error)

	// DeleteIdentifier removes the identifier record for ri.
	// Returns ErrIdentifierNotFound if no record exists.
	DeleteIdentifier(ctx context.Context, ri string) error

	// UpsertSubscription stores a flattened subscription record.
	// Returns ErrInvalidID if the record carries no ri.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// SubscriptionByRI retrieves the subscription record stored under ri.
	// Returns ErrSubscriptionNotFound if no record exists.
	SubscriptionByRI(ctx context.Context, ri string) (*SubscriptionRecord, error)

	// SubscriptionsByParent returns the subscription records attached to
	// the resource identified by pi. Order is unspecified.
	// Returns an empty slice if no subscriptions are attached.
	SubscriptionsByParent(ctx context.Context, pi string) ([]*SubscriptionRecord, error)

	// DeleteSubscription removes a subscription record together with any
	// batch notifications still pending for it.
	// Returns ErrSubscriptionNotFound if no record exists.
	DeleteSubscription(ctx context.Context, ri string) error

	// AddBatchNotification appends a pending notification to the batch
	// for (rec.RI, rec.NotificationURI), preserving arrival order.
	AddBatchNotification(ctx context.Context, rec *BatchNotificationRecord) error

	// CountBatchNotifications returns the number of notifications pending
	// for the given subscription and target.
	CountBatchNotifications(ctx context.Context, ri, nu string) (int64, error)

	// PopBatchNotifications returns and clears the pending notifications
	// for the given subscription and target, in arrival order.
	// Returns an empty slice if nothing is pending.
	PopBatchNotifications(ctx context.Context, ri, nu string) ([]*BatchNotificationRecord, error)

	// DeleteBatchNotifications drops every pending batch for the given
	// subscription, across all targets.
	DeleteBatchNotifications(ctx context.Context, ri string) error

	// PutStatistics stores the statistics singleton.
	PutStatistics(ctx context.Context, s *Statistics) error

	// GetStatistics retrieves the statistics singleton.
	// Returns ErrStatisticsNotFound if none has been stored.
	GetStatistics(ctx context.Context) (*Statistics, error)

	// Purge removes all stored state. Each table is cleared atomically
	// with respect to concurrent readers of that table.
	Purge(ctx context.Context) error

	// Ping checks if the storage backend is available.
	// Returns ErrStorageUnavailable if the backend cannot be reached.
	Ping(ctx context.Context) error

	// Close closes the storage connection and releases resources.
	// After calling Close, the store should not be used.
	Close() error
}

// copyDocument returns a deep copy of a resource document so stored
// state and caller state never alias.
func copyDocument(doc types.JSON) types.JSON {
	out := make(types.JSON, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// stripNulls copies doc without its nil-valued attributes. Nil marks an
// attribute removal and must never reach the stored record.
func stripNulls(doc types.JSON) types.JSON {
	out := make(types.JSON, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

func documentRI(doc types.JSON) string {
	ri, _ := doc["ri"].(string)
	return ri
}

func documentPI(doc types.JSON) string {
	pi, _ := doc["pi"].(string)
	return pi
}

// expiredBefore matches documents whose et lies at or before now. The
// timestamps are fixed-width, so string comparison follows chronological
// order.
func expiredBefore(now string) func(types.JSON) bool {
	return func(doc types.JSON) bool {
		et, ok := doc["et"].(string)
		return ok && et != "" && et <= now
	}
}
