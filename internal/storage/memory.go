package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/piwi3910/cseweave/internal/types"
)

// batchKey builds the composite key for a pending batch. The separator
// cannot occur in resource identifiers or URIs.
func batchKey(ri, nu string) string {
	return ri + "\x00" + nu
}

// MemoryStore implements Store with in-process maps. It is the default
// backend for tests and for CSEs that do not need persistence across
// restarts.
//
// Each table has its own lock and every method takes at most one of
// them, so there is no lock ordering to get wrong inside the store.
type MemoryStore struct {
	resourcesMu sync.RWMutex
	resources   map[string]types.JSON
	children    map[string]map[string]struct{}

	identifiersMu sync.RWMutex
	identifiers   map[string]IdentifierRecord
	structured    map[string]string

	subscriptionsMu sync.RWMutex
	subscriptions   map[string]*SubscriptionRecord
	subsByParent    map[string]map[string]struct{}
	batches         map[string][]*BatchNotificationRecord
	batchTargets    map[string]map[string]struct{}

	statsMu sync.RWMutex
	stats   *Statistics
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources:     make(map[string]types.JSON),
		children:      make(map[string]map[string]struct{}),
		identifiers:   make(map[string]IdentifierRecord),
		structured:    make(map[string]string),
		subscriptions: make(map[string]*SubscriptionRecord),
		subsByParent:  make(map[string]map[string]struct{}),
		batches:       make(map[string][]*BatchNotificationRecord),
		batchTargets:  make(map[string]map[string]struct{}),
	}
}

// UpsertResource stores a resource document, dropping nil-valued
// attributes.
func (s *MemoryStore) UpsertResource(_ context.Context, doc types.JSON) error {
	ri := documentRI(doc)
	if ri == "" {
		return ErrInvalidID
	}
	stored := stripNulls(doc)

	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()

	if _, exists := s.resources[ri]; !exists {
		pi := documentPI(doc)
		if s.children[pi] == nil {
			s.children[pi] = make(map[string]struct{})
		}
		s.children[pi][ri] = struct{}{}
	}
	s.resources[ri] = stored
	return nil
}

// ResourceByID retrieves a copy of the document stored under ri.
func (s *MemoryStore) ResourceByID(_ context.Context, ri string) (types.JSON, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	doc, exists := s.resources[ri]
	if !exists {
		return nil, ErrResourceNotFound
	}
	return copyDocument(doc), nil
}

// DeleteResource removes the document stored under ri.
func (s *MemoryStore) DeleteResource(_ context.Context, ri string) error {
	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()

	doc, exists := s.resources[ri]
	if !exists {
		return ErrResourceNotFound
	}
	pi := documentPI(doc)
	if set := s.children[pi]; set != nil {
		delete(set, ri)
		if len(set) == 0 {
			delete(s.children, pi)
		}
	}
	delete(s.children, ri)
	delete(s.resources, ri)
	return nil
}

// ChildResources returns copies of the documents whose pi equals the
// given identifier.
func (s *MemoryStore) ChildResources(_ context.Context, pi string) ([]types.JSON, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	set := s.children[pi]
	out := make([]types.JSON, 0, len(set))
	for ri := range set {
		if doc, exists := s.resources[ri]; exists {
			out = append(out, copyDocument(doc))
		}
	}
	return out, nil
}

// SearchResources scans every document and returns copies of those the
// predicate matches.
func (s *MemoryStore) SearchResources(_ context.Context, match func(types.JSON) bool) ([]types.JSON, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	var out []types.JSON
	for _, doc := range s.resources {
		c := copyDocument(doc)
		if match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ExpiredResources returns the documents whose et lies at or before now.
func (s *MemoryStore) ExpiredResources(ctx context.Context, now string) ([]types.JSON, error) {
	return s.SearchResources(ctx, expiredBefore(now))
}

// CountResources returns the number of stored documents.
func (s *MemoryStore) CountResources(_ context.Context) (int64, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	return int64(len(s.resources)), nil
}

// UpsertIdentifier stores an identifier record and re-points the
// structured-name lookup if the name changed.
func (s *MemoryStore) UpsertIdentifier(_ context.Context, rec *IdentifierRecord) error {
	if rec == nil || rec.RI == "" {
		return ErrInvalidID
	}

	s.identifiersMu.Lock()
	defer s.identifiersMu.Unlock()

	if old, exists := s.identifiers[rec.RI]; exists && old.SRN != rec.SRN {
		delete(s.structured, old.SRN)
	}
	s.identifiers[rec.RI] = *rec
	if rec.SRN != "" {
		s.structured[rec.SRN] = rec.RI
	}
	return nil
}

// IdentifierByRI retrieves the identifier record for ri.
func (s *MemoryStore) IdentifierByRI(_ context.Context, ri string) (*IdentifierRecord, error) {
	s.identifiersMu.RLock()
	defer s.identifiersMu.RUnlock()

	rec, exists := s.identifiers[ri]
	if !exists {
		return nil, ErrIdentifierNotFound
	}
	return &rec, nil
}

// IdentifierBySRN resolves a structured name to its identifier record.
func (s *MemoryStore) IdentifierBySRN(_ context.Context, srn string) (*IdentifierRecord, error) {
	s.identifiersMu.RLock()
	defer s.identifiersMu.RUnlock()

	ri, exists := s.structured[srn]
	if !exists {
		return nil, ErrIdentifierNotFound
	}
	rec, exists := s.identifiers[ri]
	if !exists {
		return nil, ErrIdentifierNotFound
	}
	return &rec, nil
}

// DeleteIdentifier removes the identifier record for ri.
func (s *MemoryStore) DeleteIdentifier(_ context.Context, ri string) error {
	s.identifiersMu.Lock()
	defer s.identifiersMu.Unlock()

	rec, exists := s.identifiers[ri]
	if !exists {
		return ErrIdentifierNotFound
	}
	delete(s.structured, rec.SRN)
	delete(s.identifiers, ri)
	return nil
}

// UpsertSubscription stores a flattened subscription record.
func (s *MemoryStore) UpsertSubscription(_ context.Context, rec *SubscriptionRecord) error {
	if rec == nil || rec.RI == "" {
		return ErrInvalidID
	}
	stored := rec.Clone()

	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()

	if old, exists := s.subscriptions[rec.RI]; exists && old.PI != stored.PI {
		if set := s.subsByParent[old.PI]; set != nil {
			delete(set, rec.RI)
		}
	}
	if s.subsByParent[stored.PI] == nil {
		s.subsByParent[stored.PI] = make(map[string]struct{})
	}
	s.subsByParent[stored.PI][rec.RI] = struct{}{}
	s.subscriptions[rec.RI] = stored
	return nil
}

// SubscriptionByRI retrieves the subscription record stored under ri.
func (s *MemoryStore) SubscriptionByRI(_ context.Context, ri string) (*SubscriptionRecord, error) {
	s.subscriptionsMu.RLock()
	defer s.subscriptionsMu.RUnlock()

	rec, exists := s.subscriptions[ri]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return rec.Clone(), nil
}

// SubscriptionsByParent returns the subscription records attached to pi.
func (s *MemoryStore) SubscriptionsByParent(_ context.Context, pi string) ([]*SubscriptionRecord, error) {
	s.subscriptionsMu.RLock()
	defer s.subscriptionsMu.RUnlock()

	set := s.subsByParent[pi]
	out := make([]*SubscriptionRecord, 0, len(set))
	for ri := range set {
		if rec, exists := s.subscriptions[ri]; exists {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// DeleteSubscription removes a subscription record and its pending
// batches in one critical section.
func (s *MemoryStore) DeleteSubscription(_ context.Context, ri string) error {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()

	rec, exists := s.subscriptions[ri]
	if !exists {
		return ErrSubscriptionNotFound
	}
	if set := s.subsByParent[rec.PI]; set != nil {
		delete(set, ri)
		if len(set) == 0 {
			delete(s.subsByParent, rec.PI)
		}
	}
	delete(s.subscriptions, ri)
	s.dropBatchesLocked(ri)
	return nil
}

// AddBatchNotification appends a pending notification to its batch.
func (s *MemoryStore) AddBatchNotification(_ context.Context, rec *BatchNotificationRecord) error {
	if rec == nil || rec.RI == "" {
		return ErrInvalidID
	}
	stored := rec.Clone()

	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()

	key := batchKey(rec.RI, rec.NotificationURI)
	s.batches[key] = append(s.batches[key], stored)
	if s.batchTargets[rec.RI] == nil {
		s.batchTargets[rec.RI] = make(map[string]struct{})
	}
	s.batchTargets[rec.RI][rec.NotificationURI] = struct{}{}
	return nil
}

// CountBatchNotifications returns the number of pending notifications
// for (ri, nu).
func (s *MemoryStore) CountBatchNotifications(_ context.Context, ri, nu string) (int64, error) {
	s.subscriptionsMu.RLock()
	defer s.subscriptionsMu.RUnlock()

	return int64(len(s.batches[batchKey(ri, nu)])), nil
}

// PopBatchNotifications returns and clears the pending notifications for
// (ri, nu) in arrival order.
func (s *MemoryStore) PopBatchNotifications(_ context.Context, ri, nu string) ([]*BatchNotificationRecord, error) {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()

	key := batchKey(ri, nu)
	pending := s.batches[key]
	delete(s.batches, key)
	if set := s.batchTargets[ri]; set != nil {
		delete(set, nu)
		if len(set) == 0 {
			delete(s.batchTargets, ri)
		}
	}
	out := make([]*BatchNotificationRecord, 0, len(pending))
	out = append(out, pending...)
	return out, nil
}

// DeleteBatchNotifications drops every pending batch for ri.
func (s *MemoryStore) DeleteBatchNotifications(_ context.Context, ri string) error {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()

	s.dropBatchesLocked(ri)
	return nil
}

func (s *MemoryStore) dropBatchesLocked(ri string) {
	for nu := range s.batchTargets[ri] {
		delete(s.batches, batchKey(ri, nu))
	}
	delete(s.batchTargets, ri)
}

// PutStatistics stores the statistics singleton.
func (s *MemoryStore) PutStatistics(_ context.Context, stats *Statistics) error {
	if stats == nil {
		return errors.New("statistics cannot be nil")
	}
	snapshot := *stats

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats = &snapshot
	return nil
}

// GetStatistics retrieves the statistics singleton.
func (s *MemoryStore) GetStatistics(_ context.Context) (*Statistics, error) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	if s.stats == nil {
		return nil, ErrStatisticsNotFound
	}
	snapshot := *s.stats
	return &snapshot, nil
}

// Purge clears all tables. Each table is swapped atomically under its
// own lock, so a concurrent reader sees either the prior state or the
// empty state.
func (s *MemoryStore) Purge(_ context.Context) error {
	s.resourcesMu.Lock()
	s.resources = make(map[string]types.JSON)
	s.children = make(map[string]map[string]struct{})
	s.resourcesMu.Unlock()

	s.identifiersMu.Lock()
	s.identifiers = make(map[string]IdentifierRecord)
	s.structured = make(map[string]string)
	s.identifiersMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions = make(map[string]*SubscriptionRecord)
	s.subsByParent = make(map[string]map[string]struct{})
	s.batches = make(map[string][]*BatchNotificationRecord)
	s.batchTargets = make(map[string]map[string]struct{})
	s.subscriptionsMu.Unlock()

	s.statsMu.Lock()
	s.stats = nil
	s.statsMu.Unlock()

	return nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close releases the store's tables.
func (s *MemoryStore) Close() error {
	s.resourcesMu.Lock()
	s.resources = nil
	s.children = nil
	s.resourcesMu.Unlock()

	s.identifiersMu.Lock()
	s.identifiers = nil
	s.structured = nil
	s.identifiersMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions = nil
	s.subsByParent = nil
	s.batches = nil
	s.batchTargets = nil
	s.subscriptionsMu.Unlock()

	return nil
}
