package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/piwi3910/cseweave/internal/types"
)

const (
	// Redis key prefixes, applied after the configured namespace
	resourceKeyPrefix     = "res:"
	resourceSetKey        = "res:active"
	childIndexPrefix      = "idx:child:"
	identifierKeyPrefix   = "id:"
	structuredKeyPrefix   = "srn:"
	subscriptionKeyPrefix = "sub:"
	subParentIndexPrefix  = "idx:sub:"
	batchListPrefix       = "batch:"
	batchIndexPrefix      = "idx:batch:"
	statisticsKey         = "stats"

	// Stored records never expire on their own; the CSE's expiration
	// sweep owns resource lifetimes.
	recordTTL = 0

	defaultKeyPrefix = "cse"
	defaultCacheSize = 1024
)

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	// Addr is the Redis server address (host:port) for standalone mode.
	// Ignored if UseSentinel is true.
	Addr string

	// Password for Redis authentication.
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// UseSentinel enables Redis Sentinel mode for high availability.
	UseSentinel bool

	// SentinelAddrs is the list of Sentinel server addresses.
	// Required if UseSentinel is true.
	SentinelAddrs []string

	// MasterName is the name of the Redis master in Sentinel mode.
	// Required if UseSentinel is true.
	MasterName string

	// MaxRetries is the maximum number of retries for failed commands.
	MaxRetries int

	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// KeyPrefix namespaces every key this store writes, so several CSEs
	// can share one Redis instance.
	KeyPrefix string

	// CacheSize bounds the in-process read cache (entries per store).
	CacheSize int
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		UseSentinel:  false,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		KeyPrefix:    defaultKeyPrefix,
		CacheSize:    defaultCacheSize,
	}
}

// RedisStore implements the Store interface using Redis as the backend.
// It supports both standalone Redis and Redis Sentinel for high
// availability, and keeps a bounded LRU of raw record bytes in front of
// the read paths.
//
// Data Model:
//   - <prefix>:res:<ri> (string) - resource document JSON
//   - <prefix>:res:active (set) - identifiers of stored resources
//   - <prefix>:idx:child:<pi> (set) - child identifiers per parent
//   - <prefix>:id:<ri> (string) - identifier record JSON
//   - <prefix>:srn:<srn> (string) - structured name to ri
//   - <prefix>:sub:<ri> (string) - subscription record JSON
//   - <prefix>:idx:sub:<pi> (set) - subscription identifiers per parent
//   - <prefix>:batch:<ri>:<nu> (list) - pending batch notifications
//   - <prefix>:idx:batch:<ri> (set) - batch targets per subscription
//   - <prefix>:stats (string) - statistics snapshot
//
// Example:
//
//	cfg := DefaultRedisConfig()
//	cfg.Addr = "redis.example.com:6379"
//	store := NewRedisStore(cfg)
//	defer store.Close()
//
//	doc := types.JSON{"ri": "cnt001", "pi": "cb", "ty": 3}
//	err := store.UpsertResource(ctx, doc)
type RedisStore struct {
	client redis.UniversalClient
	config *RedisConfig
	cache  *lru.Cache[string, []byte]
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new RedisStore instance.
// It automatically configures Redis Sentinel if enabled in the config.
func NewRedisStore(cfg *RedisConfig) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	var client redis.UniversalClient

	if cfg.UseSentinel {
		// Redis Sentinel mode for HA
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
		})
	} else {
		// Standalone Redis mode
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	}

	// size is clamped above, New cannot fail
	cache, _ := lru.New[string, []byte](size)

	return &RedisStore{
		client: client,
		config: cfg,
		cache:  cache,
	}
}

// key applies the configured namespace.
func (r *RedisStore) key(suffix string) string {
	return r.config.KeyPrefix + ":" + suffix
}

// UpsertResource stores a resource document, dropping nil-valued
// attributes. New documents are added to the active set and to their
// parent's child index.
func (r *RedisStore) UpsertResource(ctx context.Context, doc types.JSON) error {
	ri := documentRI(doc)
	if ri == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(stripNulls(doc))
	if err != nil {
		return fmt.Errorf("failed to marshal resource: %w", err)
	}

	key := r.key(resourceKeyPrefix + ri)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check resource existence: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, recordTTL)
	if exists == 0 {
		pipe.SAdd(ctx, r.key(resourceSetKey), ri)
		pipe.SAdd(ctx, r.key(childIndexPrefix+documentPI(doc)), ri)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store resource: %w", err)
	}

	r.cache.Add(key, data)
	return nil
}

// ResourceByID retrieves the document stored under ri, serving repeated
// reads from the cache.
func (r *RedisStore) ResourceByID(ctx context.Context, ri string) (types.JSON, error) {
	key := r.key(resourceKeyPrefix + ri)

	if data, ok := r.cache.Get(key); ok {
		return unmarshalDocument(data)
	}

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	r.cache.Add(key, data)
	return unmarshalDocument(data)
}

// DeleteResource removes the document stored under ri together with its
// index entries.
func (r *RedisStore) DeleteResource(ctx context.Context, ri string) error {
	doc, err := r.ResourceByID(ctx, ri)
	if err != nil {
		return err
	}

	key := r.key(resourceKeyPrefix + ri)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, r.key(resourceSetKey), ri)
	pipe.SRem(ctx, r.key(childIndexPrefix+documentPI(doc)), ri)
	pipe.Del(ctx, r.key(childIndexPrefix+ri))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}

	r.cache.Remove(key)
	return nil
}

// ChildResources returns the documents indexed under the given parent.
func (r *RedisStore) ChildResources(ctx context.Context, pi string) ([]types.JSON, error) {
	ids, err := r.client.SMembers(ctx, r.key(childIndexPrefix+pi)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}

	out := make([]types.JSON, 0, len(ids))
	for _, ri := range ids {
		doc, err := r.ResourceByID(ctx, ri)
		if errors.Is(err, ErrResourceNotFound) {
			// Skip dangling index entries
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// SearchResources scans the active set and returns the documents the
// predicate matches.
func (r *RedisStore) SearchResources(ctx context.Context, match func(types.JSON) bool) ([]types.JSON, error) {
	ids, err := r.client.SMembers(ctx, r.key(resourceSetKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	var out []types.JSON
	for _, ri := range ids {
		doc, err := r.ResourceByID(ctx, ri)
		if errors.Is(err, ErrResourceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if match(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// ExpiredResources returns the documents whose et lies at or before now.
func (r *RedisStore) ExpiredResources(ctx context.Context, now string) ([]types.JSON, error) {
	return r.SearchResources(ctx, expiredBefore(now))
}

// CountResources returns the cardinality of the active set.
func (r *RedisStore) CountResources(ctx context.Context) (int64, error) {
	count, err := r.client.SCard(ctx, r.key(resourceSetKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}
	return count, nil
}

// UpsertIdentifier stores an identifier record and re-points the
// structured-name key if the name changed.
func (r *RedisStore) UpsertIdentifier(ctx context.Context, rec *IdentifierRecord) error {
	if rec == nil || rec.RI == "" {
		return ErrInvalidID
	}

	var staleSRN string
	if old, err := r.IdentifierByRI(ctx, rec.RI); err == nil && old.SRN != rec.SRN {
		staleSRN = old.SRN
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal identifier: %w", err)
	}

	key := r.key(identifierKeyPrefix + rec.RI)
	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, recordTTL)
	if staleSRN != "" {
		pipe.Del(ctx, r.key(structuredKeyPrefix+staleSRN))
	}
	if rec.SRN != "" {
		pipe.Set(ctx, r.key(structuredKeyPrefix+rec.SRN), rec.RI, recordTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store identifier: %w", err)
	}

	r.cache.Add(key, data)
	return nil
}

// IdentifierByRI retrieves the identifier record for ri.
func (r *RedisStore) IdentifierByRI(ctx context.Context, ri string) (*IdentifierRecord, error) {
	key := r.key(identifierKeyPrefix + ri)

	data, ok := r.cache.Get(key)
	if !ok {
		var err error
		data, err = r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrIdentifierNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get identifier: %w", err)
		}
		r.cache.Add(key, data)
	}

	var rec IdentifierRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identifier: %w", err)
	}
	return &rec, nil
}

// IdentifierBySRN resolves a structured name to its identifier record.
func (r *RedisStore) IdentifierBySRN(ctx context.Context, srn string) (*IdentifierRecord, error) {
	ri, err := r.client.Get(ctx, r.key(structuredKeyPrefix+srn)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrIdentifierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve structured name: %w", err)
	}
	return r.IdentifierByRI(ctx, ri)
}

// DeleteIdentifier removes the identifier record for ri and its
// structured-name key.
func (r *RedisStore) DeleteIdentifier(ctx context.Context, ri string) error {
	rec, err := r.IdentifierByRI(ctx, ri)
	if err != nil {
		return err
	}

	key := r.key(identifierKeyPrefix + ri)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	if rec.SRN != "" {
		pipe.Del(ctx, r.key(structuredKeyPrefix+rec.SRN))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete identifier: %w", err)
	}

	r.cache.Remove(key)
	return nil
}

// UpsertSubscription stores a flattened subscription record.
func (r *RedisStore) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	if rec == nil || rec.RI == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	key := r.key(subscriptionKeyPrefix + rec.RI)
	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, recordTTL)
	pipe.SAdd(ctx, r.key(subParentIndexPrefix+rec.PI), rec.RI)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}

	r.cache.Add(key, data)
	return nil
}

// SubscriptionByRI retrieves the subscription record stored under ri.
func (r *RedisStore) SubscriptionByRI(ctx context.Context, ri string) (*SubscriptionRecord, error) {
	key := r.key(subscriptionKeyPrefix + ri)

	data, ok := r.cache.Get(key)
	if !ok {
		var err error
		data, err = r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrSubscriptionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get subscription: %w", err)
		}
		r.cache.Add(key, data)
	}

	var rec SubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &rec, nil
}

// SubscriptionsByParent returns the subscription records attached to pi.
func (r *RedisStore) SubscriptionsByParent(ctx context.Context, pi string) ([]*SubscriptionRecord, error) {
	ids, err := r.client.SMembers(ctx, r.key(subParentIndexPrefix+pi)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*SubscriptionRecord, 0, len(ids))
	for _, ri := range ids {
		rec, err := r.SubscriptionByRI(ctx, ri)
		if errors.Is(err, ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteSubscription removes a subscription record, its parent index
// entry and any batches pending for it.
func (r *RedisStore) DeleteSubscription(ctx context.Context, ri string) error {
	rec, err := r.SubscriptionByRI(ctx, ri)
	if err != nil {
		return err
	}

	targets, err := r.client.SMembers(ctx, r.key(batchIndexPrefix+ri)).Result()
	if err != nil {
		return fmt.Errorf("failed to list batch targets: %w", err)
	}

	key := r.key(subscriptionKeyPrefix + ri)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, r.key(subParentIndexPrefix+rec.PI), ri)
	for _, nu := range targets {
		pipe.Del(ctx, r.key(batchListPrefix+ri+":"+nu))
	}
	pipe.Del(ctx, r.key(batchIndexPrefix+ri))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	r.cache.Remove(key)
	return nil
}

// AddBatchNotification appends a pending notification to its batch list.
func (r *RedisStore) AddBatchNotification(ctx context.Context, rec *BatchNotificationRecord) error {
	if rec == nil || rec.RI == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal batch notification: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, r.key(batchListPrefix+rec.RI+":"+rec.NotificationURI), data)
	pipe.SAdd(ctx, r.key(batchIndexPrefix+rec.RI), rec.NotificationURI)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store batch notification: %w", err)
	}
	return nil
}

// CountBatchNotifications returns the length of the batch list for
// (ri, nu).
func (r *RedisStore) CountBatchNotifications(ctx context.Context, ri, nu string) (int64, error) {
	count, err := r.client.LLen(ctx, r.key(batchListPrefix+ri+":"+nu)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count batch notifications: %w", err)
	}
	return count, nil
}

// PopBatchNotifications atomically reads and clears the batch list for
// (ri, nu).
func (r *RedisStore) PopBatchNotifications(ctx context.Context, ri, nu string) ([]*BatchNotificationRecord, error) {
	key := r.key(batchListPrefix + ri + ":" + nu)

	var pending *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		pipe.SRem(ctx, r.key(batchIndexPrefix+ri), nu)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pop batch notifications: %w", err)
	}

	values := pending.Val()
	out := make([]*BatchNotificationRecord, 0, len(values))
	for _, v := range values {
		var rec BatchNotificationRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			// Skip corrupted entries
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// DeleteBatchNotifications drops every batch list recorded for ri.
func (r *RedisStore) DeleteBatchNotifications(ctx context.Context, ri string) error {
	targets, err := r.client.SMembers(ctx, r.key(batchIndexPrefix+ri)).Result()
	if err != nil {
		return fmt.Errorf("failed to list batch targets: %w", err)
	}

	pipe := r.client.Pipeline()
	for _, nu := range targets {
		pipe.Del(ctx, r.key(batchListPrefix+ri+":"+nu))
	}
	pipe.Del(ctx, r.key(batchIndexPrefix+ri))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete batch notifications: %w", err)
	}
	return nil
}

// PutStatistics stores the statistics snapshot.
func (r *RedisStore) PutStatistics(ctx context.Context, s *Statistics) error {
	if s == nil {
		return errors.New("statistics cannot be nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}
	if err := r.client.Set(ctx, r.key(statisticsKey), data, recordTTL).Err(); err != nil {
		return fmt.Errorf("failed to store statistics: %w", err)
	}
	return nil
}

// GetStatistics retrieves the statistics snapshot.
func (r *RedisStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	data, err := r.client.Get(ctx, r.key(statisticsKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatisticsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}

	var s Statistics
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal statistics: %w", err)
	}
	return &s, nil
}

// Purge deletes every key under the configured namespace.
func (r *RedisStore) Purge(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.config.KeyPrefix+":*", 256).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.cache.Purge()
	return nil
}

// Ping checks connectivity to Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// unmarshalDocument decodes a stored resource document. JSON numbers
// surface as float64; the resource accessors normalise them.
func unmarshalDocument(data []byte) (types.JSON, error) {
	var doc types.JSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	return doc, nil
}
