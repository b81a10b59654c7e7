package catalog

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"entitlements.org/internal/obs"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// Cache stores course run listings keyed by course UUID.
type Cache interface {
	Get(ctx context.Context, courseUUID uuid.UUID) ([]CourseRun, bool, error)
	Put(ctx context.Context, courseUUID uuid.UUID, runs []CourseRun) error
}

// Cached decorates a Service with a run-list cache. Start dates always go to
// the backing service.
type Cached struct {
	next  Service
	cache Cache
}

var _ Service = (*Cached)(nil)

func NewCached(next Service, cache Cache) *Cached {
	return &Cached{next: next, cache: cache}
}

func (c *Cached) ListCourseRuns(ctx context.Context, courseUUID uuid.UUID) ([]CourseRun, error) {
	runs, ok, err := c.cache.Get(ctx, courseUUID)
	if err != nil {
		obs.Logger().WithError(err).WithField("course_uuid", courseUUID.String()).Warn("catalog cache read failed")
	}
	if ok {
		return runs, nil
	}
	runs, err = c.next.ListCourseRuns(ctx, courseUUID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, courseUUID, runs); err != nil {
		obs.Logger().WithError(err).WithFields(logrus.Fields{
			"course_uuid": courseUUID.String(),
			"runs":        len(runs),
		}).Warn("catalog cache write failed")
	}
	return runs, nil
}

func (c *Cached) GetCourseRunStartDate(ctx context.Context, courseRunID string) (time.Time, error) {
	return c.next.GetCourseRunStartDate(ctx, courseRunID)
}

// MemoryCache is a size-bounded in-process cache with per-entry TTL.
type MemoryCache struct {
	lru *expirable.LRU[uuid.UUID, []CourseRun]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[uuid.UUID, []CourseRun](size, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, courseUUID uuid.UUID) ([]CourseRun, bool, error) {
	runs, ok := m.lru.Get(courseUUID)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(runs), true, nil
}

func (m *MemoryCache) Put(_ context.Context, courseUUID uuid.UUID, runs []CourseRun) error {
	m.lru.Add(courseUUID, slices.Clone(runs))
	return nil
}

// RedisCache shares run listings between API replicas.
type RedisCache struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

func NewRedisCache(rdb *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "entitlements:catalog:runs:"
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (r *RedisCache) key(courseUUID uuid.UUID) string { return r.keyNS + courseUUID.String() }

func (r *RedisCache) Get(ctx context.Context, courseUUID uuid.UUID) ([]CourseRun, bool, error) {
	val, err := r.rdb.Get(ctx, r.key(courseUUID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var runs []CourseRun
	if err := json.Unmarshal(val, &runs); err != nil {
		return nil, false, err
	}
	return runs, true, nil
}

func (r *RedisCache) Put(ctx context.Context, courseUUID uuid.UUID, runs []CourseRun) error {
	b, err := json.Marshal(runs)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(courseUUID), b, r.ttl).Err()
}
