package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by ResultCache.Get when nothing is stored.
var ErrCacheMiss = errors.New("check result not cached")

// ResultCache stores successful check results by request ID.
type ResultCache interface {
	Get(ctx context.Context, requestID string) ([]byte, error)
	Set(ctx context.Context, requestID string, value []byte) error
}

// MemoryCache is a process-local ResultCache for development and tests.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache builds a cache; a zero ttl keeps entries forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, requestID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[requestID]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries, requestID)
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

func (c *MemoryCache) Set(_ context.Context, requestID string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[requestID] = e
	return nil
}

// RedisCache shares results across instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache builds a Redis-backed cache with keys under "vetting:check:".
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "vetting:check:"}
}

func (c *RedisCache) Get(ctx context.Context, requestID string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.prefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get check result: %w", err)
	}
	return value, nil
}

func (c *RedisCache) Set(ctx context.Context, requestID string, value []byte) error {
	if err := c.client.Set(ctx, c.prefix+requestID, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set check result: %w", err)
	}
	return nil
}

// Deduplicate wraps every check in set so that a request already answered
// successfully is served from cache instead of reaching the provider again.
// Cache failures are logged and never fail the check.
func Deduplicate(set Set, cache ResultCache, logger *slog.Logger) Set {
	if cache == nil {
		return set
	}
	d := &dedup{set: set, cache: cache, logger: logger}
	return Set{NationalID: d, CriminalRecord: d, Phone: d}
}

type dedup struct {
	set    Set
	cache  ResultCache
	logger *slog.Logger
}

func (d *dedup) Validate(ctx context.Context, req NationalIDRequest) (NationalIDResult, error) {
	return cached(ctx, d, req.requestID(), func() (NationalIDResult, error) {
		return d.set.NationalID.Validate(ctx, req)
	})
}

func (d *dedup) Lookup(ctx context.Context, req CriminalRecordRequest) (CriminalRecordResult, error) {
	return cached(ctx, d, req.requestID(), func() (CriminalRecordResult, error) {
		return d.set.CriminalRecord.Lookup(ctx, req)
	})
}

func (d *dedup) Verify(ctx context.Context, req PhoneRequest) (PhoneResult, error) {
	return cached(ctx, d, req.requestID(), func() (PhoneResult, error) {
		return d.set.Phone.Verify(ctx, req)
	})
}

func cached[T any](ctx context.Context, d *dedup, requestID string, call func() (T, error)) (T, error) {
	var result T
	raw, err := d.cache.Get(ctx, requestID)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil {
			return result, nil
		}
	case !errors.Is(err, ErrCacheMiss):
		d.warn(ctx, "check cache read failed", requestID, err)
	}

	result, err = call()
	if err != nil {
		return result, err
	}
	if raw, err := json.Marshal(result); err == nil {
		if err := d.cache.Set(ctx, requestID, raw); err != nil {
			d.warn(ctx, "check cache write failed", requestID, err)
		}
	}
	return result, nil
}

func (d *dedup) warn(ctx context.Context, msg, requestID string, err error) {
	if d.logger != nil {
		d.logger.WarnContext(ctx, msg, "check_request_id", requestID, "error", err)
	}
}
