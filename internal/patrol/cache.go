package patrol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache maps a drone code to the id of its active patrol.
type Cache interface {
	Get(ctx context.Context, droneCode string) (uuid.UUID, bool, error)
	Put(ctx context.Context, droneCode string, patrolID uuid.UUID, ttl time.Duration) error
	Invalidate(ctx context.Context, droneCode string) error
}

type memoryEntry struct {
	patrolID  uuid.UUID
	expiresAt time.Time
}

// MemoryCache is a process-local TTL map.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, droneCode string) (uuid.UUID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[droneCode]
	if !ok {
		return uuid.Nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, droneCode)
		return uuid.Nil, false, nil
	}
	return entry.patrolID, true, nil
}

func (c *MemoryCache) Put(_ context.Context, droneCode string, patrolID uuid.UUID, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[droneCode] = memoryEntry{patrolID: patrolID, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, droneCode string) error {
	c.mu.Lock()
	delete(c.entries, droneCode)
	c.mu.Unlock()
	return nil
}

// RedisCache shares patrol associations between processes.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "patrol:active:"}
}

func (c *RedisCache) key(droneCode string) string {
	return c.prefix + droneCode
}

func (c *RedisCache) Get(ctx context.Context, droneCode string) (uuid.UUID, bool, error) {
	raw, err := c.client.Get(ctx, c.key(droneCode)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		// Corrupt entry; treat as a miss so it gets rewritten.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (c *RedisCache) Put(ctx context.Context, droneCode string, patrolID uuid.UUID, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(droneCode), patrolID.String(), ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, droneCode string) error {
	return c.client.Del(ctx, c.key(droneCode)).Err()
}
