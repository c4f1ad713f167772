package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers recently submitted requests. A key is first reserved
// with an empty value, then bound to the ride id once the ride exists.
type Deduper interface {
	// Reserve claims key for ttl. When the key is already held it returns
	// the bound ride id (empty while the first request is still in flight).
	Reserve(ctx context.Context, key string, ttl time.Duration) (existing string, reserved bool, err error)
	Bind(ctx context.Context, key, rideID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type RedisDeduper struct {
	client redis.UniversalClient
}

func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (r *RedisDeduper) Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	// a key that expires between SETNX and GET is free again, so claim it
	// once more rather than report a holder that no longer exists
	for range 2 {
		ok, err := r.client.SetNX(ctx, key, "", ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return "", true, nil
		}
		v, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return v, false, nil
	}
	return "", false, errDedupChurn
}

var errDedupChurn = errors.New("dedup key expired twice while reserving")

func (r *RedisDeduper) Bind(ctx context.Context, key, rideID string, ttl time.Duration) error {
	return r.client.SetArgs(ctx, key, rideID, redis.SetArgs{Mode: "XX", TTL: ttl}).Err()
}

func (r *RedisDeduper) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

type memEntry struct {
	rideID  string
	expires time.Time
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryDeduper) Reserve(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return e.rideID, false, nil
	}
	m.entries[key] = memEntry{expires: now.Add(ttl)}
	m.sweepLocked(now)
	return "", true, nil
}

func (m *MemoryDeduper) Bind(_ context.Context, key, rideID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		m.entries[key] = memEntry{rideID: rideID, expires: m.now().Add(ttl)}
	}
	return nil
}

func (m *MemoryDeduper) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryDeduper) sweepLocked(now time.Time) {
	if len(m.entries) < 1024 {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
