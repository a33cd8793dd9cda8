package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// Cache stores computed vectors keyed by model and text digest.
// Implementations must be safe for concurrent use; failures are misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// CacheKey derives the cache key for text under a model version.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// MemoryCache is an in-process cache backed by ristretto.
type MemoryCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewMemoryCache creates a MemoryCache holding roughly size vectors.
func NewMemoryCache(size int64, ttl time.Duration) (*MemoryCache, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true, // each entry costs 1, so size counts vectors
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &MemoryCache{cache: c, ttl: ttl}, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (m *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	m.cache.SetWithTTL(key, vec, 1, m.ttl)
}

// Wait blocks until buffered writes are applied.
func (m *MemoryCache) Wait() { m.cache.Wait() }

func (m *MemoryCache) Close() { m.cache.Close() }

// RedisCache shares vectors across processes. Values are little-endian
// float32 arrays.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, prefix: "ifs:embedding:", ttl: ttl}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil || len(raw)%4 != 0 {
		return nil, false
	}
	return decodeVector(raw), true
}

func (r *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	r.client.Set(ctx, r.prefix+key, encodeVector(vec), r.ttl)
}

func (r *RedisCache) Close() error { return r.client.Close() }

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}

// TieredCache checks each tier in order and back-fills faster tiers on a
// hit in a slower one.
type TieredCache []Cache

func (t TieredCache) Get(ctx context.Context, key string) ([]float32, bool) {
	for i, c := range t {
		if vec, ok := c.Get(ctx, key); ok {
			for j := 0; j < i; j++ {
				t[j].Set(ctx, key, vec)
			}
			return vec, true
		}
	}
	return nil, false
}

func (t TieredCache) Set(ctx context.Context, key string, vec []float32) {
	for _, c := range t {
		c.Set(ctx, key, vec)
	}
}
