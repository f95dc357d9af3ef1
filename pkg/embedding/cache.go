package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "threadscout:emb:"

// VectorEntry is one key/vector pair bound for the store.
type VectorEntry struct {
	Key    string
	Vector []float32
}

// VectorStore is the key-value surface the cache decorator needs. A nil
// entry from GetMany is a miss.
type VectorStore interface {
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	SetMany(ctx context.Context, entries []VectorEntry, ttl time.Duration) error
}

type redisStore struct {
	rdb redis.Cmdable
}

// NewRedisStore adapts a Redis client into a VectorStore.
func NewRedisStore(rdb redis.Cmdable) VectorStore {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "embedding: cache mget")
	}

	out := make([][]byte, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *redisStore) SetMany(ctx context.Context, entries []VectorEntry, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, vectorToBytes(e.Vector), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "embedding: cache set")
	}
	return nil
}

// Cached decorates an Embedder with a vector cache. Hits cost nothing and
// report zero tokens; only misses reach the inner provider. Store failures
// are logged and never fail the embed call.
type Cached struct {
	inner   Embedder
	store   VectorStore
	ttl     time.Duration
	persist bool
}

// CacheOption configures the decorator.
type CacheOption func(*Cached)

// WithPersist stores vectors without an expiry, for requests that ask to
// keep their vectors around.
func WithPersist(persist bool) CacheOption {
	return func(c *Cached) {
		c.persist = persist
	}
}

// NewCached wraps inner with the vector cache.
func NewCached(inner Embedder, store VectorStore, ttl time.Duration, opts ...CacheOption) *Cached {
	c := &Cached{inner: inner, store: store, ttl: ttl}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cached) Model() string {
	return c.inner.Model()
}

func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *Cached) Embed(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.cacheKey(text)
	}

	vectors := make([][]float32, len(texts))
	var missIdx []int

	cached, err := c.store.GetMany(ctx, keys)
	if err != nil {
		zap.L().Warn("embedding cache read failed, falling through", zap.Error(err))
		cached = make([][]byte, len(texts))
	}
	for i, data := range cached {
		if len(data) == 0 {
			missIdx = append(missIdx, i)
			continue
		}
		vec, err := bytesToVector(data)
		if err != nil {
			zap.L().Warn("corrupt cached vector, refetching", zap.String("key", keys[i]), zap.Error(err))
			missIdx = append(missIdx, i)
			continue
		}
		vectors[i] = vec
	}

	result := &Result{Vectors: vectors}
	if len(missIdx) == 0 {
		return result, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	result.PromptTokens = fresh.PromptTokens
	result.TotalTokens = fresh.TotalTokens

	entries := make([]VectorEntry, len(missIdx))
	for j, i := range missIdx {
		vectors[i] = fresh.Vectors[j]
		entries[j] = VectorEntry{Key: keys[i], Vector: fresh.Vectors[j]}
	}

	ttl := c.ttl
	if c.persist {
		ttl = 0
	}
	if err := c.store.SetMany(ctx, entries, ttl); err != nil {
		zap.L().Warn("embedding cache write failed", zap.Error(err))
	}
	return result, nil
}

// cacheKey binds the vector space to the text, so a model or dimension
// change never serves stale vectors.
func (c *Cached) cacheKey(text string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", c.inner.Model(), c.inner.Dimensions(), text))
	return cacheKeyPrefix + hex.EncodeToString(h[:])
}

func vectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, eris.Errorf("embedding: corrupt cache payload of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
