package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	failGet error
	failSet error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	b, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return b, nil
}

func (m *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.entries[key] = value
	m.ttls[key] = ttl
	return nil
}

type countingProvider struct {
	Provider
	calls int
}

func (c *countingProvider) Lookup(ctx context.Context, symbol string) (Quote, error) {
	c.calls++
	return c.Provider.Lookup(ctx, symbol)
}

func TestCachedProvider_HitAfterMiss(t *testing.T) {
	static := NewStatic()
	static.Set("AAPL", "Apple Inc.", decimal.RequireFromString("189.3712"))
	next := &countingProvider{Provider: static}
	cache := newMemCache()
	p := NewCachedProvider(next, cache, 30*time.Second, zerolog.Nop())

	q1, err := p.Lookup(context.Background(), "aapl")
	require.NoError(t, err)
	q2, err := p.Lookup(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 1, next.calls)
	assert.Equal(t, q1.Symbol, q2.Symbol)
	assert.Equal(t, q1.Name, q2.Name)
	assert.True(t, q1.Price.Equal(q2.Price))
	assert.Equal(t, 30*time.Second, cache.ttls["quote:AAPL"])
}

func TestCachedProvider_ErrorsAreNotCached(t *testing.T) {
	next := &countingProvider{Provider: NewStatic()}
	cache := newMemCache()
	p := NewCachedProvider(next, cache, time.Minute, zerolog.Nop())

	_, err := p.Lookup(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = p.Lookup(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	assert.Equal(t, 2, next.calls)
	assert.Empty(t, cache.entries)
}

func TestCachedProvider_CacheFailuresFallThrough(t *testing.T) {
	static := NewStatic()
	static.Set("MSFT", "Microsoft", decimal.NewFromInt(400))
	cache := newMemCache()
	cache.failGet = errors.New("connection refused")
	cache.failSet = errors.New("connection refused")
	p := NewCachedProvider(static, cache, time.Minute, zerolog.Nop())

	q, err := p.Lookup(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "Microsoft", q.Name)
}

func TestCachedProvider_CorruptEntryRefetched(t *testing.T) {
	static := NewStatic()
	static.Set("MSFT", "Microsoft", decimal.NewFromInt(400))
	next := &countingProvider{Provider: static}
	cache := newMemCache()
	cache.entries["quote:MSFT"] = []byte{0xc1}
	p := NewCachedProvider(next, cache, time.Minute, zerolog.Nop())

	q, err := p.Lookup(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "400", q.Price.String())
	assert.Equal(t, 1, next.calls)
}

func TestStatic_Fail(t *testing.T) {
	s := NewStatic()
	s.Set("AAPL", "Apple", decimal.NewFromInt(1))
	s.Fail(ErrUnavailable)

	_, err := s.Lookup(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)

	s.Fail(nil)
	_, err = s.Lookup(context.Background(), "AAPL")
	assert.NoError(t, err)
}
