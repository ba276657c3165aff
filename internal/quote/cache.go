package quote

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrCacheMiss is returned by a Cache when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Cache stores encoded quotes with an expiry
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache adapts a redis client to Cache
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to redis at addr and verifies the connection
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Close releases the redis connection pool
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// CachedProvider serves recent quotes from a cache and falls through to the
// wrapped provider. Cache failures are logged, never returned.
type CachedProvider struct {
	next  Provider
	cache Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedProvider wraps next with a cache holding quotes for ttl
func NewCachedProvider(next Provider, cache Cache, ttl time.Duration, log zerolog.Logger) *CachedProvider {
	return &CachedProvider{
		next:  next,
		cache: cache,
		ttl:   ttl,
		log:   log.With().Str("component", "quote-cache").Logger(),
	}
}

func cacheKey(symbol string) string {
	return "quote:" + symbol
}

// cachedQuote is the msgpack wire form; the price travels as its decimal string
type cachedQuote struct {
	Symbol string `msgpack:"s"`
	Name   string `msgpack:"n"`
	Price  string `msgpack:"p"`
}

func encodeQuote(q Quote) ([]byte, error) {
	return msgpack.Marshal(&cachedQuote{Symbol: q.Symbol, Name: q.Name, Price: q.Price.String()})
}

func decodeQuote(b []byte) (Quote, error) {
	var c cachedQuote
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return Quote{}, err
	}
	price, err := decimal.NewFromString(c.Price)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Symbol: c.Symbol, Name: c.Name, Price: price}, nil
}

// Lookup returns the cached quote for symbol or fetches and stores a fresh one
func (p *CachedProvider) Lookup(ctx context.Context, symbol string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)
	key := cacheKey(symbol)

	if b, err := p.cache.Get(ctx, key); err == nil {
		if q, err := decodeQuote(b); err == nil {
			return q, nil
		}
		p.log.Warn().Str("symbol", symbol).Msg("Discarding undecodable cached quote")
	} else if !errors.Is(err, ErrCacheMiss) {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache read failed")
	}

	q, err := p.next.Lookup(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}

	b, err := encodeQuote(q)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to encode quote")
		return q, nil
	}
	if err := p.cache.Set(ctx, key, b, p.ttl); err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache write failed")
	}
	return q, nil
}
