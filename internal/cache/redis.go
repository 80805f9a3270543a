package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coinwatch/internal/storage"
)

// RedisCache keeps latest prices in hashes and the recent window in lists.
type RedisCache struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
}

// NewRedisCache constructs a RedisCache.
func NewRedisCache(client *redis.Client, opts Options, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "redis_cache").Logger(),
	}
}

func key(assetID, currency string) string {
	return fmt.Sprintf("price:%s:%s", assetID, currency)
}

func windowKey(assetID, currency string) string {
	return fmt.Sprintf("window:%s:%s", assetID, currency)
}

// Put writes the entry, its expiry and the window update in one MULTI/EXEC.
func (c *RedisCache) Put(ctx context.Context, assetID, currency string, price float64, observedAt time.Time) (Entry, error) {
	entry := Entry{Price: price, ObservedAt: toMillis(observedAt), TTL: c.opts.ttl()}

	point, err := json.Marshal(Point{Price: price, ObservedAt: entry.ObservedAt.UnixMilli()})
	if err != nil {
		return Entry{}, fmt.Errorf("encode window point: %w", err)
	}

	k := key(assetID, currency)
	wk := windowKey(assetID, currency)

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"price", strconv.FormatFloat(price, 'f', -1, 64),
			"ts", strconv.FormatInt(entry.ObservedAt.UnixMilli(), 10),
			"ttl_ms", strconv.FormatInt(entry.TTL.Milliseconds(), 10),
		)
		pipe.Expire(ctx, k, entry.TTL)
		pipe.LPush(ctx, wk, point)
		pipe.LTrim(ctx, wk, 0, int64(c.opts.WindowSize-1))
		return nil
	})
	if err != nil {
		return Entry{}, &storage.StoreError{Op: "cache put " + k, Err: err}
	}
	return entry, nil
}

// Get reads the entry; an expired or missing key yields ok=false.
func (c *RedisCache) Get(ctx context.Context, assetID, currency string) (Entry, bool, error) {
	k := key(assetID, currency)
	fields, err := c.client.HGetAll(ctx, k).Result()
	if err != nil {
		return Entry{}, false, &storage.StoreError{Op: "cache get " + k, Err: err}
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	price, err := strconv.ParseFloat(fields["price"], 64)
	if err != nil {
		c.logger.Warn().Str("key", k).Str("price", fields["price"]).Msg("unparseable cached price")
		return Entry{}, false, nil
	}
	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		c.logger.Warn().Str("key", k).Str("ts", fields["ts"]).Msg("unparseable cached timestamp")
		return Entry{}, false, nil
	}
	ttlMs, _ := strconv.ParseInt(fields["ttl_ms"], 10, 64)

	return Entry{
		Price:      price,
		ObservedAt: time.UnixMilli(ts).UTC(),
		TTL:        time.Duration(ttlMs) * time.Millisecond,
	}, true, nil
}

// Window returns the key's recent points, newest first.
func (c *RedisCache) Window(ctx context.Context, assetID, currency string) ([]Point, error) {
	wk := windowKey(assetID, currency)
	raw, err := c.client.LRange(ctx, wk, 0, -1).Result()
	if err != nil {
		return nil, &storage.StoreError{Op: "cache window " + wk, Err: err}
	}

	points := make([]Point, 0, len(raw))
	for _, item := range raw {
		var p Point
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			c.logger.Warn().Err(err).Str("key", wk).Msg("skipping malformed window point")
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

var _ PriceCache = (*RedisCache)(nil)
