package cache

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// DefaultWindowSize bounds the recent-price window kept per key.
const DefaultWindowSize = 121

// Entry is the latest cached price for one (asset, quote currency) key.
type Entry struct {
	Price      float64
	ObservedAt time.Time
	TTL        time.Duration
}

// Point is one element of the recent-price window.
type Point struct {
	Price      float64 `json:"price"`
	ObservedAt int64   `json:"ts"`
}

// Time returns the observation time of the point.
func (p Point) Time() time.Time {
	return time.UnixMilli(p.ObservedAt).UTC()
}

// PriceCache stores the latest price per key with a bounded TTL, plus a
// most-recent-first window. A missing or expired entry is reported with ok=false.
type PriceCache interface {
	Put(ctx context.Context, assetID, currency string, price float64, observedAt time.Time) (Entry, error)
	Get(ctx context.Context, assetID, currency string) (Entry, bool, error)
	Window(ctx context.Context, assetID, currency string) ([]Point, error)
}

// Options tune TTL and window behaviour shared by all backends.
type Options struct {
	PollInterval time.Duration
	// MaxJitter is the exclusive upper bound of the random TTL extension.
	MaxJitter  time.Duration
	WindowSize int
	// Jitter overrides the random source, mainly for tests.
	Jitter func(max time.Duration) time.Duration
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Jitter == nil {
		o.Jitter = uniformJitter
	}
	return o
}

// ttl returns poll interval plus jitter, rounded up to whole seconds, so an
// entry always outlives at least one poll interval.
func (o Options) ttl() time.Duration {
	jitter := time.Duration(0)
	if o.MaxJitter > 0 {
		jitter = o.Jitter(o.MaxJitter)
		if jitter < 0 {
			jitter = 0
		}
	}
	seconds := math.Ceil(float64(o.PollInterval+jitter) / float64(time.Second))
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func uniformJitter(max time.Duration) time.Duration {
	return rand.N(max)
}

func toMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
