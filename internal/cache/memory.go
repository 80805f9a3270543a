package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// ring is a fixed-capacity buffer yielding newest-first.
type ring struct {
	points []Point
	head   int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{points: make([]Point, capacity)}
}

func (r *ring) push(p Point) {
	r.head = (r.head + 1) % len(r.points)
	r.points[r.head] = p
	if r.size < len(r.points) {
		r.size++
	}
}

func (r *ring) snapshot() []Point {
	out := make([]Point, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head - i + len(r.points)) % len(r.points)
		out[i] = r.points[idx]
	}
	return out
}

// MemoryCache is an in-process PriceCache guarded by a RWMutex.
type MemoryCache struct {
	opts Options
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]memEntry
	windows map[string]*ring
}

// NewMemoryCache builds a MemoryCache. now may be nil to use the wall clock.
func NewMemoryCache(opts Options, now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		opts:    opts.withDefaults(),
		now:     now,
		entries: make(map[string]memEntry),
		windows: make(map[string]*ring),
	}
}

// Put overwrites the entry, resets its TTL and prepends to the window.
func (c *MemoryCache) Put(ctx context.Context, assetID, currency string, price float64, observedAt time.Time) (Entry, error) {
	entry := Entry{Price: price, ObservedAt: toMillis(observedAt), TTL: c.opts.ttl()}
	k := key(assetID, currency)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = memEntry{entry: entry, expiresAt: c.now().Add(entry.TTL)}
	w, ok := c.windows[k]
	if !ok {
		w = newRing(c.opts.WindowSize)
		c.windows[k] = w
	}
	w.push(Point{Price: price, ObservedAt: entry.ObservedAt.UnixMilli()})
	return entry, nil
}

// Get returns the live entry for the key.
func (c *MemoryCache) Get(ctx context.Context, assetID, currency string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(assetID, currency)]
	if !ok || !c.now().Before(e.expiresAt) {
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

// Window returns a copy of the key's recent points, newest first.
func (c *MemoryCache) Window(ctx context.Context, assetID, currency string) ([]Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.windows[key(assetID, currency)]
	if !ok {
		return []Point{}, nil
	}
	return w.snapshot(), nil
}

var _ PriceCache = (*MemoryCache)(nil)
