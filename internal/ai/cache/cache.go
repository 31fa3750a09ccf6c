// Package cache memoizes idempotent read-only capability fetches.
//
// Entries are keyed by operation name plus a canonical serialization of the
// call parameters and expire after a per-operation time-to-live. Mutating
// operations must never be routed through the cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Default TTLs by data volatility.
const (
	TTLProfile   = 30 * time.Minute
	TTLDaily     = 5 * time.Minute
	TTLMeasure   = 10 * time.Minute
	TTLSearch    = 2 * time.Minute
	TTLReference = time.Hour

	defaultMaxEntries = 2048
)

type Options struct {
	// MaxEntries bounds the number of entries (least recently used evicted first).
	MaxEntries int
	// DefaultTTL applies to operations without an explicit TTL.
	DefaultTTL time.Duration
	// TTLs maps operation name to time-to-live.
	TTLs map[string]time.Duration
	// Now is the clock. Tests inject a fake one.
	Now    func() time.Time
	Logger *slog.Logger
}

type flight struct {
	stale bool
}

type entry struct {
	value     any
	writtenAt time.Time
	ttl       time.Duration
}

// Cache is safe for concurrent use. Concurrent misses for the same key share
// one fetch; otherwise the last write wins.
type Cache struct {
	lru        *lru.Cache[string, entry]
	ttls       map[string]time.Duration
	defaultTTL time.Duration
	now        func() time.Time
	log        *slog.Logger
	group      singleflight.Group

	// mu orders stores of finished fetches against Invalidate. A fetch that
	// was in flight when a matching Invalidate ran must not store its result.
	mu       sync.Mutex
	inflight map[string]*flight

	hits   atomic.Int64
	misses atomic.Int64
}

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
}

func New(opts Options) (*Cache, error) {
	size := opts.MaxEntries
	if size <= 0 {
		size = defaultMaxEntries
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	ttls := make(map[string]time.Duration, len(opts.TTLs))
	for op, ttl := range opts.TTLs {
		op = strings.TrimSpace(op)
		if op == "" || ttl <= 0 {
			continue
		}
		ttls[op] = ttl
	}
	def := opts.DefaultTTL
	if def <= 0 {
		def = TTLDaily
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache{lru: l, ttls: ttls, defaultTTL: def, now: now, log: log, inflight: map[string]*flight{}}, nil
}

// TTL returns the configured time-to-live for op.
func (c *Cache) TTL(op string) time.Duration {
	if c == nil {
		return 0
	}
	if ttl, ok := c.ttls[strings.TrimSpace(op)]; ok {
		return ttl
	}
	return c.defaultTTL
}

// SetTTL registers a TTL for op unless one is already configured. It must
// be called before the cache is shared between goroutines.
func (c *Cache) SetTTL(op string, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	op = strings.TrimSpace(op)
	if _, ok := c.ttls[op]; ok || op == "" {
		return
	}
	c.ttls[op] = ttl
}

// Key builds the deterministic cache key: op name followed by the canonical
// JSON of params (object keys sorted at every depth).
func Key(op string, params map[string]any) (string, error) {
	op = strings.TrimSpace(op)
	if op == "" {
		return "", errors.New("missing op name")
	}
	canon, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	return op + ":" + canon, nil
}

// GetOrFetch returns the live cached value for (op, params), or calls fetch,
// stores its result and returns it. Fetch errors are returned as-is and
// never cached.
func (c *Cache) GetOrFetch(ctx context.Context, op string, params map[string]any, fetch func(ctx context.Context) (any, error)) (any, error) {
	if c == nil {
		return fetch(ctx)
	}
	if fetch == nil {
		return nil, errors.New("nil fetch func")
	}
	key, err := Key(op, params)
	if err != nil {
		return nil, err
	}
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have stored the value while we waited.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		f := c.begin(key)
		v, err := fetch(ctx)
		c.finish(key, f, v, err == nil, c.TTL(op))
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Cache) begin(key string) *flight {
	f := &flight{}
	c.mu.Lock()
	c.inflight[key] = f
	c.mu.Unlock()
	return f
}

// finish stores v unless an Invalidate matched key while the fetch ran.
func (c *Cache) finish(key string, f *flight, v any, ok bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	if !ok {
		return
	}
	if f.stale {
		c.log.Debug("cache store skipped after invalidation", "key", key)
		return
	}
	c.lru.Add(key, entry{value: v, writtenAt: c.now(), ttl: ttl})
}

func (c *Cache) lookup(key string) (any, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.writtenAt) >= e.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Fetch is the typed form of GetOrFetch.
func Fetch[T any](ctx context.Context, c *Cache, op string, params map[string]any, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.GetOrFetch(ctx, op, params, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %s holds %T", op, v)
	}
	return out, nil
}

// Invalidate removes matching entries and returns how many were dropped.
//
//   - op == "" && userID == "": full clear
//   - op != "": entries whose op name has the prefix op
//   - userID != "": entries whose key contains userID
//
// Both filters combine with AND.
func (c *Cache) Invalidate(op string, userID string) int {
	if c == nil {
		return 0
	}
	op = strings.TrimSpace(op)
	userID = strings.TrimSpace(userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	// In-flight fetches may have read pre-invalidation data. Mark them so
	// they do not store, and detach them so later callers fetch again.
	for key, f := range c.inflight {
		if matches(key, op, userID) {
			f.stale = true
			c.group.Forget(key)
			delete(c.inflight, key)
		}
	}

	if op == "" && userID == "" {
		n := c.lru.Len()
		c.lru.Purge()
		return n
	}
	removed := 0
	for _, key := range c.lru.Keys() {
		if !matches(key, op, userID) {
			continue
		}
		if c.lru.Remove(key) {
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("cache invalidated", "op", op, "user_id", userID, "removed", removed)
	}
	return removed
}

func matches(key string, op string, userID string) bool {
	name, _, _ := strings.Cut(key, ":")
	if op != "" && !strings.HasPrefix(name, op) {
		return false
	}
	if userID != "" && !strings.Contains(key, userID) {
		return false
	}
	return true
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	h := c.hits.Load()
	m := c.misses.Load()
	out := Stats{Hits: h, Misses: m, Size: c.lru.Len()}
	if h+m > 0 {
		out.HitRate = float64(h) / float64(h+m)
	}
	return out
}

func canonicalJSON(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(normalizeAnyForJSON(params))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeAnyForJSON converts nested values into plain maps and slices.
// encoding/json sorts map keys, so the result encodes identically no matter
// how the params were built (struct, typed map or generic map).
func normalizeAnyForJSON(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeAnyForJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeAnyForJSON(x[i])
		}
		return out
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return string(b)
		}
		return generic
	}
}
