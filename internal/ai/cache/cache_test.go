package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, clock *fakeClock) *Cache {
	t.Helper()
	c, err := New(Options{
		MaxEntries: 64,
		TTLs:       map[string]time.Duration{"get_user_profile": TTLProfile, "search_entries": TTLSearch},
		Now:        clock.Now,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCache_TTLBoundary(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	c := newTestCache(t, clock)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		n := calls.Add(1)
		return n, nil
	}
	params := map[string]any{"user_id": "u1"}

	if v, err := c.GetOrFetch(ctx, "get_user_profile", params, fetch); err != nil || v.(int32) != 1 {
		t.Fatalf("first GetOrFetch=%v err=%v", v, err)
	}
	clock.Advance(TTLProfile - time.Nanosecond)
	if v, _ := c.GetOrFetch(ctx, "get_user_profile", params, fetch); v.(int32) != 1 {
		t.Fatalf("value before expiry=%v, want cached 1", v)
	}
	if calls.Load() != 1 {
		t.Fatalf("fetch calls=%d before expiry, want 1", calls.Load())
	}

	clock.Advance(time.Nanosecond) // now - written_at == ttl
	if v, _ := c.GetOrFetch(ctx, "get_user_profile", params, fetch); v.(int32) != 2 {
		t.Fatalf("value at expiry=%v, want refreshed 2", v)
	}
	if calls.Load() != 2 {
		t.Fatalf("fetch calls=%d at expiry, want 2", calls.Load())
	}

	// The refresh reset written_at.
	clock.Advance(TTLProfile / 2)
	if v, _ := c.GetOrFetch(ctx, "get_user_profile", params, fetch); v.(int32) != 2 {
		t.Fatalf("value after refresh=%v, want 2", v)
	}

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 2 || st.Size != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("hit_rate=%v, want 0.5", st.HitRate)
	}
}

func TestCache_KeyIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := map[string]any{"user_id": "u1", "days": 7, "filter": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"filter": map[string]any{"a": 2, "b": 1}, "days": 7.0, "user_id": "u1"}
	ka, err := Key("get_recent_meals", a)
	if err != nil {
		t.Fatalf("Key a: %v", err)
	}
	kb, err := Key("get_recent_meals", b)
	if err != nil {
		t.Fatalf("Key b: %v", err)
	}
	if ka != kb {
		t.Fatalf("keys differ:\n%s\n%s", ka, kb)
	}
	if _, err := Key(" ", a); err == nil {
		t.Fatalf("expected error for empty op")
	}
}

func TestCache_FetchErrorIsNotCached(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(t, clock)
	ctx := context.Background()
	boom := errors.New("store unavailable")

	calls := 0
	_, err := c.GetOrFetch(ctx, "get_user_profile", nil, func(context.Context) (any, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	v, err := c.GetOrFetch(ctx, "get_user_profile", nil, func(context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 2 {
		t.Fatalf("v=%v err=%v calls=%d", v, err, calls)
	}
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(t, clock)
	ctx := context.Background()

	seed := func(op string, user string) {
		t.Helper()
		if _, err := c.GetOrFetch(ctx, op, map[string]any{"user_id": user}, func(context.Context) (any, error) { return op + user, nil }); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	reset := func() {
		c.Invalidate("", "")
		seed("get_user_profile", "alice")
		seed("get_recent_meals", "alice")
		seed("get_recent_meals", "bob")
		seed("search_entries", "bob")
	}

	cases := []struct {
		name    string
		op      string
		user    string
		removed int
	}{
		{name: "all", removed: 4},
		{name: "prefix", op: "get_", removed: 3},
		{name: "user", user: "bob", removed: 2},
		{name: "prefix and user", op: "get_recent", user: "alice", removed: 1},
		{name: "no match", op: "get_food_reference", removed: 0},
	}
	for _, tc := range cases {
		reset()
		if got := c.Invalidate(tc.op, tc.user); got != tc.removed {
			t.Fatalf("%s: removed=%d, want %d", tc.name, got, tc.removed)
		}
		if got := c.Stats().Size; got != 4-tc.removed {
			t.Fatalf("%s: size=%d, want %d", tc.name, got, 4-tc.removed)
		}
	}
}

func TestCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(t, clock)

	release := make(chan struct{})
	var calls atomic.Int32
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Fetch(context.Background(), c, "search_entries", map[string]any{"q": "squat"}, func(context.Context) (string, error) {
				calls.Add(1)
				<-release
				return "hits", nil
			})
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("fetch calls=%d, want 1", calls.Load())
	}
	for i, v := range results {
		if v != "hits" {
			t.Fatalf("results[%d]=%q", i, v)
		}
	}
}

func TestCache_TypedFetchMismatch(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(t, clock)
	ctx := context.Background()
	if _, err := c.GetOrFetch(ctx, "get_user_profile", nil, func(context.Context) (any, error) { return 42, nil }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Fetch(ctx, c, "get_user_profile", nil, func(context.Context) (string, error) { return "x", nil }); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestCache_InvalidateDuringFetchDropsResult(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestCache(t, clock)
	ctx := context.Background()
	params := map[string]any{"user_id": "u1", "date": "2026-01-01"}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string, 1)
	go func() {
		v, err := Fetch(ctx, c, "get_daily_nutrition", params, func(context.Context) (string, error) {
			close(started)
			<-release
			return "0 kcal", nil
		})
		if err != nil {
			t.Errorf("Fetch: %v", err)
		}
		done <- v
	}()

	<-started
	// A write for u1 lands while the read is still running.
	c.Invalidate("", "u1")
	close(release)
	if v := <-done; v != "0 kcal" {
		t.Fatalf("in-flight caller got %q, want its own result", v)
	}

	var calls atomic.Int32
	v, err := Fetch(ctx, c, "get_daily_nutrition", params, func(context.Context) (string, error) {
		calls.Add(1)
		return "650 kcal", nil
	})
	if err != nil {
		t.Fatalf("Fetch after invalidate: %v", err)
	}
	if v != "650 kcal" || calls.Load() != 1 {
		t.Fatalf("value=%q fetch calls=%d, want fresh value from 1 fetch", v, calls.Load())
	}

	// Invalidation for another user leaves an in-flight fetch alone.
	started2 := make(chan struct{})
	release2 := make(chan struct{})
	go func() {
		_, _ = Fetch(ctx, c, "get_recent_meals", map[string]any{"user_id": "u2"}, func(context.Context) (string, error) {
			close(started2)
			<-release2
			return "meals", nil
		})
		done <- "ok"
	}()
	<-started2
	c.Invalidate("", "u1")
	close(release2)
	<-done
	if v, _ := Fetch(ctx, c, "get_recent_meals", map[string]any{"user_id": "u2"}, func(context.Context) (string, error) {
		return "refetched", nil
	}); v != "meals" {
		t.Fatalf("u2 value=%q, want cached meals", v)
	}
}
