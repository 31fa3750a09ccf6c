package data

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/floegence/coach-agent/internal/ai/cache"
	"github.com/floegence/coach-agent/internal/store"
)

func newTestReader(t *testing.T, now time.Time) (*Reader, *store.Store, *cache.Cache) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "coach.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(cache.Options{Now: func() time.Time { return now }, Logger: logger})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	r, err := New(Options{Store: s, Cache: c, Location: time.UTC, Now: func() time.Time { return now }, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, s, c
}

func TestReader_CachesByOperation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	r, s, c := newTestReader(t, now)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, store.User{UserID: "u1", DisplayName: "Ana", Goal: "lose fat"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	if c.TTL(OpFoodReference) != cache.TTLReference || c.TTL(OpSearchEntries) != cache.TTLSearch {
		t.Fatalf("operation TTLs not registered")
	}

	u, err := r.Profile(ctx, "u1")
	if err != nil || u.Goal != "lose fat" {
		t.Fatalf("Profile=%+v err=%v", u, err)
	}
	// A write behind the cache is invisible until invalidation.
	if err := s.UpsertUser(ctx, store.User{UserID: "u1", DisplayName: "Ana", Goal: "build muscle"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u, _ = r.Profile(ctx, "u1")
	if u.Goal != "lose fat" {
		t.Fatalf("goal=%q, want cached value", u.Goal)
	}
	if n := c.Invalidate("", "u1"); n != 1 {
		t.Fatalf("invalidated=%d, want 1", n)
	}
	u, _ = r.Profile(ctx, "u1")
	if u.Goal != "build muscle" {
		t.Fatalf("goal=%q after invalidation", u.Goal)
	}
}

func TestReader_SearchEntriesWithoutEmbedder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	r, s, _ := newTestReader(t, now)
	ctx := context.Background()

	if _, err := s.InsertMealItems(ctx, []store.MealItem{
		{UserID: "u1", Name: "Greek yogurt", Calories: 100, EatenAtUnixMs: now.Add(-time.Hour).UnixMilli()},
		{UserID: "u1", Name: "toast", Notes: "with greek honey", Calories: 120, EatenAtUnixMs: now.Add(-2 * time.Hour).UnixMilli()},
		{UserID: "u1", Name: "greek salad", Calories: 300, EatenAtUnixMs: now.AddDate(0, 0, -40).UnixMilli()},
		{UserID: "u2", Name: "greek yogurt", Calories: 100, EatenAtUnixMs: now.Add(-time.Hour).UnixMilli()},
	}); err != nil {
		t.Fatalf("InsertMealItems: %v", err)
	}

	hits, err := r.SearchEntries(ctx, "u1", "greek", 30)
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits=%+v, want 2 within 30 days for u1", hits)
	}
	if hits[0].Content != "meal: Greek yogurt (100 kcal)" {
		t.Fatalf("hits[0]=%q", hits[0].Content)
	}
	if _, err := r.SearchEntries(ctx, "u1", "  ", 7); err == nil {
		t.Fatalf("expected missing query error")
	}
}

func TestReader_DailyNutritionDates(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)
	r, s, _ := newTestReader(t, now)
	ctx := context.Background()
	if _, err := s.InsertMealItems(ctx, []store.MealItem{{UserID: "u1", Name: "rice", Calories: 200, EatenAtUnixMs: now.AddDate(0, 0, -1).UnixMilli()}}); err != nil {
		t.Fatalf("InsertMealItems: %v", err)
	}

	for _, date := range []string{"yesterday", "2026-05-01"} {
		got, err := r.DailyNutrition(ctx, "u1", date)
		if err != nil {
			t.Fatalf("DailyNutrition(%q): %v", date, err)
		}
		if got.Calories != 200 || got.Date != "2026-05-01" {
			t.Fatalf("DailyNutrition(%q)=%+v", date, got)
		}
	}
	if _, err := r.DailyNutrition(ctx, "u1", "May 1st"); err == nil {
		t.Fatalf("expected invalid date error")
	}
}
