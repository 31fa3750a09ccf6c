// Package data serves the read-only coaching queries shared by tools and
// context assembly. Every query goes through the capability cache under its
// tool operation name.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/ai/cache"
	"github.com/floegence/coach-agent/internal/ai/embed"
	"github.com/floegence/coach-agent/internal/store"
)

// Operation names. They double as tool names and cache key prefixes.
const (
	OpUserProfile      = "get_user_profile"
	OpActivePrograms   = "get_active_programs"
	OpDailyNutrition   = "get_daily_nutrition"
	OpRecentMeals      = "get_recent_meals"
	OpRecentActivities = "get_recent_activities"
	OpMeasurements     = "get_measurements"
	OpSearchEntries    = "search_entries"
	OpSearchHistory    = "search_history"
	OpFoodReference    = "get_food_reference"
)

// DefaultTTLs is the volatility table for the read operations.
var DefaultTTLs = map[string]time.Duration{
	OpUserProfile:      cache.TTLProfile,
	OpActivePrograms:   cache.TTLProfile,
	OpDailyNutrition:   cache.TTLDaily,
	OpRecentMeals:      cache.TTLDaily,
	OpRecentActivities: cache.TTLDaily,
	OpMeasurements:     cache.TTLMeasure,
	OpSearchEntries:    cache.TTLSearch,
	OpSearchHistory:    cache.TTLSearch,
	OpFoodReference:    cache.TTLReference,
}

const (
	defaultListLimit   = 50
	defaultSearchLimit = 5
	defaultThreshold   = 0.7
)

// Store is the subset of the persistent store used for reads.
type Store interface {
	store.Table
	GetUser(ctx context.Context, userID string) (store.User, error)
	ActivePrograms(ctx context.Context, userID string) ([]store.Program, error)
	MealsBetween(ctx context.Context, userID string, fromUnixMs int64, toUnixMs int64, limit int) ([]store.MealItem, error)
	DailyNutrition(ctx context.Context, userID string, day time.Time, loc *time.Location) (store.NutritionTotals, error)
	ActivitiesSince(ctx context.Context, userID string, sinceUnixMs int64, limit int) ([]store.Activity, error)
	MeasurementsSince(ctx context.Context, userID string, kind string, sinceUnixMs int64, limit int) ([]store.Measurement, error)
	SearchFoods(ctx context.Context, name string, limit int) ([]store.Food, error)
	RecentMessages(ctx context.Context, userID string, conversationID string, limit int) ([]store.Message, error)
	SearchEmbeddings(ctx context.Context, query []float32, f store.EmbeddingFilter, threshold float64, limit int) ([]store.ScoredEmbedding, error)
}

type Options struct {
	Store Store
	Cache *cache.Cache
	// Embedder may be nil; entry search then falls back to substring matching.
	Embedder            embed.Embedder
	SimilarityThreshold float64
	SearchLimit         int
	Location            *time.Location
	Now                 func() time.Time
	Logger              *slog.Logger
}

type Reader struct {
	store     Store
	cache     *cache.Cache
	embedder  embed.Embedder
	threshold float64
	limit     int
	loc       *time.Location
	now       func() time.Time
	log       *slog.Logger
}

// Hit is one free-text search result.
type Hit struct {
	Kind            string  `json:"kind"`
	RefID           string  `json:"ref_id"`
	Content         string  `json:"content"`
	Similarity      float64 `json:"similarity,omitempty"`
	CreatedAtUnixMs int64   `json:"created_at_unix_ms"`
}

func New(opts Options) (*Reader, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	r := &Reader{
		store:     opts.Store,
		cache:     opts.Cache,
		embedder:  opts.Embedder,
		threshold: opts.SimilarityThreshold,
		limit:     opts.SearchLimit,
		loc:       opts.Location,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if r.threshold <= 0 {
		r.threshold = defaultThreshold
	}
	if r.limit <= 0 {
		r.limit = defaultSearchLimit
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	for op, ttl := range DefaultTTLs {
		r.cache.SetTTL(op, ttl)
	}
	return r, nil
}

// HasEmbedder reports whether similarity search is available.
func (r *Reader) HasEmbedder() bool { return r != nil && r.embedder != nil }

func (r *Reader) Profile(ctx context.Context, userID string) (store.User, error) {
	return cache.Fetch(ctx, r.cache, OpUserProfile, map[string]any{"user_id": userID}, func(ctx context.Context) (store.User, error) {
		return r.store.GetUser(ctx, userID)
	})
}

func (r *Reader) ActivePrograms(ctx context.Context, userID string) ([]store.Program, error) {
	return cache.Fetch(ctx, r.cache, OpActivePrograms, map[string]any{"user_id": userID}, func(ctx context.Context) ([]store.Program, error) {
		return r.store.ActivePrograms(ctx, userID)
	})
}

// DailyNutrition totals the given local date ("2006-01-02"); empty means today.
func (r *Reader) DailyNutrition(ctx context.Context, userID string, date string) (store.NutritionTotals, error) {
	day, err := r.parseDay(date)
	if err != nil {
		return store.NutritionTotals{}, err
	}
	key := day.Format(time.DateOnly)
	return cache.Fetch(ctx, r.cache, OpDailyNutrition, map[string]any{"user_id": userID, "date": key}, func(ctx context.Context) (store.NutritionTotals, error) {
		return r.store.DailyNutrition(ctx, userID, day, r.loc)
	})
}

func (r *Reader) RecentMeals(ctx context.Context, userID string, days int, limit int) ([]store.MealItem, error) {
	days, limit = clampDays(days), clampLimit(limit)
	return cache.Fetch(ctx, r.cache, OpRecentMeals, map[string]any{"user_id": userID, "days": days, "limit": limit}, func(ctx context.Context) ([]store.MealItem, error) {
		now := r.now()
		return r.store.MealsBetween(ctx, userID, r.since(days), now.UnixMilli()+1, limit)
	})
}

func (r *Reader) RecentActivities(ctx context.Context, userID string, days int, limit int) ([]store.Activity, error) {
	days, limit = clampDays(days), clampLimit(limit)
	return cache.Fetch(ctx, r.cache, OpRecentActivities, map[string]any{"user_id": userID, "days": days, "limit": limit}, func(ctx context.Context) ([]store.Activity, error) {
		return r.store.ActivitiesSince(ctx, userID, r.since(days), limit)
	})
}

func (r *Reader) Measurements(ctx context.Context, userID string, kind string, days int, limit int) ([]store.Measurement, error) {
	days, limit = clampDays(days), clampLimit(limit)
	kind = strings.ToLower(strings.TrimSpace(kind))
	return cache.Fetch(ctx, r.cache, OpMeasurements, map[string]any{"user_id": userID, "kind": kind, "days": days, "limit": limit}, func(ctx context.Context) ([]store.Measurement, error) {
		return r.store.MeasurementsSince(ctx, userID, kind, r.since(days), limit)
	})
}

func (r *Reader) FoodReference(ctx context.Context, name string, limit int) ([]store.Food, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	limit = clampLimit(limit)
	return cache.Fetch(ctx, r.cache, OpFoodReference, map[string]any{"name": name, "limit": limit}, func(ctx context.Context) ([]store.Food, error) {
		return r.store.SearchFoods(ctx, name, limit)
	})
}

// SearchEntries finds logged meals, activities and measurements matching a
// free-text query. With an embedder it ranks by similarity; otherwise it
// matches substrings of names and notes.
func (r *Reader) SearchEntries(ctx context.Context, userID string, query string, days int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing query")
	}
	days = clampDays(days)
	return cache.Fetch(ctx, r.cache, OpSearchEntries, map[string]any{"user_id": userID, "query": query, "days": days}, func(ctx context.Context) ([]Hit, error) {
		if r.embedder == nil {
			return r.searchEntriesByText(ctx, userID, query, days)
		}
		return r.searchEmbeddings(ctx, query, store.EmbeddingFilter{
			Kind:        store.EmbeddingKindEntry,
			UserID:      userID,
			SinceUnixMs: r.since(days),
		})
	})
}

// SearchHistory finds earlier conversation messages related to query across
// the user's conversations. Without an embedder it returns the latest
// messages of conversationID.
func (r *Reader) SearchHistory(ctx context.Context, userID string, conversationID string, query string) ([]Hit, error) {
	query = strings.TrimSpace(query)
	return cache.Fetch(ctx, r.cache, OpSearchHistory, map[string]any{"user_id": userID, "conversation_id": conversationID, "query": query}, func(ctx context.Context) ([]Hit, error) {
		if r.embedder == nil || query == "" {
			if strings.TrimSpace(conversationID) == "" {
				return nil, nil
			}
			msgs, err := r.store.RecentMessages(ctx, userID, conversationID, r.limit)
			if err != nil {
				return nil, err
			}
			out := make([]Hit, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, Hit{Kind: store.EmbeddingKindMessage, RefID: m.MessageID, Content: m.Role + ": " + m.Content, CreatedAtUnixMs: m.CreatedAtUnixMs})
			}
			return out, nil
		}
		return r.searchEmbeddings(ctx, query, store.EmbeddingFilter{Kind: store.EmbeddingKindMessage, UserID: userID})
	})
}

func (r *Reader) searchEmbeddings(ctx context.Context, query string, f store.EmbeddingFilter) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	rows, err := r.store.SearchEmbeddings(ctx, vec, f, r.threshold, r.limit)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(rows))
	for _, row := range rows {
		out = append(out, Hit{Kind: row.Kind, RefID: row.RefID, Content: row.Content, Similarity: row.Similarity, CreatedAtUnixMs: row.CreatedAtUnixMs})
	}
	return out, nil
}

func (r *Reader) searchEntriesByText(ctx context.Context, userID string, query string, days int) ([]Hit, error) {
	since := r.since(days)
	type source struct {
		table   string
		textCol string
		timeCol string
		idCol   string
		render  func(store.Row) string
	}
	sources := []source{
		{table: "meals", textCol: "name", timeCol: "eaten_at_unix_ms", idCol: "meal_id", render: func(row store.Row) string {
			return fmt.Sprintf("meal: %s (%.0f kcal)", row.Text("name"), row.Float("calories"))
		}},
		{table: "activities", textCol: "kind", timeCol: "performed_at_unix_ms", idCol: "activity_id", render: func(row store.Row) string {
			return fmt.Sprintf("activity: %s %.0f min", row.Text("kind"), row.Float("duration_min"))
		}},
		{table: "measurements", textCol: "kind", timeCol: "measured_at_unix_ms", idCol: "measurement_id", render: func(row store.Row) string {
			return fmt.Sprintf("measurement: %s %.1f %s", row.Text("kind"), row.Float("value"), row.Text("unit"))
		}},
	}
	var out []Hit
	for _, src := range sources {
		for _, col := range []string{src.textCol, "notes"} {
			rows, err := r.store.Select(ctx, src.table, store.Query{
				Filters: []store.Filter{store.Eq("user_id", userID), store.Gte(src.timeCol, since), store.Like(col, query)},
				Order:   []store.Order{{Column: src.timeCol, Desc: true}},
				Limit:   r.limit,
			})
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				out = append(out, Hit{Kind: store.EmbeddingKindEntry, RefID: row.Text(src.idCol), Content: src.render(row), CreatedAtUnixMs: row.Int64(src.timeCol)})
			}
		}
	}
	out = dedupeHits(out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtUnixMs > out[j].CreatedAtUnixMs })
	if len(out) > r.limit {
		out = out[:r.limit]
	}
	return out, nil
}

func dedupeHits(in []Hit) []Hit {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, h := range in {
		if _, ok := seen[h.RefID]; ok {
			continue
		}
		seen[h.RefID] = struct{}{}
		out = append(out, h)
	}
	return out
}

func (r *Reader) since(days int) int64 {
	return r.now().AddDate(0, 0, -days).UnixMilli()
}

func (r *Reader) parseDay(date string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" || strings.EqualFold(date, "today") {
		return r.now().In(r.loc), nil
	}
	if strings.EqualFold(date, "yesterday") {
		return r.now().In(r.loc).AddDate(0, 0, -1), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, date, r.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", date)
	}
	return day, nil
}

// Location is the timezone used for day boundaries.
func (r *Reader) Location() *time.Location { return r.loc }

// Now is the reader's clock.
func (r *Reader) Now() time.Time { return r.now() }

func clampDays(days int) int {
	switch {
	case days <= 0:
		return 7
	case days > 365:
		return 365
	}
	return days
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > 200:
		return 200
	}
	return limit
}
