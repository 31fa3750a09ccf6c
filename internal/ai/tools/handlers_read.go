package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/floegence/coach-agent/internal/ai/data"
	"github.com/floegence/coach-agent/internal/ai/rag"
	"github.com/floegence/coach-agent/internal/store"
)

func (r *Registry) getProfile(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	if _, err := decodeArgs[ProfileArgs](raw); err != nil {
		return Output{}, err
	}
	u, err := r.reader.Profile(ctx, inv.UserID)
	if err != nil {
		return Output{}, err
	}
	return Output{Data: u}, nil
}

func (r *Registry) getPrograms(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	if _, err := decodeArgs[ProgramsArgs](raw); err != nil {
		return Output{}, err
	}
	ps, err := r.reader.ActivePrograms(ctx, inv.UserID)
	if err != nil {
		return Output{}, err
	}
	if ps == nil {
		ps = []store.Program{}
	}
	return Output{Data: map[string]any{"programs": ps, "count": len(ps)}}, nil
}

func (r *Registry) getDailyNutrition(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[DailyNutritionArgs](raw)
	if err != nil {
		return Output{}, err
	}
	totals, err := r.reader.DailyNutrition(ctx, inv.UserID, args.Date)
	if err != nil {
		return Output{}, err
	}
	return Output{Data: totals, Summary: fmt.Sprintf("%.0f kcal on %s", totals.Calories, totals.Date)}, nil
}

func (r *Registry) getRecentMeals(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[RangeArgs](raw)
	if err != nil {
		return Output{}, err
	}
	meals, err := r.reader.RecentMeals(ctx, inv.UserID, args.Days, args.Limit)
	if err != nil {
		return Output{}, err
	}
	if meals == nil {
		meals = []store.MealItem{}
	}
	var kcal float64
	for _, m := range meals {
		kcal += m.Calories
	}
	return Output{Data: map[string]any{
		"days":           daysOrDefault(args.Days),
		"count":          len(meals),
		"total_calories": kcal,
		"items":          meals,
	}}, nil
}

func (r *Registry) getRecentActivities(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[RangeArgs](raw)
	if err != nil {
		return Output{}, err
	}
	acts, err := r.reader.RecentActivities(ctx, inv.UserID, args.Days, args.Limit)
	if err != nil {
		return Output{}, err
	}
	if acts == nil {
		acts = []store.Activity{}
	}
	var minutes float64
	for _, a := range acts {
		minutes += a.DurationMin
	}
	return Output{Data: map[string]any{
		"days":          daysOrDefault(args.Days),
		"count":         len(acts),
		"total_minutes": minutes,
		"activities":    acts,
	}}, nil
}

type measurementTrend struct {
	Latest   float64 `json:"latest"`
	Earliest float64 `json:"earliest"`
	Change   float64 `json:"change"`
	Unit     string  `json:"unit,omitempty"`
	Readings int     `json:"readings"`
}

func (r *Registry) getMeasurements(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[MeasurementsArgs](raw)
	if err != nil {
		return Output{}, err
	}
	ms, err := r.reader.Measurements(ctx, inv.UserID, args.Kind, args.Days, args.Limit)
	if err != nil {
		return Output{}, err
	}
	if ms == nil {
		ms = []store.Measurement{}
	}
	return Output{Data: map[string]any{
		"days":         daysOrDefault(args.Days),
		"count":        len(ms),
		"trend":        trends(ms),
		"measurements": ms,
	}}, nil
}

// trends summarizes readings per kind, oldest to newest.
func trends(ms []store.Measurement) map[string]measurementTrend {
	sorted := append([]store.Measurement(nil), ms...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MeasuredAtUnixMs < sorted[j].MeasuredAtUnixMs })
	out := make(map[string]measurementTrend)
	for _, m := range sorted {
		t, ok := out[m.Kind]
		if !ok {
			t.Earliest = m.Value
		}
		t.Latest = m.Value
		t.Change = t.Latest - t.Earliest
		t.Unit = m.Unit
		t.Readings++
		out[m.Kind] = t
	}
	return out
}

func (r *Registry) searchEntries(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[SearchArgs](raw)
	if err != nil {
		return Output{}, err
	}
	hits, err := r.reader.SearchEntries(ctx, inv.UserID, args.Query, args.Days)
	if err != nil {
		return Output{}, err
	}
	if hits == nil {
		hits = []data.Hit{}
	}
	return Output{Data: map[string]any{"query": args.Query, "count": len(hits), "hits": hits}}, nil
}

func (r *Registry) getFoodReference(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[FoodReferenceArgs](raw)
	if err != nil {
		return Output{}, err
	}
	foods, err := r.reader.FoodReference(ctx, args.Name, args.Limit)
	if err != nil {
		return Output{}, err
	}
	if foods == nil {
		foods = []store.Food{}
	}
	return Output{Data: map[string]any{"name": args.Name, "count": len(foods), "foods": foods}}, nil
}

func (r *Registry) searchContext(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[SearchContextArgs](raw)
	if err != nil {
		return Output{}, err
	}
	b, err := r.builder.Build(ctx, rag.Request{
		UserID:         inv.UserID,
		ConversationID: inv.ConversationID,
		Query:          args.Query,
		MaxTokens:      args.MaxTokens,
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Data: b, Summary: fmt.Sprintf("context from %d sources", len(b.SourcesUsed))}, nil
}

func daysOrDefault(days int) int {
	if days <= 0 {
		return 7
	}
	return days
}
