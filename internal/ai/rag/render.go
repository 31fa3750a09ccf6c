package rag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/ai/data"
	"github.com/floegence/coach-agent/internal/store"
)

func domainLabel(domain string, days int) string {
	switch domain {
	case DomainProfile:
		return "Profile"
	case DomainPrograms:
		return "Active programs"
	case DomainNutrition:
		return fmt.Sprintf("Nutrition (last %d days)", days)
	case DomainTraining:
		return fmt.Sprintf("Training (last %d days)", days)
	case DomainMeasurements:
		return fmt.Sprintf("Measurements (last %d days)", days)
	case DomainEntries:
		return "Related log entries"
	case DomainHistory:
		return "Earlier conversation"
	}
	return domain
}

func renderProfile(u store.User) string {
	var parts []string
	if u.DisplayName != "" {
		parts = append(parts, "name: "+u.DisplayName)
	}
	if u.Goal != "" {
		parts = append(parts, "goal: "+u.Goal)
	}
	if u.DailyCalorieTarget > 0 {
		parts = append(parts, fmt.Sprintf("daily calorie target: %.0f kcal", u.DailyCalorieTarget))
	}
	if u.DailyProteinTargetG > 0 {
		parts = append(parts, fmt.Sprintf("daily protein target: %.0f g", u.DailyProteinTargetG))
	}
	if u.WeightUnit != "" {
		parts = append(parts, "weight unit: "+u.WeightUnit)
	}
	if u.Locale != "" {
		parts = append(parts, "language: "+u.Locale)
	}
	return strings.Join(parts, "\n")
}

func renderPrograms(ps []store.Program) string {
	lines := make([]string, 0, len(ps))
	for _, p := range ps {
		line := fmt.Sprintf("- [%s] %s", p.Kind, p.Title)
		if d := strings.TrimSpace(p.Details); d != "" {
			line += ": " + d
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderNutrition(today store.NutritionTotals, meals []store.MealItem, loc *time.Location) string {
	var lines []string
	if today.ItemCount > 0 {
		lines = append(lines, fmt.Sprintf("today (%s): %.0f kcal, %.0f g protein, %.0f g carbs, %.0f g fat across %d items",
			today.Date, today.Calories, today.ProteinG, today.CarbsG, today.FatG, today.ItemCount))
	}
	for _, m := range meals {
		line := fmt.Sprintf("- %s", formatDay(m.EatenAtUnixMs, loc))
		if m.MealType != "" {
			line += " " + m.MealType
		}
		line += fmt.Sprintf(": %s %.0f kcal (P %.0f / C %.0f / F %.0f)", m.Name, m.Calories, m.ProteinG, m.CarbsG, m.FatG)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderActivities(acts []store.Activity, loc *time.Location) string {
	lines := make([]string, 0, len(acts))
	for _, a := range acts {
		line := fmt.Sprintf("- %s: %s", formatDay(a.PerformedAtUnixMs, loc), a.Kind)
		if a.DurationMin > 0 {
			line += fmt.Sprintf(" %.0f min", a.DurationMin)
		}
		if a.DistanceKm > 0 {
			line += fmt.Sprintf(" %.1f km", a.DistanceKm)
		}
		if a.Intensity != "" {
			line += " (" + a.Intensity + ")"
		}
		if a.Notes != "" {
			line += ", " + a.Notes
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// renderMeasurements groups by kind and reports latest value plus the change
// over the window.
func renderMeasurements(ms []store.Measurement, loc *time.Location) string {
	byKind := make(map[string][]store.Measurement)
	for _, m := range ms {
		byKind[m.Kind] = append(byKind[m.Kind], m)
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	lines := make([]string, 0, len(kinds))
	for _, k := range kinds {
		list := byKind[k]
		sort.Slice(list, func(i, j int) bool { return list[i].MeasuredAtUnixMs > list[j].MeasuredAtUnixMs })
		latest, oldest := list[0], list[len(list)-1]
		line := fmt.Sprintf("- %s: %.1f %s on %s", k, latest.Value, latest.Unit, formatDay(latest.MeasuredAtUnixMs, loc))
		if len(list) > 1 {
			line += fmt.Sprintf(" (%+.1f since %s, %d readings)", latest.Value-oldest.Value, formatDay(oldest.MeasuredAtUnixMs, loc), len(list))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderHits(hits []data.Hit) string {
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		c := strings.TrimSpace(h.Content)
		if c == "" {
			continue
		}
		lines = append(lines, "- "+c)
	}
	return strings.Join(lines, "\n")
}

func formatDay(unixMs int64, loc *time.Location) string {
	return time.UnixMilli(unixMs).In(loc).Format("Mon 2006-01-02")
}
