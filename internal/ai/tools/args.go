package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Argument structs. Field tags drive the reflected schema sent to the model,
// so descriptions avoid commas (they separate jsonschema tag options).

type ProfileArgs struct{}

func (ProfileArgs) Validate() error { return nil }

type ProgramsArgs struct{}

func (ProgramsArgs) Validate() error { return nil }

type DailyNutritionArgs struct {
	Date string `json:"date,omitempty" jsonschema:"description=Local date as YYYY-MM-DD or today or yesterday. Defaults to today"`
}

func (a *DailyNutritionArgs) Validate() error {
	a.Date = strings.TrimSpace(a.Date)
	if a.Date == "" || strings.EqualFold(a.Date, "today") || strings.EqualFold(a.Date, "yesterday") {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, a.Date); err != nil {
		return invalidArgs(fmt.Sprintf("invalid date %q", a.Date), "Use YYYY-MM-DD.")
	}
	return nil
}

type RangeArgs struct {
	Days  int `json:"days,omitempty" jsonschema:"description=How many days back to look. Defaults to 7,minimum=1,maximum=365"`
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum number of records. Defaults to 50,minimum=1,maximum=200"`
}

func (a *RangeArgs) Validate() error {
	if a.Days < 0 || a.Days > 365 {
		return invalidArgs(fmt.Sprintf("invalid days %d", a.Days), "Use a value between 1 and 365.")
	}
	if a.Limit < 0 || a.Limit > 200 {
		return invalidArgs(fmt.Sprintf("invalid limit %d", a.Limit), "Use a value between 1 and 200.")
	}
	return nil
}

type MeasurementsArgs struct {
	Kind  string `json:"kind,omitempty" jsonschema:"description=Measurement kind such as weight or waist or body_fat. Empty returns all kinds"`
	Days  int    `json:"days,omitempty" jsonschema:"description=How many days back to look. Defaults to 7,minimum=1,maximum=365"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of records. Defaults to 50,minimum=1,maximum=200"`
}

func (a *MeasurementsArgs) Validate() error {
	a.Kind = normalizeKind(a.Kind)
	r := RangeArgs{Days: a.Days, Limit: a.Limit}
	return r.Validate()
}

type SearchArgs struct {
	Query string `json:"query" jsonschema:"description=What to look for in the user's logged entries"`
	Days  int    `json:"days,omitempty" jsonschema:"description=How many days back to search. Defaults to 7,minimum=1,maximum=365"`
}

func (a *SearchArgs) Validate() error {
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return invalidArgs("missing query")
	}
	if a.Days < 0 || a.Days > 365 {
		return invalidArgs(fmt.Sprintf("invalid days %d", a.Days))
	}
	return nil
}

type FoodReferenceArgs struct {
	Name  string `json:"name" jsonschema:"description=Food name to look up in the reference table"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of matches. Defaults to 5,minimum=1,maximum=50"`
}

func (a *FoodReferenceArgs) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return invalidArgs("missing name")
	}
	if a.Limit < 0 || a.Limit > 50 {
		return invalidArgs(fmt.Sprintf("invalid limit %d", a.Limit))
	}
	if a.Limit == 0 {
		a.Limit = 5
	}
	return nil
}

type SearchContextArgs struct {
	Query     string `json:"query" jsonschema:"description=The question to gather background for"`
	MaxTokens int    `json:"max_tokens,omitempty" jsonschema:"description=Size budget of the returned context in tokens,minimum=50,maximum=4000"`
}

func (a *SearchContextArgs) Validate() error {
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return invalidArgs("missing query")
	}
	if a.MaxTokens < 0 || a.MaxTokens > 4000 {
		return invalidArgs(fmt.Sprintf("invalid max_tokens %d", a.MaxTokens))
	}
	return nil
}

type MealItemArgs struct {
	Name     string  `json:"name" jsonschema:"description=Food name"`
	Quantity float64 `json:"quantity,omitempty" jsonschema:"description=Amount eaten in unit"`
	Unit     string  `json:"unit,omitempty" jsonschema:"description=Unit for quantity such as g or ml or piece"`
	Calories float64 `json:"calories" jsonschema:"description=Energy in kcal,minimum=0"`
	ProteinG float64 `json:"protein_g,omitempty" jsonschema:"minimum=0"`
	CarbsG   float64 `json:"carbs_g,omitempty" jsonschema:"minimum=0"`
	FatG     float64 `json:"fat_g,omitempty" jsonschema:"minimum=0"`
}

type LogMealArgs struct {
	MealType string         `json:"meal_type,omitempty" jsonschema:"enum=breakfast,enum=lunch,enum=dinner,enum=snack"`
	EatenAt  string         `json:"eaten_at,omitempty" jsonschema:"description=RFC 3339 timestamp or YYYY-MM-DD HH:MM in the user's timezone. Defaults to now"`
	Items    []MealItemArgs `json:"items" jsonschema:"description=One entry per food eaten,minItems=1,maxItems=20"`
	Notes    string         `json:"notes,omitempty"`
}

var mealTypes = map[string]bool{"": true, "breakfast": true, "lunch": true, "dinner": true, "snack": true}

func (a *LogMealArgs) Validate() error {
	a.MealType = strings.ToLower(strings.TrimSpace(a.MealType))
	if !mealTypes[a.MealType] {
		return invalidArgs(fmt.Sprintf("invalid meal_type %q", a.MealType), "Use breakfast or lunch or dinner or snack.")
	}
	if len(a.Items) == 0 {
		return invalidArgs("missing items", "Pass at least one item with a name and calories.")
	}
	if len(a.Items) > 20 {
		return invalidArgs(fmt.Sprintf("too many items (%d)", len(a.Items)))
	}
	for i := range a.Items {
		it := &a.Items[i]
		it.Name = strings.TrimSpace(it.Name)
		it.Unit = strings.TrimSpace(it.Unit)
		if it.Name == "" {
			return invalidArgs(fmt.Sprintf("missing name for item %d", i))
		}
		if badNumber(it.Quantity, it.Calories, it.ProteinG, it.CarbsG, it.FatG) {
			return invalidArgs(fmt.Sprintf("invalid nutrition values for %q", it.Name), "Amounts must be non-negative numbers.")
		}
	}
	a.Notes = strings.TrimSpace(a.Notes)
	return nil
}

type LogActivityArgs struct {
	Kind        string  `json:"kind" jsonschema:"description=Activity such as run or strength or cycling or yoga"`
	DurationMin float64 `json:"duration_min,omitempty" jsonschema:"minimum=0"`
	DistanceKm  float64 `json:"distance_km,omitempty" jsonschema:"minimum=0"`
	Calories    float64 `json:"calories,omitempty" jsonschema:"description=Estimated energy burned in kcal,minimum=0"`
	Intensity   string  `json:"intensity,omitempty" jsonschema:"enum=easy,enum=moderate,enum=hard"`
	PerformedAt string  `json:"performed_at,omitempty" jsonschema:"description=RFC 3339 timestamp or YYYY-MM-DD HH:MM in the user's timezone. Defaults to now"`
	Notes       string  `json:"notes,omitempty"`
}

var intensities = map[string]bool{"": true, "easy": true, "moderate": true, "hard": true}

func (a *LogActivityArgs) Validate() error {
	a.Kind = normalizeKind(a.Kind)
	if a.Kind == "" {
		return invalidArgs("missing kind")
	}
	a.Intensity = strings.ToLower(strings.TrimSpace(a.Intensity))
	if !intensities[a.Intensity] {
		return invalidArgs(fmt.Sprintf("invalid intensity %q", a.Intensity), "Use easy or moderate or hard.")
	}
	if badNumber(a.DurationMin, a.DistanceKm, a.Calories) {
		return invalidArgs("invalid activity values", "Amounts must be non-negative numbers.")
	}
	if a.DurationMin == 0 && a.DistanceKm == 0 {
		return invalidArgs("missing duration_min or distance_km")
	}
	a.Notes = strings.TrimSpace(a.Notes)
	return nil
}

type LogMeasurementArgs struct {
	Kind       string  `json:"kind" jsonschema:"description=Measurement kind such as weight or waist or body_fat"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty" jsonschema:"description=Unit such as kg or lb or cm or %"`
	MeasuredAt string  `json:"measured_at,omitempty" jsonschema:"description=RFC 3339 timestamp or YYYY-MM-DD HH:MM in the user's timezone. Defaults to now"`
	Notes      string  `json:"notes,omitempty"`
}

func (a *LogMeasurementArgs) Validate() error {
	a.Kind = normalizeKind(a.Kind)
	if a.Kind == "" {
		return invalidArgs("missing kind")
	}
	if badNumber(a.Value) || a.Value == 0 {
		return invalidArgs(fmt.Sprintf("invalid value for %s", a.Kind), "Pass the positive reading as a number.")
	}
	a.Unit = strings.TrimSpace(a.Unit)
	a.Notes = strings.TrimSpace(a.Notes)
	return nil
}

type validator interface {
	Validate() error
}

// decodeArgs parses model-supplied JSON into T and validates it. Empty
// input decodes as an empty object.
func decodeArgs[T any, PT interface {
	*T
	validator
}](raw json.RawMessage) (T, error) {
	var out T
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, invalidArgs("invalid arguments: "+err.Error(), "Send a JSON object matching the tool schema.")
		}
	}
	if err := PT(&out).Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func normalizeKind(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "_")
}

func badNumber(vals ...float64) bool {
	for _, v := range vals {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

var whenLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02T15:04:05", time.DateOnly}

// parseWhen resolves a user-facing timestamp; empty or "now" means now.
// Date-only values land at noon local time.
func parseWhen(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range whenLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if layout == time.DateOnly {
			t = t.Add(12 * time.Hour)
		}
		return t, nil
	}
	return time.Time{}, invalidArgs(fmt.Sprintf("invalid timestamp %q", s), "Use RFC 3339 or YYYY-MM-DD HH:MM.")
}
