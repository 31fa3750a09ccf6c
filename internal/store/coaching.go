package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type User struct {
	UserID              string  `json:"user_id"`
	DisplayName         string  `json:"display_name,omitempty"`
	AutoSave            bool    `json:"auto_save"`
	Goal                string  `json:"goal,omitempty"`
	DailyCalorieTarget  float64 `json:"daily_calorie_target,omitempty"`
	DailyProteinTargetG float64 `json:"daily_protein_target_g,omitempty"`
	WeightUnit          string  `json:"weight_unit,omitempty"`
	Locale              string  `json:"locale,omitempty"`
	CreatedAtUnixMs     int64   `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64   `json:"updated_at_unix_ms"`
}

type Program struct {
	ProgramID       string `json:"program_id"`
	UserID          string `json:"user_id"`
	Kind            string `json:"kind"`
	Title           string `json:"title"`
	Details         string `json:"details,omitempty"`
	Active          bool   `json:"active"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	EndedAtUnixMs   int64  `json:"ended_at_unix_ms,omitempty"`
}

// MealItem is one food in a logged meal. Items logged together share LogID.
type MealItem struct {
	MealID          string  `json:"meal_id"`
	LogID           string  `json:"log_id"`
	UserID          string  `json:"user_id"`
	MealType        string  `json:"meal_type,omitempty"`
	Name            string  `json:"name"`
	Quantity        float64 `json:"quantity,omitempty"`
	Unit            string  `json:"unit,omitempty"`
	Calories        float64 `json:"calories"`
	ProteinG        float64 `json:"protein_g"`
	CarbsG          float64 `json:"carbs_g"`
	FatG            float64 `json:"fat_g"`
	Notes           string  `json:"notes,omitempty"`
	EatenAtUnixMs   int64   `json:"eaten_at_unix_ms"`
	CreatedAtUnixMs int64   `json:"created_at_unix_ms"`
}

type Activity struct {
	ActivityID        string  `json:"activity_id"`
	UserID            string  `json:"user_id"`
	Kind              string  `json:"kind"`
	DurationMin       float64 `json:"duration_min,omitempty"`
	DistanceKm        float64 `json:"distance_km,omitempty"`
	Calories          float64 `json:"calories,omitempty"`
	Intensity         string  `json:"intensity,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	PerformedAtUnixMs int64   `json:"performed_at_unix_ms"`
	CreatedAtUnixMs   int64   `json:"created_at_unix_ms"`
}

type Measurement struct {
	MeasurementID    string  `json:"measurement_id"`
	UserID           string  `json:"user_id"`
	Kind             string  `json:"kind"`
	Value            float64 `json:"value"`
	Unit             string  `json:"unit,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	MeasuredAtUnixMs int64   `json:"measured_at_unix_ms"`
	CreatedAtUnixMs  int64   `json:"created_at_unix_ms"`
}

// Food is static reference data, values per serving.
type Food struct {
	ID          string  `json:"food_id"`
	Name        string  `json:"name"`
	ServingQty  float64 `json:"serving_qty"`
	ServingUnit string  `json:"serving_unit"`
	Calories    float64 `json:"calories"`
	ProteinG    float64 `json:"protein_g"`
	CarbsG      float64 `json:"carbs_g"`
	FatG        float64 `json:"fat_g"`
}

type NutritionTotals struct {
	Date      string  `json:"date"`
	Calories  float64 `json:"calories"`
	ProteinG  float64 `json:"protein_g"`
	CarbsG    float64 `json:"carbs_g"`
	FatG      float64 `json:"fat_g"`
	ItemCount int     `json:"item_count"`
}

func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, errors.New("invalid request")
	}
	rows, err := s.Select(ctx, "users", Query{Filters: []Filter{Eq("user_id", userID)}, Limit: 1})
	if err != nil {
		return User{}, err
	}
	if len(rows) == 0 {
		return User{}, ErrNotFound
	}
	r := rows[0]
	return User{
		UserID:              r.Text("user_id"),
		DisplayName:         r.Text("display_name"),
		AutoSave:            r.Bool("auto_save"),
		Goal:                r.Text("goal"),
		DailyCalorieTarget:  r.Float("daily_calorie_target"),
		DailyProteinTargetG: r.Float("daily_protein_target_g"),
		WeightUnit:          r.Text("weight_unit"),
		Locale:              r.Text("locale"),
		CreatedAtUnixMs:     r.Int64("created_at_unix_ms"),
		UpdatedAtUnixMs:     r.Int64("updated_at_unix_ms"),
	}, nil
}

func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	u.UserID = strings.TrimSpace(u.UserID)
	if u.UserID == "" {
		return errors.New("invalid request")
	}
	if strings.TrimSpace(u.WeightUnit) == "" {
		u.WeightUnit = "kg"
	}
	if strings.TrimSpace(u.Locale) == "" {
		u.Locale = "en"
	}
	now := time.Now().UnixMilli()
	if u.CreatedAtUnixMs <= 0 {
		u.CreatedAtUnixMs = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(user_id, display_name, auto_save, goal, daily_calorie_target, daily_protein_target_g, weight_unit, locale, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  display_name = excluded.display_name,
  auto_save = excluded.auto_save,
  goal = excluded.goal,
  daily_calorie_target = excluded.daily_calorie_target,
  daily_protein_target_g = excluded.daily_protein_target_g,
  weight_unit = excluded.weight_unit,
  locale = excluded.locale,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, u.UserID, strings.TrimSpace(u.DisplayName), boolInt(u.AutoSave), strings.TrimSpace(u.Goal), u.DailyCalorieTarget, u.DailyProteinTargetG, u.WeightUnit, u.Locale, u.CreatedAtUnixMs, now)
	return err
}

// AutoSave reads the per-user save preference. Unknown users confirm first.
func (s *Store) AutoSave(ctx context.Context, userID string) (bool, error) {
	u, err := s.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.AutoSave, nil
}

func (s *Store) SetAutoSave(ctx context.Context, userID string, on bool) error {
	n, err := s.Update(ctx, "users", []Filter{Eq("user_id", strings.TrimSpace(userID))}, Row{
		"auto_save":          boolInt(on),
		"updated_at_unix_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AddProgram(ctx context.Context, p Program) (Program, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.Kind = strings.TrimSpace(p.Kind)
	p.Title = strings.TrimSpace(p.Title)
	if p.UserID == "" || p.Kind == "" || p.Title == "" {
		return Program{}, errors.New("invalid request")
	}
	if p.ProgramID == "" {
		p.ProgramID = NewID("prg_")
	}
	if p.StartedAtUnixMs <= 0 {
		p.StartedAtUnixMs = time.Now().UnixMilli()
	}
	err := s.Insert(ctx, "programs", Row{
		"program_id":         p.ProgramID,
		"user_id":            p.UserID,
		"kind":               p.Kind,
		"title":              p.Title,
		"details":            p.Details,
		"active":             boolInt(p.Active),
		"started_at_unix_ms": p.StartedAtUnixMs,
		"ended_at_unix_ms":   p.EndedAtUnixMs,
	})
	return p, err
}

func (s *Store) ActivePrograms(ctx context.Context, userID string) ([]Program, error) {
	rows, err := s.Select(ctx, "programs", Query{
		Filters: []Filter{Eq("user_id", strings.TrimSpace(userID)), Eq("active", 1)},
		Order:   []Order{{Column: "started_at_unix_ms", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Program, 0, len(rows))
	for _, r := range rows {
		out = append(out, Program{
			ProgramID:       r.Text("program_id"),
			UserID:          r.Text("user_id"),
			Kind:            r.Text("kind"),
			Title:           r.Text("title"),
			Details:         r.Text("details"),
			Active:          r.Bool("active"),
			StartedAtUnixMs: r.Int64("started_at_unix_ms"),
			EndedAtUnixMs:   r.Int64("ended_at_unix_ms"),
		})
	}
	return out, nil
}

// InsertMealItems persists all items atomically and returns them with ids set.
func (s *Store) InsertMealItems(ctx context.Context, items []MealItem) ([]MealItem, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if len(items) == 0 {
		return nil, errors.New("invalid request")
	}
	now := time.Now().UnixMilli()
	logID := NewID("log_")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]MealItem, 0, len(items))
	for _, it := range items {
		it.UserID = strings.TrimSpace(it.UserID)
		it.Name = strings.TrimSpace(it.Name)
		if it.UserID == "" || it.Name == "" {
			return nil, errors.New("invalid meal item")
		}
		if it.MealID == "" {
			it.MealID = NewID("meal_")
		}
		if it.LogID == "" {
			it.LogID = logID
		}
		if it.EatenAtUnixMs <= 0 {
			it.EatenAtUnixMs = now
		}
		it.CreatedAtUnixMs = now
		if err := insertRow(ctx, tx, "meals", Row{
			"meal_id":            it.MealID,
			"log_id":             it.LogID,
			"user_id":            it.UserID,
			"meal_type":          it.MealType,
			"name":               it.Name,
			"quantity":           it.Quantity,
			"unit":               it.Unit,
			"calories":           it.Calories,
			"protein_g":          it.ProteinG,
			"carbs_g":            it.CarbsG,
			"fat_g":              it.FatG,
			"notes":              it.Notes,
			"eaten_at_unix_ms":   it.EatenAtUnixMs,
			"created_at_unix_ms": it.CreatedAtUnixMs,
		}); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// MealsBetween returns meal items eaten in [fromUnixMs, toUnixMs), newest first.
func (s *Store) MealsBetween(ctx context.Context, userID string, fromUnixMs int64, toUnixMs int64, limit int) ([]MealItem, error) {
	filters := []Filter{Eq("user_id", strings.TrimSpace(userID)), Gte("eaten_at_unix_ms", fromUnixMs)}
	if toUnixMs > 0 {
		filters = append(filters, Lt("eaten_at_unix_ms", toUnixMs))
	}
	rows, err := s.Select(ctx, "meals", Query{
		Filters: filters,
		Order:   []Order{{Column: "eaten_at_unix_ms", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]MealItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, MealItem{
			MealID:          r.Text("meal_id"),
			LogID:           r.Text("log_id"),
			UserID:          r.Text("user_id"),
			MealType:        r.Text("meal_type"),
			Name:            r.Text("name"),
			Quantity:        r.Float("quantity"),
			Unit:            r.Text("unit"),
			Calories:        r.Float("calories"),
			ProteinG:        r.Float("protein_g"),
			CarbsG:          r.Float("carbs_g"),
			FatG:            r.Float("fat_g"),
			Notes:           r.Text("notes"),
			EatenAtUnixMs:   r.Int64("eaten_at_unix_ms"),
			CreatedAtUnixMs: r.Int64("created_at_unix_ms"),
		})
	}
	return out, nil
}

// DailyNutrition sums the meals eaten on day (interpreted in loc).
func (s *Store) DailyNutrition(ctx context.Context, userID string, day time.Time, loc *time.Location) (NutritionTotals, error) {
	if loc == nil {
		loc = time.UTC
	}
	day = day.In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	items, err := s.MealsBetween(ctx, userID, start.UnixMilli(), end.UnixMilli(), 0)
	if err != nil {
		return NutritionTotals{}, err
	}
	out := NutritionTotals{Date: start.Format("2006-01-02"), ItemCount: len(items)}
	for _, it := range items {
		out.Calories += it.Calories
		out.ProteinG += it.ProteinG
		out.CarbsG += it.CarbsG
		out.FatG += it.FatG
	}
	return out, nil
}

func (s *Store) InsertActivity(ctx context.Context, a Activity) (Activity, error) {
	a.UserID = strings.TrimSpace(a.UserID)
	a.Kind = strings.TrimSpace(a.Kind)
	if a.UserID == "" || a.Kind == "" {
		return Activity{}, errors.New("invalid request")
	}
	now := time.Now().UnixMilli()
	if a.ActivityID == "" {
		a.ActivityID = NewID("act_")
	}
	if a.PerformedAtUnixMs <= 0 {
		a.PerformedAtUnixMs = now
	}
	a.CreatedAtUnixMs = now
	err := s.Insert(ctx, "activities", Row{
		"activity_id":          a.ActivityID,
		"user_id":              a.UserID,
		"kind":                 a.Kind,
		"duration_min":         a.DurationMin,
		"distance_km":          a.DistanceKm,
		"calories":             a.Calories,
		"intensity":            a.Intensity,
		"notes":                a.Notes,
		"performed_at_unix_ms": a.PerformedAtUnixMs,
		"created_at_unix_ms":   a.CreatedAtUnixMs,
	})
	if err != nil {
		return Activity{}, err
	}
	return a, nil
}

func (s *Store) ActivitiesSince(ctx context.Context, userID string, sinceUnixMs int64, limit int) ([]Activity, error) {
	rows, err := s.Select(ctx, "activities", Query{
		Filters: []Filter{Eq("user_id", strings.TrimSpace(userID)), Gte("performed_at_unix_ms", sinceUnixMs)},
		Order:   []Order{{Column: "performed_at_unix_ms", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(rows))
	for _, r := range rows {
		out = append(out, Activity{
			ActivityID:        r.Text("activity_id"),
			UserID:            r.Text("user_id"),
			Kind:              r.Text("kind"),
			DurationMin:       r.Float("duration_min"),
			DistanceKm:        r.Float("distance_km"),
			Calories:          r.Float("calories"),
			Intensity:         r.Text("intensity"),
			Notes:             r.Text("notes"),
			PerformedAtUnixMs: r.Int64("performed_at_unix_ms"),
			CreatedAtUnixMs:   r.Int64("created_at_unix_ms"),
		})
	}
	return out, nil
}

func (s *Store) InsertMeasurement(ctx context.Context, m Measurement) (Measurement, error) {
	m.UserID = strings.TrimSpace(m.UserID)
	m.Kind = strings.TrimSpace(m.Kind)
	if m.UserID == "" || m.Kind == "" {
		return Measurement{}, errors.New("invalid request")
	}
	now := time.Now().UnixMilli()
	if m.MeasurementID == "" {
		m.MeasurementID = NewID("msr_")
	}
	if m.MeasuredAtUnixMs <= 0 {
		m.MeasuredAtUnixMs = now
	}
	m.CreatedAtUnixMs = now
	err := s.Insert(ctx, "measurements", Row{
		"measurement_id":      m.MeasurementID,
		"user_id":             m.UserID,
		"kind":                m.Kind,
		"value":               m.Value,
		"unit":                m.Unit,
		"notes":               m.Notes,
		"measured_at_unix_ms": m.MeasuredAtUnixMs,
		"created_at_unix_ms":  m.CreatedAtUnixMs,
	})
	if err != nil {
		return Measurement{}, err
	}
	return m, nil
}

// MeasurementsSince lists measurements newest first. An empty kind matches all kinds.
func (s *Store) MeasurementsSince(ctx context.Context, userID string, kind string, sinceUnixMs int64, limit int) ([]Measurement, error) {
	filters := []Filter{Eq("user_id", strings.TrimSpace(userID)), Gte("measured_at_unix_ms", sinceUnixMs)}
	if k := strings.TrimSpace(kind); k != "" {
		filters = append(filters, Eq("kind", k))
	}
	rows, err := s.Select(ctx, "measurements", Query{
		Filters: filters,
		Order:   []Order{{Column: "measured_at_unix_ms", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, Measurement{
			MeasurementID:    r.Text("measurement_id"),
			UserID:           r.Text("user_id"),
			Kind:             r.Text("kind"),
			Value:            r.Float("value"),
			Unit:             r.Text("unit"),
			Notes:            r.Text("notes"),
			MeasuredAtUnixMs: r.Int64("measured_at_unix_ms"),
			CreatedAtUnixMs:  r.Int64("created_at_unix_ms"),
		})
	}
	return out, nil
}

func (s *Store) SearchFoods(ctx context.Context, name string, limit int) ([]Food, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("invalid request")
	}
	rows, err := s.Select(ctx, "foods", Query{
		Filters: []Filter{Like("name", name)},
		Order:   []Order{{Column: "name"}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Food, 0, len(rows))
	for _, r := range rows {
		out = append(out, Food{
			ID:          r.Text("food_id"),
			Name:        r.Text("name"),
			ServingQty:  r.Float("serving_qty"),
			ServingUnit: r.Text("serving_unit"),
			Calories:    r.Float("calories"),
			ProteinG:    r.Float("protein_g"),
			CarbsG:      r.Float("carbs_g"),
			FatG:        r.Float("fat_g"),
		})
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
