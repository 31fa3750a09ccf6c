package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/store"
)

func (r *Registry) logMeal(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[LogMealArgs](raw)
	if err != nil {
		return Output{}, err
	}
	at, err := parseWhen(args.EatenAt, r.now(), r.loc)
	if err != nil {
		return Output{}, err
	}
	args.EatenAt = at.Format(time.RFC3339)
	return r.mutate(ctx, inv, NameLogMeal, args, mealData(args))
}

func (r *Registry) logActivity(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[LogActivityArgs](raw)
	if err != nil {
		return Output{}, err
	}
	at, err := parseWhen(args.PerformedAt, r.now(), r.loc)
	if err != nil {
		return Output{}, err
	}
	args.PerformedAt = at.Format(time.RFC3339)
	return r.mutate(ctx, inv, NameLogActivity, args, map[string]any{
		"kind":         args.Kind,
		"duration_min": args.DurationMin,
		"distance_km":  args.DistanceKm,
		"performed_at": args.PerformedAt,
	})
}

func (r *Registry) logMeasurement(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
	args, err := decodeArgs[LogMeasurementArgs](raw)
	if err != nil {
		return Output{}, err
	}
	at, err := parseWhen(args.MeasuredAt, r.now(), r.loc)
	if err != nil {
		return Output{}, err
	}
	args.MeasuredAt = at.Format(time.RFC3339)
	return r.mutate(ctx, inv, NameLogMeasurement, args, map[string]any{
		"kind":        args.Kind,
		"value":       args.Value,
		"unit":        args.Unit,
		"measured_at": args.MeasuredAt,
	})
}

// mutate either persists the normalized arguments or returns them as a
// pending action, depending on the user's auto_save preference read now.
func (r *Registry) mutate(ctx context.Context, inv Invocation, name string, args any, result map[string]any) (Output, error) {
	autoSave, err := r.writer.AutoSave(ctx, inv.UserID)
	if err != nil {
		return Output{}, fmt.Errorf("read auto_save preference: %w", err)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return Output{}, err
	}
	act := &Action{
		ID:       store.NewID("action_"),
		Kind:     ActionPending,
		ToolName: name,
		Summary:  describe(name, args),
		Payload:  payload,
	}
	result["action_id"] = act.ID
	result["summary"] = act.Summary
	if !autoSave {
		result["status"] = "pending_confirmation"
		result["note"] = "Not saved yet. Ask the user to confirm."
		return Output{Data: result, Summary: act.Summary, Action: act}, nil
	}

	ids, err := r.write(ctx, inv.UserID, name, args)
	if err != nil {
		return Output{}, err
	}
	act.Kind = ActionCommitted
	act.RecordIDs = ids
	result["status"] = "saved"
	result["record_ids"] = ids
	return Output{Data: result, Summary: act.Summary, Action: act}, nil
}

// ErrInvalidAction marks Commit failures caused by the action itself, as
// opposed to storage failures.
var ErrInvalidAction = errors.New("invalid action")

// Commit persists a pending action previously produced by a mutating tool.
// Confirming the same action again returns the first result without
// writing twice.
func (r *Registry) Commit(ctx context.Context, userID string, act Action) (Action, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Action{}, fmt.Errorf("%w: missing user_id", ErrInvalidAction)
	}
	if strings.TrimSpace(act.ID) == "" {
		return Action{}, fmt.Errorf("%w: missing action id", ErrInvalidAction)
	}
	if act.Kind == ActionCommitted {
		return Action{}, fmt.Errorf("%w: action %s already committed", ErrInvalidAction, act.ID)
	}
	var (
		args any
		err  error
	)
	switch act.ToolName {
	case NameLogMeal:
		args, err = decodeArgs[LogMealArgs](act.Payload)
	case NameLogActivity:
		args, err = decodeArgs[LogActivityArgs](act.Payload)
	case NameLogMeasurement:
		args, err = decodeArgs[LogMeasurementArgs](act.Payload)
	default:
		return Action{}, fmt.Errorf("%w: action %s: unknown tool %q", ErrInvalidAction, act.ID, act.ToolName)
	}
	if err != nil {
		return Action{}, fmt.Errorf("%w: action %s: %w", ErrInvalidAction, act.ID, err)
	}

	claimed, prior, err := r.writer.ClaimAction(ctx, userID, act.ID, act.ToolName)
	if err != nil {
		if errors.Is(err, store.ErrActionOwner) {
			return Action{}, fmt.Errorf("%w: %w", ErrInvalidAction, err)
		}
		return Action{}, fmt.Errorf("claim action %s: %w", act.ID, err)
	}
	if !claimed {
		r.log.Info("action already confirmed", "user_id", userID, "action_id", act.ID, "tool", act.ToolName)
		act.Kind = ActionCommitted
		act.RecordIDs = prior
		return act, nil
	}

	ids, err := r.write(ctx, userID, act.ToolName, args)
	if err != nil {
		if rerr := r.writer.ReleaseAction(context.WithoutCancel(ctx), userID, act.ID); rerr != nil {
			r.log.Warn("release action claim failed", "user_id", userID, "action_id", act.ID, "error", rerr)
		}
		var te *ToolError
		if errors.As(err, &te) && te.Code == ErrorCodeInvalidArguments {
			return Action{}, fmt.Errorf("%w: %w", ErrInvalidAction, err)
		}
		return Action{}, err
	}
	if err := r.writer.CompleteAction(context.WithoutCancel(ctx), userID, act.ID, ids); err != nil {
		r.log.Warn("record confirmed action failed", "user_id", userID, "action_id", act.ID, "error", err)
	}
	act.Kind = ActionCommitted
	act.RecordIDs = ids
	return act, nil
}

// write persists one mutation, then drops the user's cached reads and hands
// the new entries to the indexer.
func (r *Registry) write(ctx context.Context, userID string, name string, args any) ([]string, error) {
	var (
		ids     []string
		entries []string
	)
	switch a := args.(type) {
	case LogMealArgs:
		at, err := parseWhen(a.EatenAt, r.now(), r.loc)
		if err != nil {
			return nil, err
		}
		items := make([]store.MealItem, 0, len(a.Items))
		for _, it := range a.Items {
			items = append(items, store.MealItem{
				UserID:        userID,
				MealType:      a.MealType,
				Name:          it.Name,
				Quantity:      it.Quantity,
				Unit:          it.Unit,
				Calories:      it.Calories,
				ProteinG:      it.ProteinG,
				CarbsG:        it.CarbsG,
				FatG:          it.FatG,
				Notes:         a.Notes,
				EatenAtUnixMs: at.UnixMilli(),
			})
		}
		saved, err := r.writer.InsertMealItems(ctx, items)
		if err != nil {
			return nil, fmt.Errorf("save meal: %w", err)
		}
		for _, it := range saved {
			ids = append(ids, it.MealID)
			entries = append(entries, fmt.Sprintf("meal: %s (%.0f kcal)", it.Name, it.Calories))
		}
	case LogActivityArgs:
		at, err := parseWhen(a.PerformedAt, r.now(), r.loc)
		if err != nil {
			return nil, err
		}
		saved, err := r.writer.InsertActivity(ctx, store.Activity{
			UserID:            userID,
			Kind:              a.Kind,
			DurationMin:       a.DurationMin,
			DistanceKm:        a.DistanceKm,
			Calories:          a.Calories,
			Intensity:         a.Intensity,
			Notes:             a.Notes,
			PerformedAtUnixMs: at.UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("save activity: %w", err)
		}
		ids = append(ids, saved.ActivityID)
		entries = append(entries, fmt.Sprintf("activity: %s %.0f min", saved.Kind, saved.DurationMin))
	case LogMeasurementArgs:
		at, err := parseWhen(a.MeasuredAt, r.now(), r.loc)
		if err != nil {
			return nil, err
		}
		saved, err := r.writer.InsertMeasurement(ctx, store.Measurement{
			UserID:           userID,
			Kind:             a.Kind,
			Value:            a.Value,
			Unit:             a.Unit,
			Notes:            a.Notes,
			MeasuredAtUnixMs: at.UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("save measurement: %w", err)
		}
		ids = append(ids, saved.MeasurementID)
		entries = append(entries, fmt.Sprintf("measurement: %s %.1f %s", saved.Kind, saved.Value, saved.Unit))
	default:
		return nil, fmt.Errorf("no writer for %s", name)
	}

	if r.cache != nil {
		n := r.cache.Invalidate("", userID)
		r.log.Debug("cache invalidated after write", "user_id", userID, "tool", name, "entries", n)
	}
	if r.entries != nil {
		for i, id := range ids {
			r.entries.IndexEntry(userID, id, entries[i])
		}
	}
	return ids, nil
}

func mealData(a LogMealArgs) map[string]any {
	var kcal, protein, carbs, fat float64
	for _, it := range a.Items {
		kcal += it.Calories
		protein += it.ProteinG
		carbs += it.CarbsG
		fat += it.FatG
	}
	return map[string]any{
		"meal_type":    a.MealType,
		"eaten_at":     a.EatenAt,
		"items_logged": len(a.Items),
		"items":        a.Items,
		"totals": map[string]any{
			"calories":  kcal,
			"protein_g": protein,
			"carbs_g":   carbs,
			"fat_g":     fat,
		},
	}
}

func describe(name string, args any) string {
	switch a := args.(type) {
	case LogMealArgs:
		var kcal float64
		names := make([]string, 0, len(a.Items))
		for _, it := range a.Items {
			kcal += it.Calories
			names = append(names, it.Name)
		}
		noun := "items"
		if len(a.Items) == 1 {
			noun = "item"
		}
		what := "meal"
		if a.MealType != "" {
			what = a.MealType
		}
		return fmt.Sprintf("%s: %d %s (%s), %.0f kcal", what, len(a.Items), noun, strings.Join(names, ", "), kcal)
	case LogActivityArgs:
		s := a.Kind
		if a.DurationMin > 0 {
			s += fmt.Sprintf(" %.0f min", a.DurationMin)
		}
		if a.DistanceKm > 0 {
			s += fmt.Sprintf(" %.1f km", a.DistanceKm)
		}
		return "activity: " + s
	case LogMeasurementArgs:
		return strings.TrimSpace(fmt.Sprintf("measurement: %s %.1f %s", a.Kind, a.Value, a.Unit))
	}
	return name
}
