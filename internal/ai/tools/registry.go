// Package tools holds the coaching tool catalog: typed arguments, reflected
// schemas, handlers and per-tool result compression.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/ai/data"
	"github.com/floegence/coach-agent/internal/ai/rag"
	"github.com/floegence/coach-agent/internal/store"
)

// Tool names beyond the read operations defined in package data.
const (
	NameSearchContext  = "search_context"
	NameLogMeal        = "log_meal"
	NameLogActivity    = "log_activity"
	NameLogMeasurement = "log_measurement"
)

// Def is the provider-facing description of one tool.
type Def struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema"`
	Mutating    bool           `json:"mutating"`
	// CacheTTL is the read cache lifetime of the tool's operation; zero for
	// tools that never go through the cache.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

type handlerFunc func(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error)

type tool struct {
	def      Def
	handle   handlerFunc
	compress compressor
}

// Reader is the cached read side. *data.Reader implements it.
type Reader interface {
	rag.Source
	FoodReference(ctx context.Context, name string, limit int) ([]store.Food, error)
}

// ContextBuilder assembles grounding context. *rag.Assembler implements it.
type ContextBuilder interface {
	Build(ctx context.Context, req rag.Request) (rag.Bundle, error)
}

// Writer persists confirmed mutations. *store.Store implements it.
type Writer interface {
	AutoSave(ctx context.Context, userID string) (bool, error)
	InsertMealItems(ctx context.Context, items []store.MealItem) ([]store.MealItem, error)
	InsertActivity(ctx context.Context, a store.Activity) (store.Activity, error)
	InsertMeasurement(ctx context.Context, m store.Measurement) (store.Measurement, error)

	ClaimAction(ctx context.Context, userID string, actionID string, toolName string) (bool, []string, error)
	CompleteAction(ctx context.Context, userID string, actionID string, recordIDs []string) error
	ReleaseAction(ctx context.Context, userID string, actionID string) error
}

// Invalidator drops cached reads. *cache.Cache implements it.
type Invalidator interface {
	Invalidate(op string, userID string) int
}

// EntrySink receives committed entries for similarity indexing.
type EntrySink interface {
	IndexEntry(userID string, refID string, content string)
}

type Options struct {
	Reader  Reader
	Context ContextBuilder
	Writer  Writer
	Cache   Invalidator
	// Entries is optional.
	Entries EntrySink
	// TTLs reports the cache lifetime per read operation for Def.CacheTTL.
	TTLs     map[string]time.Duration
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

type Registry struct {
	reader  Reader
	builder ContextBuilder
	writer  Writer
	cache   Invalidator
	entries EntrySink
	loc     *time.Location
	now     func() time.Time
	log     *slog.Logger

	tools map[string]*tool
	order []string
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Reader == nil {
		return nil, errors.New("missing reader")
	}
	if opts.Context == nil {
		return nil, errors.New("missing context builder")
	}
	if opts.Writer == nil {
		return nil, errors.New("missing writer")
	}
	r := &Registry{
		reader:  opts.Reader,
		builder: opts.Context,
		writer:  opts.Writer,
		cache:   opts.Cache,
		entries: opts.Entries,
		loc:     opts.Location,
		now:     opts.Now,
		log:     opts.Logger,
		tools:   make(map[string]*tool),
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
	ttls := opts.TTLs
	if ttls == nil {
		ttls = data.DefaultTTLs
	}

	specs := []struct {
		name     string
		desc     string
		args     any
		mutating bool
		handle   handlerFunc
		compress compressor
	}{
		{data.OpUserProfile, "Read the user's profile: goal and daily calorie and protein targets and preferred units.", ProfileArgs{}, false, r.getProfile, compressProfile},
		{data.OpActivePrograms, "List the user's active nutrition and training programs.", ProgramsArgs{}, false, r.getPrograms, compressDefault},
		{data.OpDailyNutrition, "Total calories and macros the user logged on one day.", DailyNutritionArgs{}, false, r.getDailyNutrition, compressDefault},
		{data.OpRecentMeals, "List meal items the user logged recently, newest first.", RangeArgs{}, false, r.getRecentMeals, compressMeals},
		{data.OpRecentActivities, "List workouts and activities the user logged recently, newest first.", RangeArgs{}, false, r.getRecentActivities, compressActivities},
		{data.OpMeasurements, "List body measurements such as weight, newest first, with the change over the period.", MeasurementsArgs{}, false, r.getMeasurements, compressMeasurements},
		{data.OpSearchEntries, "Search the user's logged meals, activities and measurements by meaning.", SearchArgs{}, false, r.searchEntries, compressHits},
		{data.OpFoodReference, "Look up typical nutrition values per serving for a food.", FoodReferenceArgs{}, false, r.getFoodReference, compressDefault},
		{NameSearchContext, "Gather a compact summary of everything relevant to a question across profile, programs, logs and earlier conversations.", SearchContextArgs{}, false, r.searchContext, compressContext},
		{NameLogMeal, "Record one meal with one or more food items. May need user confirmation before it is saved.", LogMealArgs{}, true, r.logMeal, compressMutation},
		{NameLogActivity, "Record a workout or activity. May need user confirmation before it is saved.", LogActivityArgs{}, true, r.logActivity, compressMutation},
		{NameLogMeasurement, "Record a body measurement such as weight. May need user confirmation before it is saved.", LogMeasurementArgs{}, true, r.logMeasurement, compressMutation},
	}
	for _, s := range specs {
		schema, err := SchemaFor(s.args)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", s.name, err)
		}
		def := Def{Name: s.name, Description: s.desc, Schema: schema, Mutating: s.mutating}
		if !s.mutating {
			def.CacheTTL = ttls[s.name]
		}
		r.tools[s.name] = &tool{def: def, handle: s.handle, compress: s.compress}
		r.order = append(r.order, s.name)
	}
	return r, nil
}

// Definitions returns the catalog in registration order.
func (r *Registry) Definitions() []Def {
	out := make([]Def, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// ReadOnly returns the non-mutating subset of the catalog.
func (r *Registry) ReadOnly() []Def {
	out := make([]Def, 0, len(r.order))
	for _, d := range r.Definitions() {
		if !d.Mutating {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) Lookup(name string) (Def, bool) {
	t, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return Def{}, false
	}
	return t.def, true
}

// Result is one finished tool call: the full payload kept for the caller
// and the compressed form fed back to the model.
type Result struct {
	Status     ResultStatus    `json:"status"`
	Full       json.RawMessage `json:"full"`
	Compressed string          `json:"compressed"`
	Summary    string          `json:"summary,omitempty"`
	Action     *Action         `json:"action,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
}

// Call runs one tool. Failures are returned inside the Result; the caller
// feeds them to the model like any other output.
func (r *Registry) Call(ctx context.Context, inv Invocation, raw json.RawMessage) Result {
	inv.ToolName = strings.TrimSpace(inv.ToolName)
	t, ok := r.tools[inv.ToolName]
	if !ok {
		return errorResult(&ToolError{
			Code:           ErrorCodeUnknownTool,
			Message:        fmt.Sprintf("unknown tool %q", inv.ToolName),
			SuggestedFixes: []string{"Call one of the listed tools."},
		})
	}
	if strings.TrimSpace(inv.UserID) == "" {
		return errorResult(&ToolError{Code: ErrorCodeInvalidArguments, Message: "missing user context"})
	}

	out, err := t.handle(ctx, inv, raw)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		te := ClassifyError(inv, err)
		r.log.Warn("tool failed", "user_id", inv.UserID, "tool", inv.ToolName, "code", te.Code, "error", err)
		res := errorResult(te)
		if te.Code == ErrorCodeTimeout {
			res.Status = ResultStatusTimeout
		}
		return res
	}

	full, err := json.Marshal(out.Data)
	if err != nil {
		return errorResult(&ToolError{Code: ErrorCodeUnknown, Message: "encode result: " + err.Error()})
	}
	return Result{
		Status:     ResultStatusSuccess,
		Full:       full,
		Compressed: t.compress(full),
		Summary:    out.Summary,
		Action:     out.Action,
	}
}

func errorResult(te *ToolError) Result {
	te.Normalize()
	b, _ := json.Marshal(map[string]any{"error": te})
	return Result{Status: ResultStatusError, Full: b, Compressed: string(b), Error: te}
}
