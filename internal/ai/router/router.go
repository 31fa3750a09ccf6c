// Package router decides how much model capability an inbound message
// deserves.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Tier string

const (
	TierTrivial Tier = "trivial"
	TierSimple  Tier = "simple"
	TierComplex Tier = "complex"
)

// Stage names the step that produced a classification.
const (
	StagePattern    = "pattern"
	StageAttachment = "attachment"
	StageKeyword    = "keyword"
	StageModel      = "model"
	StageFallback   = "fallback"

	classifierPromptMarker = "TIER_CLASSIFIER_V1"

	defaultClassifierTimeout = 8 * time.Second
	defaultModelConfidence   = 0.6
)

type Classification struct {
	Tier       Tier    `json:"tier"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Stage      string  `json:"stage"`
	// Category and Language are set for trivial messages only.
	Category string `json:"category,omitempty"`
	Language string `json:"language,omitempty"`
	// Provider is the model id bound to Tier. Empty for trivial.
	Provider string `json:"provider,omitempty"`
}

// Completer is the lightweight model call used as the last routing stage.
type Completer interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

type Options struct {
	SimpleKeywords  []string
	ComplexKeywords []string
	// Completer may be nil; unmatched messages then route to complex.
	Completer Completer
	// Providers maps a tier to the model id reported in Classification.Provider.
	Providers         map[Tier]string
	ClassifierTimeout time.Duration
	Logger            *slog.Logger
}

type Router struct {
	simple    keywordSet
	complex   keywordSet
	completer Completer
	providers map[Tier]string
	timeout   time.Duration
	log       *slog.Logger
}

func New(opts Options) *Router {
	simple := opts.SimpleKeywords
	if len(simple) == 0 {
		simple = DefaultSimpleKeywords
	}
	complexKW := opts.ComplexKeywords
	if len(complexKW) == 0 {
		complexKW = DefaultComplexKeywords
	}
	timeout := opts.ClassifierTimeout
	if timeout <= 0 {
		timeout = defaultClassifierTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	providers := make(map[Tier]string, len(opts.Providers))
	for k, v := range opts.Providers {
		providers[k] = strings.TrimSpace(v)
	}
	return &Router{
		simple:    newKeywordSet(simple),
		complex:   newKeywordSet(complexKW),
		completer: opts.Completer,
		providers: providers,
		timeout:   timeout,
		log:       log,
	}
}

// Classify runs the routing stages in priority order; the first stage that
// matches decides. It never fails: a broken classifier routes to complex.
func (r *Router) Classify(ctx context.Context, message string, hasAttachment bool) Classification {
	out := r.classify(ctx, message, hasAttachment)
	if out.Tier != TierTrivial {
		out.Provider = r.providers[out.Tier]
	}
	r.log.Debug("message classified",
		"tier", out.Tier,
		"confidence", out.Confidence,
		"stage", out.Stage,
		"rationale", out.Rationale,
	)
	return out
}

func (r *Router) classify(ctx context.Context, message string, hasAttachment bool) Classification {
	if category, lang, ok := matchTrivial(message); ok {
		return Classification{
			Tier:       TierTrivial,
			Confidence: 1.0,
			Rationale:  "trivial_" + category,
			Stage:      StagePattern,
			Category:   category,
			Language:   lang,
		}
	}
	if hasAttachment {
		return Classification{Tier: TierComplex, Confidence: 0.95, Rationale: "attachment_present", Stage: StageAttachment}
	}

	padded := padNormalized(message)
	complexHits := r.complex.count(padded)
	simpleHits := r.simple.count(padded)
	switch {
	case complexHits > 0:
		return Classification{
			Tier:       TierComplex,
			Confidence: keywordConfidence(complexHits),
			Rationale:  fmt.Sprintf("complex_keywords=%d", complexHits),
			Stage:      StageKeyword,
		}
	case simpleHits > 0:
		return Classification{
			Tier:       TierSimple,
			Confidence: keywordConfidence(simpleHits),
			Rationale:  fmt.Sprintf("simple_keywords=%d", simpleHits),
			Stage:      StageKeyword,
		}
	}

	decision, err := r.classifyByModel(ctx, message)
	if err != nil {
		r.log.Warn("tier classifier failed", "error", err)
		return Classification{Tier: TierComplex, Confidence: 0.5, Rationale: "classifier_failed", Stage: StageFallback}
	}
	return decision
}

func keywordConfidence(hits int) float64 {
	c := 0.7 + 0.1*float64(hits-1)
	if c > 0.9 {
		c = 0.9
	}
	return c
}

func (r *Router) classifyByModel(ctx context.Context, message string) (Classification, error) {
	if r.completer == nil {
		return Classification{}, errors.New("no classifier configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.completer.Complete(cctx, classifierSystemPrompt(), strings.TrimSpace(message))
	if err != nil {
		return Classification{}, err
	}
	return parseClassifierReply(raw)
}

func classifierSystemPrompt() string {
	return strings.Join([]string{
		classifierPromptMarker,
		"You route messages sent to a nutrition and fitness coaching assistant.",
		"Return exactly one JSON object with keys: tier, confidence, reasoning.",
		"tier must be one of: simple, complex.",
		"simple means a single lookup or a single log entry (one meal, one workout, one measurement).",
		"complex means planning, analysis over time, comparisons, advice, or several steps.",
		"confidence is a number between 0 and 1.",
		"reasoning is a short snake_case phrase.",
		"Do not include markdown or extra text.",
	}, "\n")
}

func parseClassifierReply(raw string) (Classification, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return Classification{}, errors.New("empty classifier response")
	}
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```JSON")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}

	type payload struct {
		Tier       string   `json:"tier"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	var p payload
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		embedded := extractFirstJSONObject(candidate)
		if embedded == "" {
			return Classification{}, fmt.Errorf("invalid classifier response: %w", err)
		}
		if err := json.Unmarshal([]byte(embedded), &p); err != nil {
			return Classification{}, fmt.Errorf("invalid classifier JSON payload: %w", err)
		}
	}

	var tier Tier
	switch strings.ToLower(strings.TrimSpace(p.Tier)) {
	case string(TierSimple), string(TierTrivial):
		// Small talk that slipped past the patterns still needs a model reply.
		tier = TierSimple
	case string(TierComplex):
		tier = TierComplex
	default:
		return Classification{}, fmt.Errorf("invalid classifier tier: %q", p.Tier)
	}

	confidence := defaultModelConfidence
	if p.Confidence != nil {
		confidence = min(max(*p.Confidence, 0), 1)
	}
	reason := strings.Join(strings.Fields(p.Reasoning), "_")
	if reason == "" {
		reason = "model_classifier"
	}
	return Classification{Tier: tier, Confidence: confidence, Rationale: reason, Stage: StageModel}, nil
}

func extractFirstJSONObject(raw string) string {
	runes := []rune(strings.TrimSpace(raw))
	start := -1
	depth := 0
	quote := rune(0)
	escaped := false

	for i, r := range runes {
		if escaped {
			escaped = false
			continue
		}
		if quote != 0 {
			if r == '\\' {
				escaped = true
				continue
			}
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'':
			quote = r
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return string(runes[start : i+1])
			}
		}
	}
	return ""
}
