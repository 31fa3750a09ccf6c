// Package rag assembles a token-budgeted grounding block from several user
// data domains fetched concurrently.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/floegence/coach-agent/internal/ai/data"
	"github.com/floegence/coach-agent/internal/store"
)

const (
	// CharsPerToken converts token budgets into character caps.
	CharsPerToken = 4
	// TruncationMarker ends a context that hit its character cap.
	TruncationMarker = "\n[truncated]"

	defaultMaxTokens     = 1500
	defaultDomainTimeout = 5 * time.Second
	maxDomains           = 7
	listLimit            = 20
)

// Source is the read side the assembler fetches from. *data.Reader
// implements it.
type Source interface {
	Profile(ctx context.Context, userID string) (store.User, error)
	ActivePrograms(ctx context.Context, userID string) ([]store.Program, error)
	DailyNutrition(ctx context.Context, userID string, date string) (store.NutritionTotals, error)
	RecentMeals(ctx context.Context, userID string, days int, limit int) ([]store.MealItem, error)
	RecentActivities(ctx context.Context, userID string, days int, limit int) ([]store.Activity, error)
	Measurements(ctx context.Context, userID string, kind string, days int, limit int) ([]store.Measurement, error)
	SearchEntries(ctx context.Context, userID string, query string, days int) ([]data.Hit, error)
	SearchHistory(ctx context.Context, userID string, conversationID string, query string) ([]data.Hit, error)
}

type Options struct {
	Source         Source
	MaxTokens      int
	RecentDays     int
	HistoricalDays int
	DomainTimeout  time.Duration
	Location       *time.Location
	Logger         *slog.Logger
}

type Assembler struct {
	src            Source
	maxTokens      int
	recentDays     int
	historicalDays int
	timeout        time.Duration
	loc            *time.Location
	log            *slog.Logger
}

type Section struct {
	Domain string `json:"domain"`
	Label  string `json:"label"`
	Text   string `json:"text"`
}

type Stats struct {
	Intent         Intent   `json:"intent"`
	Confidence     float64  `json:"confidence"`
	ScopeDays      int      `json:"scope_days"`
	DomainsQueried int      `json:"domains_queried"`
	DomainsFailed  []string `json:"domains_failed,omitempty"`
	Chars          int      `json:"chars"`
	MaxChars       int      `json:"max_chars"`
	Truncated      bool     `json:"truncated"`
	DurationMs     int64    `json:"duration_ms"`
}

// Bundle is built fresh per query and never persisted.
type Bundle struct {
	Context     string    `json:"context"`
	SourcesUsed []string  `json:"sources_used"`
	Sections    []Section `json:"sections,omitempty"`
	Stats       Stats     `json:"stats"`
}

type Request struct {
	UserID string
	// ConversationID scopes the history fallback when similarity search is
	// unavailable. Optional.
	ConversationID string
	Query          string
	MaxTokens      int
}

func New(opts Options) (*Assembler, error) {
	if opts.Source == nil {
		return nil, errors.New("missing source")
	}
	a := &Assembler{
		src:            opts.Source,
		maxTokens:      opts.MaxTokens,
		recentDays:     opts.RecentDays,
		historicalDays: opts.HistoricalDays,
		timeout:        opts.DomainTimeout,
		loc:            opts.Location,
		log:            opts.Logger,
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	if a.recentDays <= 0 {
		a.recentDays = recentDays
	}
	if a.historicalDays <= 0 {
		a.historicalDays = historicalDays
	}
	if a.timeout <= 0 {
		a.timeout = defaultDomainTimeout
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a, nil
}

func (a *Assembler) BuildContext(ctx context.Context, userID string, query string, maxTokens int) (Bundle, error) {
	return a.Build(ctx, Request{UserID: userID, Query: query, MaxTokens: maxTokens})
}

// Build runs intent analysis, source selection, concurrent retrieval and
// assembly. Domain failures only drop that domain's section; the error
// return is reserved for invalid requests.
func (a *Assembler) Build(ctx context.Context, req Request) (Bundle, error) {
	if a == nil {
		return Bundle{}, errors.New("nil assembler")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Bundle{}, errors.New("missing user_id")
	}
	started := time.Now()
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	maxTokens = max(maxTokens, utf8.RuneCountInString(TruncationMarker)/CharsPerToken+1)

	analysis := analyze(req.Query, a.recentDays, a.historicalDays)
	domains := SelectSources(analysis)
	results := a.fetchAll(ctx, userID, req.ConversationID, strings.TrimSpace(req.Query), analysis, domains)

	out := Bundle{
		SourcesUsed: []string{},
		Stats: Stats{
			Intent:         analysis.Primary,
			Confidence:     analysis.Confidence,
			ScopeDays:      analysis.Days,
			DomainsQueried: len(domains),
		},
	}
	for _, res := range orderResults(results) {
		if res.err != nil {
			out.Stats.DomainsFailed = append(out.Stats.DomainsFailed, res.domain)
			continue
		}
		if strings.TrimSpace(res.text) == "" {
			continue
		}
		out.Sections = append(out.Sections, Section{Domain: res.domain, Label: domainLabel(res.domain, analysis.Days), Text: res.text})
		out.SourcesUsed = append(out.SourcesUsed, res.domain)
	}

	out.Context, out.Stats.Truncated = fitBudget(renderSections(out.Sections), maxTokens*CharsPerToken)
	out.Stats.Chars = utf8.RuneCountInString(out.Context)
	out.Stats.MaxChars = maxTokens * CharsPerToken
	out.Stats.DurationMs = time.Since(started).Milliseconds()

	a.log.Debug("context assembled",
		"user_id", userID,
		"intent", analysis.Primary,
		"sources", out.SourcesUsed,
		"failed", out.Stats.DomainsFailed,
		"chars", out.Stats.Chars,
		"truncated", out.Stats.Truncated,
	)
	return out, nil
}

type domainResult struct {
	domain string
	text   string
	err    error
}

// fetchAll fetches every domain concurrently. Each fetch has its own timeout
// and a failure is recorded on that domain only.
func (a *Assembler) fetchAll(ctx context.Context, userID string, conversationID string, query string, analysis Analysis, domains []string) []domainResult {
	results := make([]domainResult, len(domains))
	var g errgroup.Group
	g.SetLimit(maxDomains)
	for i, domain := range domains {
		results[i].domain = domain
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			text, err := a.fetchDomain(dctx, domain, userID, conversationID, query, analysis)
			if err == nil && dctx.Err() != nil {
				err = dctx.Err()
			}
			if err != nil {
				a.log.Warn("context domain failed", "user_id", userID, "domain", domain, "error", err)
				results[i].err = err
				return nil
			}
			results[i].text = text
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Assembler) fetchDomain(ctx context.Context, domain string, userID string, conversationID string, query string, analysis Analysis) (string, error) {
	switch domain {
	case DomainProfile:
		u, err := a.src.Profile(ctx, userID)
		if err != nil {
			return "", err
		}
		return renderProfile(u), nil
	case DomainPrograms:
		ps, err := a.src.ActivePrograms(ctx, userID)
		if err != nil {
			return "", err
		}
		return renderPrograms(ps), nil
	case DomainNutrition:
		today, err := a.src.DailyNutrition(ctx, userID, "")
		if err != nil {
			return "", err
		}
		meals, err := a.src.RecentMeals(ctx, userID, analysis.Days, listLimit)
		if err != nil {
			return "", err
		}
		return renderNutrition(today, meals, a.loc), nil
	case DomainTraining:
		acts, err := a.src.RecentActivities(ctx, userID, analysis.Days, listLimit)
		if err != nil {
			return "", err
		}
		return renderActivities(acts, a.loc), nil
	case DomainMeasurements:
		ms, err := a.src.Measurements(ctx, userID, "", analysis.Days, listLimit)
		if err != nil {
			return "", err
		}
		return renderMeasurements(ms, a.loc), nil
	case DomainEntries:
		if query == "" {
			return "", nil
		}
		hits, err := a.src.SearchEntries(ctx, userID, query, analysis.Days)
		if err != nil {
			return "", err
		}
		return renderHits(hits), nil
	case DomainHistory:
		hits, err := a.src.SearchHistory(ctx, userID, conversationID, query)
		if err != nil {
			return "", err
		}
		return renderHits(hits), nil
	}
	return "", errors.New("unknown domain " + domain)
}

// Assembly priority: profile, programs, intent-specific structured data,
// similarity results, conversation history.
var domainPriority = map[string]int{
	DomainProfile:      0,
	DomainPrograms:     1,
	DomainNutrition:    2,
	DomainTraining:     2,
	DomainMeasurements: 2,
	DomainEntries:      3,
	DomainHistory:      4,
}

// orderResults sorts by assembly priority; structured domains keep their
// selection order, which puts the primary intent first.
func orderResults(in []domainResult) []domainResult {
	out := make([]domainResult, 0, len(in))
	for p := 0; p <= 4; p++ {
		for _, r := range in {
			if domainPriority[r.domain] == p {
				out = append(out, r)
			}
		}
	}
	return out
}

func renderSections(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Label)
		b.WriteByte('\n')
		b.WriteString(s.Text)
	}
	return b.String()
}

// fitBudget cuts text to at most maxChars runes, marker included.
func fitBudget(text string, maxChars int) (string, bool) {
	if utf8.RuneCountInString(text) <= maxChars {
		return text, false
	}
	marker := []rune(TruncationMarker)
	keep := maxChars - len(marker)
	if keep < 0 {
		return string(marker[:maxChars]), true
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:keep]), " \n") + TruncationMarker, true
}
