// Package memory builds a token-budgeted view of a conversation: the recent
// window verbatim, older messages by similarity, and the stored summary.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/floegence/coach-agent/internal/ai/embed"
	"github.com/floegence/coach-agent/internal/store"
)

// CharsPerToken is the fixed size approximation used for every budget.
const CharsPerToken = 4

const (
	defaultWindowSize     = 10
	defaultRetrievalLimit = 5
	minWindowFloor        = 3
	defaultThreshold      = 0.75
	defaultTokenBudget    = 2000
)

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Store is the subset of the persistent store the manager reads.
type Store interface {
	RecentMessages(ctx context.Context, userID string, conversationID string, limit int) ([]store.Message, error)
	MessagesByID(ctx context.Context, userID string, ids []string) ([]store.Message, error)
	GetSummary(ctx context.Context, userID string, conversationID string) (store.Summary, error)
	SearchEmbeddings(ctx context.Context, query []float32, f store.EmbeddingFilter, threshold float64, limit int) ([]store.ScoredEmbedding, error)
}

type Options struct {
	Store Store
	// Embedder may be nil, which disables similarity retrieval.
	Embedder            embed.Embedder
	WindowSize          int
	RetrievalLimit      int
	MinWindow           int
	SimilarityThreshold float64
	TokenBudget         int
	Logger              *slog.Logger
}

type Manager struct {
	store          Store
	embedder       embed.Embedder
	windowSize     int
	retrievalLimit int
	minWindow      int
	threshold      float64
	tokenBudget    int
	log            *slog.Logger
}

// ConversationContext is the memory handed to the agent loop. Recent and
// Relevant are chronological.
type ConversationContext struct {
	Recent     []store.Message `json:"recent"`
	Relevant   []store.Message `json:"relevant,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	TokenCount int             `json:"token_count"`
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	m := &Manager{
		store:          opts.Store,
		embedder:       opts.Embedder,
		windowSize:     opts.WindowSize,
		retrievalLimit: opts.RetrievalLimit,
		minWindow:      opts.MinWindow,
		threshold:      opts.SimilarityThreshold,
		tokenBudget:    opts.TokenBudget,
		log:            opts.Logger,
	}
	if m.windowSize <= 0 {
		m.windowSize = defaultWindowSize
	}
	if m.retrievalLimit < 0 {
		m.retrievalLimit = 0
	} else if m.retrievalLimit == 0 {
		m.retrievalLimit = defaultRetrievalLimit
	}
	if m.minWindow < minWindowFloor {
		m.minWindow = minWindowFloor
	}
	if m.threshold <= 0 {
		m.threshold = defaultThreshold
	}
	if m.tokenBudget <= 0 {
		m.tokenBudget = defaultTokenBudget
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m, nil
}

// GetConversationContext never fails. Retrieval or summary errors degrade to
// the recent window; a window error yields an empty context.
func (m *Manager) GetConversationContext(ctx context.Context, userID string, conversationID string, current string, tokenBudget int) ConversationContext {
	var out ConversationContext
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if m == nil || userID == "" || conversationID == "" {
		return out
	}
	if tokenBudget <= 0 {
		tokenBudget = m.tokenBudget
	}

	recent, err := m.store.RecentMessages(ctx, userID, conversationID, m.windowSize)
	if err != nil {
		m.log.Warn("memory: load recent window failed", "user_id", userID, "conversation_id", conversationID, "error", err)
		return ConversationContext{}
	}
	out.Recent = recent

	if len(recent) > 0 && strings.TrimSpace(current) != "" {
		relevant, err := m.retrieveRelevant(ctx, userID, conversationID, current, recent)
		if err != nil {
			m.log.Warn("memory: similarity retrieval failed", "user_id", userID, "conversation_id", conversationID, "error", err)
		} else {
			out.Relevant = relevant
		}
	}

	sum, err := m.store.GetSummary(ctx, userID, conversationID)
	switch {
	case err == nil:
		out.Summary = strings.TrimSpace(sum.Summary)
	case errors.Is(err, sql.ErrNoRows):
	default:
		m.log.Warn("memory: load summary failed", "user_id", userID, "conversation_id", conversationID, "error", err)
	}

	out.TokenCount = out.tokens()
	if out.TokenCount > tokenBudget {
		out = m.trim(out, tokenBudget)
	}
	return out
}

func (m *Manager) retrieveRelevant(ctx context.Context, userID string, conversationID string, current string, window []store.Message) ([]store.Message, error) {
	if m.embedder == nil || m.retrievalLimit == 0 {
		return nil, nil
	}
	vec, err := m.embedder.Embed(ctx, current)
	if err != nil {
		return nil, err
	}
	exclude := make([]string, 0, len(window))
	for _, msg := range window {
		exclude = append(exclude, msg.MessageID)
	}
	hits, err := m.store.SearchEmbeddings(ctx, vec, store.EmbeddingFilter{
		Kind:           store.EmbeddingKindMessage,
		UserID:         userID,
		ConversationID: conversationID,
		ExcludeRefIDs:  exclude,
	}, m.threshold, m.retrievalLimit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.RefID)
	}
	msgs, err := m.store.MessagesByID(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAtUnixMs != msgs[j].CreatedAtUnixMs {
			return msgs[i].CreatedAtUnixMs < msgs[j].CreatedAtUnixMs
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// trim drops retrieved messages oldest first, then shortens the window from
// its oldest end, never below the floor. The summary is kept.
func (m *Manager) trim(c ConversationContext, budget int) ConversationContext {
	for c.TokenCount > budget && len(c.Relevant) > 0 {
		c.TokenCount -= messageTokens(c.Relevant[0])
		c.Relevant = c.Relevant[1:]
	}
	if len(c.Relevant) == 0 {
		c.Relevant = nil
	}
	for c.TokenCount > budget && len(c.Recent) > m.minWindow {
		c.TokenCount -= messageTokens(c.Recent[0])
		c.Recent = c.Recent[1:]
	}
	return c
}

func (c ConversationContext) tokens() int {
	total := EstimateTokens(c.Summary)
	for _, msg := range c.Relevant {
		total += messageTokens(msg)
	}
	for _, msg := range c.Recent {
		total += messageTokens(msg)
	}
	return total
}

func messageTokens(msg store.Message) int {
	if msg.TokenEstimate > 0 {
		return msg.TokenEstimate
	}
	return EstimateTokens(msg.Content)
}

// Background renders the summary and retrieved messages as one context block
// for the system side of the prompt. It is empty when there is neither.
func (c ConversationContext) Background() string {
	var b strings.Builder
	if c.Summary != "" {
		b.WriteString("Conversation summary:\n")
		b.WriteString(c.Summary)
	}
	if len(c.Relevant) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Earlier messages that may be relevant:")
		for _, msg := range c.Relevant {
			b.WriteString("\n- [")
			b.WriteString(msg.Role)
			b.WriteString("] ")
			b.WriteString(strings.TrimSpace(msg.Content))
		}
	}
	return b.String()
}
