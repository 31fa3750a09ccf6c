package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/store"
)

const (
	defaultSummaryMessages  = 40
	defaultSummaryStaleness = 30 * time.Minute
	summaryMaxOutputTokens  = 400
)

var summarizerPrompt = strings.Join([]string{
	"Summarize this coaching conversation for later turns.",
	"Keep the user's goals, constraints, preferences, decisions and open questions.",
	"Keep concrete numbers the user stated. Drop greetings and small talk.",
	"Write at most 8 short bullet points in the conversation's language.",
}, "\n")

// SummaryStore is the part of the store the summarizer touches.
type SummaryStore interface {
	StaleConversations(ctx context.Context, cutoffUnixMs int64, limit int) ([]store.Conversation, error)
	RecentMessages(ctx context.Context, userID string, conversationID string, limit int) ([]store.Message, error)
	GetSummary(ctx context.Context, userID string, conversationID string) (store.Summary, error)
	PutSummary(ctx context.Context, sum store.Summary) error
}

type SummarizerOptions struct {
	Store   SummaryStore
	Binding *Binding
	// Staleness is how long a conversation must be idle before it is summarized.
	Staleness   time.Duration
	MaxMessages int
	Timeout     time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Summarizer writes the out-of-band conversation summaries that the memory
// manager reads. It never runs on the request path.
type Summarizer struct {
	store       SummaryStore
	binding     *Binding
	staleness   time.Duration
	maxMessages int
	timeout     time.Duration
	now         func() time.Time
	log         *slog.Logger
}

func NewSummarizer(opts SummarizerOptions) (*Summarizer, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if !opts.Binding.valid() {
		return nil, errors.New("missing summarizer model")
	}
	s := &Summarizer{
		store:       opts.Store,
		binding:     opts.Binding,
		staleness:   opts.Staleness,
		maxMessages: opts.MaxMessages,
		timeout:     opts.Timeout,
		now:         opts.Now,
		log:         opts.Logger,
	}
	if s.staleness <= 0 {
		s.staleness = defaultSummaryStaleness
	}
	if s.maxMessages <= 0 {
		s.maxMessages = defaultSummaryMessages
	}
	if s.timeout <= 0 {
		s.timeout = defaultProviderTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Run summarizes up to limit idle conversations and reports how many
// summaries were written. A failing conversation is logged and skipped.
func (s *Summarizer) Run(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-s.staleness).UnixMilli()
	convs, err := s.store.StaleConversations(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale conversations: %w", err)
	}
	written := 0
	for _, c := range convs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := s.summarize(ctx, c); err != nil {
			s.log.Warn("summarize conversation failed", "user_id", c.UserID, "conversation_id", c.ConversationID, "error", err)
			continue
		}
		written++
	}
	return written, nil
}

func (s *Summarizer) summarize(ctx context.Context, c store.Conversation) error {
	msgs, err := s.store.RecentMessages(ctx, c.UserID, c.ConversationID, s.maxMessages)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	var b strings.Builder
	if prev, err := s.store.GetSummary(ctx, c.UserID, c.ConversationID); err == nil && prev.Summary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prev.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("Messages:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, strings.TrimSpace(m.Content))
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	comp, err := s.binding.Provider.Complete(cctx, CompletionRequest{
		Model:           s.binding.Model,
		System:          summarizerPrompt,
		Messages:        []Message{{Role: RoleUser, Text: b.String()}},
		MaxOutputTokens: summaryMaxOutputTokens,
	})
	if err != nil {
		return classifyProviderError(err)
	}
	text := strings.TrimSpace(comp.Text)
	if text == "" {
		return newError(KindMalformedResponse, errors.New("empty summary"))
	}
	return s.store.PutSummary(ctx, store.Summary{
		ConversationID:     c.ConversationID,
		UserID:             c.UserID,
		Summary:            text,
		CoveredUntilUnixMs: max(c.UpdatedAtUnixMs, msgs[len(msgs)-1].CreatedAtUnixMs),
	})
}
