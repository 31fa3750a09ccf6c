package ai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/coach-agent/internal/store"
)

func TestSummarizer_WritesSummaryForIdleConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "coach.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	idle, err := s.EnsureConversation(ctx, "u1", "")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	active, err := s.EnsureConversation(ctx, "u1", "")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	old := now.Add(-2 * time.Hour).UnixMilli()
	for i, text := range []string{"I want to lose 4 kg by June", "Noted. Aim for a 400 kcal deficit."} {
		role := store.RoleUser
		if i == 1 {
			role = store.RoleAssistant
		}
		if _, err := s.AppendMessage(ctx, store.Message{ConversationID: idle.ConversationID, UserID: "u1", Role: role, Content: text, CreatedAtUnixMs: old + int64(i)}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if _, err := s.AppendMessage(ctx, store.Message{ConversationID: active.ConversationID, UserID: "u1", Role: store.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	p := &scriptedProvider{steps: []step{func(req CompletionRequest) (Completion, error) {
		if !strings.Contains(req.Messages[0].Text, "lose 4 kg") {
			return Completion{}, errors.New("conversation text missing")
		}
		return Completion{Text: "- Goal: lose 4 kg by June\n- Target deficit 400 kcal"}, nil
	}}}
	sum, err := NewSummarizer(SummarizerOptions{
		Store:   s,
		Binding: &Binding{ModelID: "fake/simple", Model: "simple", Provider: p},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewSummarizer: %v", err)
	}

	n, err := sum.Run(ctx, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("written=%d, want 1", n)
	}
	got, err := s.GetSummary(ctx, "u1", idle.ConversationID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !strings.Contains(got.Summary, "400 kcal") || got.CoveredUntilUnixMs < old+1 {
		t.Fatalf("summary=%+v", got)
	}

	// Covered conversations are not summarized again.
	if n, err := sum.Run(ctx, 10); err != nil || n != 0 {
		t.Fatalf("second run written=%d err=%v, want 0", n, err)
	}
}
