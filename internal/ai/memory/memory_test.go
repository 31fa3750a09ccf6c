package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/coach-agent/internal/store"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

// brokenStore wraps a real store and fails selected calls.
type brokenStore struct {
	*store.Store
	recentErr  error
	searchErr  error
	summaryErr error
}

func (b brokenStore) RecentMessages(ctx context.Context, userID string, conversationID string, limit int) ([]store.Message, error) {
	if b.recentErr != nil {
		return nil, b.recentErr
	}
	return b.Store.RecentMessages(ctx, userID, conversationID, limit)
}

func (b brokenStore) SearchEmbeddings(ctx context.Context, q []float32, f store.EmbeddingFilter, th float64, limit int) ([]store.ScoredEmbedding, error) {
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return b.Store.SearchEmbeddings(ctx, q, f, th, limit)
}

func (b brokenStore) GetSummary(ctx context.Context, userID string, conversationID string) (store.Summary, error) {
	if b.summaryErr != nil {
		return store.Summary{}, b.summaryErr
	}
	return b.Store.GetSummary(ctx, userID, conversationID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedConversation writes n messages of 40 chars (10 tokens) each. Even
// messages get an embedding close to the query vector.
func seedConversation(t *testing.T, s *store.Store, n int) []store.Message {
	t.Helper()
	ctx := context.Background()
	if _, err := s.EnsureConversation(ctx, "u1", "c1"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	out := make([]store.Message, 0, n)
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		content := fmt.Sprintf("message %02d %s", i, strings.Repeat("x", 40-len("message 00 ")))
		msg, err := s.AppendMessage(ctx, store.Message{
			ConversationID:  "c1",
			UserID:          "u1",
			Role:            role,
			Content:         content,
			TokenEstimate:   EstimateTokens(content),
			CreatedAtUnixMs: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		vec := []float32{0, 1}
		if i%2 == 0 {
			vec = []float32{1, 0.05}
		}
		if err := s.PutEmbedding(ctx, store.Embedding{Kind: store.EmbeddingKindMessage, RefID: msg.MessageID, UserID: "u1", ConversationID: "c1", Content: content, Vector: vec}); err != nil {
			t.Fatalf("PutEmbedding: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "coach.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"": 0, "   ": 0, "abc": 1, "abcd": 1, "abcde": 2, "ñandú!!": 2}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Fatalf("EstimateTokens(%q)=%d, want %d", in, got, want)
		}
	}
}

func TestGetConversationContext_WindowRetrievalSummary(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	msgs := seedConversation(t, s, 16)
	if err := s.PutSummary(context.Background(), store.Summary{ConversationID: "c1", UserID: "u1", Summary: "User is cutting for a meet."}); err != nil {
		t.Fatalf("PutSummary: %v", err)
	}

	m, err := New(Options{Store: s, Embedder: fakeEmbedder{vec: []float32{1, 0}}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := m.GetConversationContext(context.Background(), "u1", "c1", "what did I say about squats", 10_000)

	if len(got.Recent) != 10 {
		t.Fatalf("recent=%d, want 10", len(got.Recent))
	}
	if got.Recent[0].MessageID != msgs[6].MessageID || got.Recent[9].MessageID != msgs[15].MessageID {
		t.Fatalf("window is not the chronological tail")
	}
	// Older even messages (0, 2, 4) match; odd ones are orthogonal.
	if len(got.Relevant) != 3 {
		t.Fatalf("relevant=%d, want 3", len(got.Relevant))
	}
	for i, want := range []int{0, 2, 4} {
		if got.Relevant[i].MessageID != msgs[want].MessageID {
			t.Fatalf("relevant[%d]=%q, want message %d", i, got.Relevant[i].Content, want)
		}
	}
	if got.Summary != "User is cutting for a meet." {
		t.Fatalf("summary=%q", got.Summary)
	}
	want := 13*10 + EstimateTokens(got.Summary)
	if got.TokenCount != want {
		t.Fatalf("token_count=%d, want %d", got.TokenCount, want)
	}
	if !strings.Contains(got.Background(), "Earlier messages that may be relevant") {
		t.Fatalf("background=%q", got.Background())
	}
}

func TestGetConversationContext_TrimOrder(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	msgs := seedConversation(t, s, 16)
	m, err := New(Options{Store: s, Embedder: fakeEmbedder{vec: []float32{1, 0}}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 13 messages of 10 tokens: dropping two retrieved messages fits 110.
	got := m.GetConversationContext(context.Background(), "u1", "c1", "squats", 110)
	if len(got.Recent) != 10 || len(got.Relevant) != 1 {
		t.Fatalf("recent=%d relevant=%d, want 10 and 1", len(got.Recent), len(got.Relevant))
	}
	if got.Relevant[0].MessageID != msgs[4].MessageID {
		t.Fatalf("kept relevant %q, want the most recent one", got.Relevant[0].Content)
	}

	// All retrieved messages go before the window shrinks.
	got = m.GetConversationContext(context.Background(), "u1", "c1", "squats", 60)
	if len(got.Relevant) != 0 || len(got.Recent) != 6 {
		t.Fatalf("recent=%d relevant=%d, want 6 and 0", len(got.Recent), len(got.Relevant))
	}
	if got.Recent[0].MessageID != msgs[10].MessageID {
		t.Fatalf("window trimmed from the wrong end")
	}
	if got.TokenCount > 60 {
		t.Fatalf("token_count=%d exceeds budget", got.TokenCount)
	}
}

func TestGetConversationContext_WindowFloor(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seedConversation(t, s, 12)
	m, err := New(Options{Store: s, MinWindow: 1, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, budget := range []int{1, 5, 29} {
		got := m.GetConversationContext(context.Background(), "u1", "c1", "hi", budget)
		if len(got.Recent) != 3 {
			t.Fatalf("budget=%d recent=%d, want floor of 3", budget, len(got.Recent))
		}
	}
}

func TestGetConversationContext_Degrades(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seedConversation(t, s, 12)
	if err := s.PutSummary(context.Background(), store.Summary{ConversationID: "c1", UserID: "u1", Summary: "s"}); err != nil {
		t.Fatalf("PutSummary: %v", err)
	}

	cases := []struct {
		name        string
		st          brokenStore
		embedder    fakeEmbedder
		wantRecent  int
		wantSummary bool
	}{
		{name: "embed failure", st: brokenStore{Store: s}, embedder: fakeEmbedder{err: errors.New("embed down")}, wantRecent: 10, wantSummary: true},
		{name: "search failure", st: brokenStore{Store: s, searchErr: errors.New("search down")}, embedder: fakeEmbedder{vec: []float32{1, 0}}, wantRecent: 10, wantSummary: true},
		{name: "summary failure", st: brokenStore{Store: s, summaryErr: errors.New("disk")}, embedder: fakeEmbedder{vec: []float32{1, 0}}, wantRecent: 10},
		{name: "summary missing", st: brokenStore{Store: s, summaryErr: sql.ErrNoRows}, embedder: fakeEmbedder{vec: []float32{1, 0}}, wantRecent: 10},
		{name: "window failure", st: brokenStore{Store: s, recentErr: errors.New("locked")}, embedder: fakeEmbedder{vec: []float32{1, 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(Options{Store: tc.st, Embedder: tc.embedder, Logger: discardLogger()})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			got := m.GetConversationContext(context.Background(), "u1", "c1", "squats", 10_000)
			if len(got.Recent) != tc.wantRecent {
				t.Fatalf("recent=%d, want %d", len(got.Recent), tc.wantRecent)
			}
			if (got.Summary != "") != tc.wantSummary {
				t.Fatalf("summary=%q, want present=%v", got.Summary, tc.wantSummary)
			}
			if tc.embedder.err != nil || tc.st.searchErr != nil {
				if len(got.Relevant) != 0 {
					t.Fatalf("relevant=%d after retrieval failure", len(got.Relevant))
				}
			}
		})
	}
}
