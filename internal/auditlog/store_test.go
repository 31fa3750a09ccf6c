package auditlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := New(Options{
		StateDir:   t.TempDir(),
		MaxBytes:   maxBytes,
		MaxBackups: 2,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_ListNewestFirstPerUser(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	s.Append(Entry{Action: ActionMessageAnswered, UserID: "u1", Tier: "simple", Tokens: 100, Cost: 0.001})
	s.Append(Entry{Action: ActionMessageAnswered, UserID: "u2", Tier: "complex", Tokens: 900})
	s.Append(Entry{Action: ActionMessageFailed, Status: "failure", UserID: "u1", Error: "quota_exceeded"})

	all, err := s.List("", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Action != ActionMessageFailed {
		t.Fatalf("entries=%+v", all)
	}
	mine, _ := s.List("u1", 10)
	if len(mine) != 2 {
		t.Fatalf("u1 entries=%d, want 2", len(mine))
	}
	u := Summarize(mine)
	if u.Turns != 1 || u.Failed != 1 || u.Tokens != 100 || u.ByTier["simple"] != 1 {
		t.Fatalf("usage=%+v", u)
	}
	if all[1].Status != "success" || all[1].CreatedAt == "" {
		t.Fatalf("defaults not applied: %+v", all[1])
	}
}

func TestStore_RotatesAndKeepsBackups(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 200)
	for i := 0; i < 20; i++ {
		s.Append(Entry{Action: ActionMessageAnswered, UserID: "u1", Model: strings.Repeat("m", 40)})
	}
	ents, err := os.ReadDir(filepath.Join(s.dir))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), "turns-") {
			rotated++
		}
	}
	if rotated == 0 || rotated > 2 {
		t.Fatalf("rotated files=%d, want 1..2", rotated)
	}
	got, _ := s.List("u1", 1000)
	if len(got) == 0 || len(got) >= 20 {
		t.Fatalf("entries after rotation=%d", len(got))
	}
}
