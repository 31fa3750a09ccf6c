// Package auditlog appends one JSON line per handled turn or confirmed
// action to a size-rotated file, so usage and cost can be reviewed offline.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	ActionMessageAnswered = "message_answered"
	ActionMessageFailed   = "message_failed"
	ActionActionConfirmed = "action_confirmed"
)

// Entry never carries message content or tool payloads.
type Entry struct {
	CreatedAt string `json:"created_at"`
	Action    string `json:"action"`
	// Status is "success" or "failure".
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`

	Tier       string  `json:"tier,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	Model      string  `json:"model,omitempty"`
	State      string  `json:"state,omitempty"`
	Iterations int     `json:"iterations,omitempty"`
	ToolCalls  int     `json:"tool_calls,omitempty"`
	Tokens     int64   `json:"tokens,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the agent state directory (e.g. ~/.coach-agent).
	StateDir string
	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	dir := filepath.Join(stateDir, "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, "turns.jsonl")
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append never fails the caller; write errors are logged.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		s.log.Warn("auditlog encode failed", "error", err)
		return
	}
	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first, optionally for one user.
func (s *Store) List(userID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	userID = strings.TrimSpace(userID)

	s.mu.Lock()
	files := s.listFilesLocked()
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readFileNewestFirst(path)
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		for _, e := range entries {
			if userID != "" && e.UserID != userID {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Usage totals tokens and cost of answered turns.
type Usage struct {
	Turns  int            `json:"turns"`
	Failed int            `json:"failed"`
	Tokens int64          `json:"tokens"`
	Cost   float64        `json:"cost"`
	ByTier map[string]int `json:"by_tier"`
}

func Summarize(entries []Entry) Usage {
	u := Usage{ByTier: map[string]int{}}
	for _, e := range entries {
		switch e.Action {
		case ActionMessageAnswered:
			u.Turns++
			u.Tokens += e.Tokens
			u.Cost += e.Cost
			if e.Tier != "" {
				u.ByTier[e.Tier]++
			}
		case ActionMessageFailed:
			u.Failed++
		}
	}
	return u
}

func (s *Store) rotatedNamesLocked() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		// turns-<unix_ms>.jsonl
		if strings.HasPrefix(name, "turns-") && strings.HasSuffix(name, ".jsonl") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Store) listFilesLocked() []string {
	paths := []string{s.activePath}
	names := s.rotatedNamesLocked()
	for i := len(names) - 1; i >= 0; i-- {
		paths = append(paths, filepath.Join(s.dir, names[i]))
	}
	return paths
}

func (s *Store) maybeRotateLocked() {
	if s.maxBytes <= 0 {
		return
	}
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("turns-%d.jsonl", time.Now().UnixMilli()))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	names := s.rotatedNamesLocked()
	if len(names) <= s.maxBackups {
		return
	}
	for _, name := range names[:len(names)-s.maxBackups] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

func readFileNewestFirst(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
