package agent

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/coach-agent/internal/ai"
	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/auditlog"
	"github.com/floegence/coach-agent/internal/config"
	"github.com/floegence/coach-agent/internal/settings"
)

const testConfigYAML = `
db_path: data/coach.sqlite
log_format: text
timezone: UTC
ai:
  providers:
    - id: groq
      type: openai_compatible
      base_url: http://127.0.0.1:1/openai/v1
      api_key_env: COACH_AGENT_TEST_UNSET_GROQ
      models: [llama-3.1-8b-instant]
    - id: anthropic
      type: anthropic
      base_url: http://127.0.0.1:1
      api_key_env: COACH_AGENT_TEST_UNSET_ANTHROPIC
      models: [claude-sonnet-4-5]
  tiers:
    simple:
      model: groq/llama-3.1-8b-instant
    complex:
      model: anthropic/claude-sonnet-4-5
`

func newTestAgent(t *testing.T) (*Agent, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	secrets := settings.NewSecretsStore(SecretsPath(cfg, cfgPath))
	for _, id := range []string{"groq", "anthropic"} {
		if err := secrets.SetAPIKey(id, "sk-test-"+id); err != nil {
			t.Fatalf("SetAPIKey: %v", err)
		}
	}
	a, err := New(Options{Config: cfg, ConfigPath: cfgPath, LogOutput: io.Discard, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a, dir
}

func TestAgent_TrivialTurnEndToEnd(t *testing.T) {
	t.Parallel()

	a, dir := newTestAgent(t)
	ctx := context.Background()
	a.Start(ctx)

	res, err := a.HandleMessage(ctx, ai.Request{UserID: "u1", Text: "thanks!"})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if res.Tier != router.TierTrivial || strings.TrimSpace(res.Reply) == "" {
		t.Fatalf("result=%+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "coach.sqlite")); err != nil {
		t.Fatalf("database not created: %v", err)
	}

	audit, err := auditlog.New(auditlog.Options{StateDir: a.StateDir(), Logger: a.Logger()})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}
	entries, err := audit.List("u1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	usage := auditlog.Summarize(entries)
	if usage.Turns != 1 || usage.ByTier["trivial"] != 1 || len(entries) != 1 {
		t.Fatalf("usage=%+v entries=%d", usage, len(entries))
	}

	// Nothing is idle yet, so no provider call is made.
	if n, err := a.Summarize(ctx); err != nil || n != 0 {
		t.Fatalf("Summarize=%d err=%v", n, err)
	}
	if len(a.Tools().ReadOnly()) == 0 {
		t.Fatalf("read-only tools missing")
	}
	a.Close()
	a.Close()
}

func TestNew_MissingKeyFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	_, err = New(Options{Config: cfg, ConfigPath: cfgPath, LogOutput: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "coach secrets set") {
		t.Fatalf("err=%v, want missing key hint", err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	cases := []struct {
		format  string
		level   string
		wantErr bool
		want    string
	}{
		{format: "json", level: "info", want: `"msg":"hello"`},
		{format: "text", level: "debug", want: "msg=hello"},
		{format: "", level: "", want: `"msg":"hello"`},
		{format: "xml", level: "info", wantErr: true},
		{format: "json", level: "loud", wantErr: true},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, tc.format, tc.level)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("newLogger(%q,%q) expected error", tc.format, tc.level)
			}
			continue
		}
		if err != nil {
			t.Fatalf("newLogger(%q,%q): %v", tc.format, tc.level, err)
		}
		logger.Info("hello")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("output=%q, want %q", buf.String(), tc.want)
		}
	}
}
