package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfigYAML = `
db_path: data/coach.sqlite
log_format: text
ai:
  providers:
    - id: groq
      type: openai_compatible
      base_url: https://api.groq.com/openai/v1
      api_key_env: GROQ_API_KEY
      models: [llama-3.3-70b-versatile]
    - id: anthropic
      type: anthropic
      api_key_env: ANTHROPIC_API_KEY
      models: [claude-sonnet-4-5]
  tiers:
    simple:
      model: groq/llama-3.3-70b-versatile
    complex:
      model: anthropic/claude-sonnet-4-5
      max_output_tokens: 2048
cache:
  ttls:
    get_user_profile: 45m
agent:
  tool_timeout: 3s
`

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfigYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Cache.TTLs["get_user_profile"]; got != 45*time.Minute {
		t.Fatalf("ttl=%v, want 45m", got)
	}
	if cfg.Agent.ToolTimeout != 3*time.Second {
		t.Fatalf("tool_timeout=%v, want 3s", cfg.Agent.ToolTimeout)
	}
	if cfg.Agent.MaxIterations != defaultAgentMaxIterations {
		t.Fatalf("max_iterations=%d, want %d", cfg.Agent.MaxIterations, defaultAgentMaxIterations)
	}
	if cfg.Memory.MinWindow != 3 || cfg.Memory.WindowSize != 10 {
		t.Fatalf("memory defaults=%+v", cfg.Memory)
	}
	if cfg.AI.Tiers.Complex.MaxOutputTokens != 2048 {
		t.Fatalf("complex max_output_tokens=%d, want 2048", cfg.AI.Tiers.Complex.MaxOutputTokens)
	}
	if got := ResolvePath(path, cfg.DBPath); got != filepath.Join(filepath.Dir(path), "data", "coach.sqlite") {
		t.Fatalf("ResolvePath=%q", got)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		extra string
	}{
		{name: "log level", extra: "log_level: verbose\n"},
		{name: "timezone", extra: "timezone: Mars/Olympus\n"},
		{name: "memory window", extra: "memory:\n  min_window: 20\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(sampleConfigYAML+tc.extra), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected %s error", tc.name)
			}
		})
	}
}

func TestConfig_Location(t *testing.T) {
	t.Parallel()

	cfg := &Config{Timezone: "Europe/Madrid"}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.String() != "Europe/Madrid" {
		t.Fatalf("loc=%q, want Europe/Madrid", loc.String())
	}
	if loc, _ := (&Config{}).Location(); loc != time.Local {
		t.Fatalf("empty timezone=%v, want Local", loc)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.yaml")
	if err := os.WriteFile(src, []byte(sampleConfigYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dst := filepath.Join(dir, "nested", "out.yaml")
	if err := Save(dst, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := Load(dst)
	if err != nil {
		t.Fatalf("Load saved: %v", err)
	}
	if again.Cache.TTLs["get_user_profile"] != 45*time.Minute {
		t.Fatalf("ttl lost on round trip: %v", again.Cache.TTLs)
	}
	if again.AI.Tiers.Simple.Model != cfg.AI.Tiers.Simple.Model {
		t.Fatalf("simple tier=%q, want %q", again.AI.Tiers.Simple.Model, cfg.AI.Tiers.Simple.Model)
	}
}
