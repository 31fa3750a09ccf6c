package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBootstrapConfig_Presets(t *testing.T) {
	t.Parallel()

	for _, preset := range []string{"", PresetOpenAI, PresetAnthropic} {
		t.Run("preset="+preset, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.yaml")
			out, err := BootstrapConfig(BootstrapArgs{ConfigPath: path, Preset: preset, Timezone: "UTC"})
			if err != nil {
				t.Fatalf("BootstrapConfig: %v", err)
			}
			cfg, err := Load(out)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Timezone != "UTC" || cfg.AI.Tiers.Complex.Model == "" {
				t.Fatalf("cfg=%+v", cfg)
			}
			b, _ := os.ReadFile(out)
			if strings.Contains(strings.ToLower(string(b)), "sk-") {
				t.Fatalf("config contains a key:\n%s", b)
			}
		})
	}
}

func TestBootstrapConfig_KeepsExistingAI(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := BootstrapConfig(BootstrapArgs{ConfigPath: path, Preset: PresetOpenAI}); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if _, err := BootstrapConfig(BootstrapArgs{ConfigPath: path, LogLevel: "debug"}); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.Tiers.Simple.Model != "openai/gpt-4o-mini" || cfg.LogLevel != "debug" {
		t.Fatalf("simple=%q log_level=%q", cfg.AI.Tiers.Simple.Model, cfg.LogLevel)
	}

	if _, err := BootstrapConfig(BootstrapArgs{ConfigPath: path, Preset: "mystery"}); err == nil {
		t.Fatalf("expected unknown preset error")
	}
}
