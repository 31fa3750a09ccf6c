package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type BootstrapArgs struct {
	ConfigPath string

	// Preset picks the provider layout: "groq-anthropic" (default), "openai" or "anthropic".
	Preset string

	DBPath    string
	Timezone  string
	LogFormat string
	LogLevel  string

	// Force overwrites an existing config. Without it, an existing file keeps
	// its ai section and only the flags given here change.
	Force bool
}

const (
	PresetGroqAnthropic = "groq-anthropic"
	PresetOpenAI        = "openai"
	PresetAnthropic     = "anthropic"
)

// BootstrapConfig writes a starter config.yaml with no secrets in it. Keys
// are set separately with `coach secrets set` or the api_key_env variables.
func BootstrapConfig(args BootstrapArgs) (writtenPath string, err error) {
	cfgPath := strings.TrimSpace(args.ConfigPath)
	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}

	var prev *Config
	if !args.Force {
		if c, loadErr := Load(cfgPath); loadErr == nil {
			prev = c
		} else if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", fmt.Errorf("existing config is invalid (use --force to replace it): %w", loadErr)
		}
	}

	var cfg *Config
	if prev != nil && strings.TrimSpace(args.Preset) == "" {
		cfg = prev
	} else {
		ai, err := presetAI(args.Preset)
		if err != nil {
			return "", err
		}
		cfg = &Config{}
		if prev != nil {
			*cfg = *prev
		}
		cfg.AI = ai
	}
	if v := strings.TrimSpace(args.DBPath); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(args.Timezone); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(args.LogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(args.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	cfg.ApplyDefaults()

	if err := Save(cfgPath, cfg); err != nil {
		return "", err
	}
	return filepath.Clean(cfgPath), nil
}

func presetAI(preset string) (AIConfig, error) {
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "", PresetGroqAnthropic:
		return AIConfig{
			Providers: []AIProvider{
				{ID: "groq", Name: "Groq", Type: ProviderTypeOpenAICompatible, BaseURL: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY", Models: []string{"llama-3.1-8b-instant", "llama-3.3-70b-versatile"}},
				{ID: "anthropic", Name: "Anthropic", Type: ProviderTypeAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", Models: []string{"claude-sonnet-4-5"}},
			},
			Tiers: AITiers{
				Classifier: AITierModel{Model: "groq/llama-3.1-8b-instant", MaxOutputTokens: 128},
				Simple:     AITierModel{Model: "groq/llama-3.3-70b-versatile"},
				Complex:    AITierModel{Model: "anthropic/claude-sonnet-4-5", MaxOutputTokens: 2048},
			},
			Pricing: []AIModelPrice{
				{Model: "groq/llama-3.1-8b-instant", InputPer1M: 0.05, OutputPer1M: 0.08},
				{Model: "groq/llama-3.3-70b-versatile", InputPer1M: 0.59, OutputPer1M: 0.79},
				{Model: "anthropic/claude-sonnet-4-5", InputPer1M: 3, OutputPer1M: 15},
			},
		}, nil
	case PresetOpenAI:
		return AIConfig{
			Providers: []AIProvider{
				{ID: "openai", Name: "OpenAI", Type: ProviderTypeOpenAI, APIKeyEnv: "OPENAI_API_KEY", Models: []string{"gpt-4o-mini", "gpt-4.1"}},
			},
			Tiers: AITiers{
				Classifier: AITierModel{Model: "openai/gpt-4o-mini", MaxOutputTokens: 128},
				Simple:     AITierModel{Model: "openai/gpt-4o-mini"},
				Complex:    AITierModel{Model: "openai/gpt-4.1", MaxOutputTokens: 2048},
			},
			Embedding: &AIEmbedding{ProviderID: "openai", Model: "text-embedding-3-small", Dimensions: 512},
			Pricing: []AIModelPrice{
				{Model: "openai/gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.6},
				{Model: "openai/gpt-4.1", InputPer1M: 2, OutputPer1M: 8},
			},
		}, nil
	case PresetAnthropic:
		return AIConfig{
			Providers: []AIProvider{
				{ID: "anthropic", Name: "Anthropic", Type: ProviderTypeAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", Models: []string{"claude-haiku-4-5", "claude-sonnet-4-5"}},
			},
			Tiers: AITiers{
				Classifier: AITierModel{Model: "anthropic/claude-haiku-4-5", MaxOutputTokens: 128},
				Simple:     AITierModel{Model: "anthropic/claude-haiku-4-5"},
				Complex:    AITierModel{Model: "anthropic/claude-sonnet-4-5", MaxOutputTokens: 2048},
			},
			Pricing: []AIModelPrice{
				{Model: "anthropic/claude-haiku-4-5", InputPer1M: 1, OutputPer1M: 5},
				{Model: "anthropic/claude-sonnet-4-5", InputPer1M: 3, OutputPer1M: 15},
			},
		}, nil
	default:
		return AIConfig{}, errors.New("unknown preset (want groq-anthropic, openai or anthropic)")
	}
}
