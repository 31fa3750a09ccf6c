package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// AIConfig configures the capability providers behind each routing tier.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys come from
//     providers[].api_key_env or the local secrets file.
//   - Model references use the wire id form "<provider_id>/<model_name>".
type AIConfig struct {
	// Providers is the provider registry available to the tiers.
	Providers []AIProvider `yaml:"providers,omitempty"`

	// Tiers maps routing tiers to models.
	Tiers AITiers `yaml:"tiers"`

	// Embedding configures the similarity search provider. When nil, semantic
	// retrieval is disabled and memory degrades to window-only context.
	Embedding *AIEmbedding `yaml:"embedding,omitempty"`

	// Pricing lists per-model token prices used for cost estimates.
	Pricing []AIModelPrice `yaml:"pricing,omitempty"`
}

type AIProvider struct {
	// ID is a stable internal id. It must not change once used for secrets/model routing.
	ID string `yaml:"id"`

	// Name is a human-friendly display name.
	Name string `yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.groq.com/openai/v1").
	// When empty, provider defaults apply (except openai_compatible where base_url is required).
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the api key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Models is the allowed model list for this provider.
	Models []string `yaml:"models,omitempty"`
}

type AITierModel struct {
	// Model is the wire id "<provider_id>/<model_name>".
	Model string `yaml:"model"`

	// MaxOutputTokens caps one completion. Defaults to 1024.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
}

type AITiers struct {
	// Classifier is the lightweight model used when keyword heuristics are inconclusive.
	Classifier AITierModel `yaml:"classifier"`
	Simple     AITierModel `yaml:"simple"`
	Complex    AITierModel `yaml:"complex"`

	// SimpleFallback switches a failing simple-tier run to the complex tier once.
	// Defaults to true.
	SimpleFallback *bool `yaml:"simple_fallback,omitempty"`
}

type AIEmbedding struct {
	// ProviderID must reference an openai or openai_compatible provider.
	ProviderID string `yaml:"provider_id"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions,omitempty"`
}

// AIModelPrice is priced in dollars per one million tokens.
type AIModelPrice struct {
	// Model is the wire id "<provider_id>/<model_name>".
	Model       string  `yaml:"model"`
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenAICompatible = "openai_compatible"

	defaultTierMaxOutputTokens = 1024
)

func (c *AIConfig) applyDefaults() {
	if c == nil {
		return
	}
	for _, t := range []*AITierModel{&c.Tiers.Classifier, &c.Tiers.Simple, &c.Tiers.Complex} {
		if t.MaxOutputTokens <= 0 {
			t.MaxOutputTokens = defaultTierMaxOutputTokens
		}
	}
	if c.Tiers.Classifier.Model == "" {
		c.Tiers.Classifier.Model = c.Tiers.Simple.Model
	}
}

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]string, len(c.Providers))
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}

		t := strings.TrimSpace(p.Type)
		switch t {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeOpenAICompatible:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}
		seen[id] = t

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == ProviderTypeOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j, m := range p.Models {
			name := strings.TrimSpace(m)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model name", i, j)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model %q", i, j, name)
			}
			modelNames[name] = struct{}{}
		}
	}

	tiers := []struct {
		name string
		tier AITierModel
	}{{"simple", c.Tiers.Simple}, {"complex", c.Tiers.Complex}, {"classifier", c.Tiers.Classifier}}
	for _, it := range tiers {
		if strings.TrimSpace(it.tier.Model) == "" {
			return fmt.Errorf("tiers.%s: missing model", it.name)
		}
		if !c.IsAllowedModelID(it.tier.Model) {
			return fmt.Errorf("tiers.%s: unknown model %q", it.name, it.tier.Model)
		}
	}

	if e := c.Embedding; e != nil {
		t, ok := seen[strings.TrimSpace(e.ProviderID)]
		if !ok {
			return fmt.Errorf("embedding: unknown provider_id %q", e.ProviderID)
		}
		if t == ProviderTypeAnthropic {
			return errors.New("embedding: anthropic providers do not serve embeddings")
		}
		if strings.TrimSpace(e.Model) == "" {
			return errors.New("embedding: missing model")
		}
		if e.Dimensions < 0 {
			return errors.New("embedding: dimensions must be >= 0")
		}
	}

	for i, p := range c.Pricing {
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("pricing[%d]: missing model", i)
		}
		if p.InputPer1M < 0 || p.OutputPer1M < 0 {
			return fmt.Errorf("pricing[%d]: prices must be >= 0", i)
		}
	}
	return nil
}

// IsAllowedModelID reports whether the given model wire id (<provider_id>/<model_name>) exists in the config allow-list.
func (c *AIConfig) IsAllowedModelID(modelID string) bool {
	p, mn, ok := c.ResolveModel(modelID)
	return ok && p != nil && mn != ""
}

// ResolveModel splits a wire id and returns the owning provider.
func (c *AIConfig) ResolveModel(modelID string) (*AIProvider, string, bool) {
	if c == nil {
		return nil, "", false
	}
	pid, mn, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return nil, "", false
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m) == mn {
				return p, mn, true
			}
		}
		return nil, "", false
	}
	return nil, "", false
}

func (c *AIConfig) FindProvider(id string) (*AIProvider, bool) {
	if c == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].ID) == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

func (c *AIConfig) EffectiveSimpleFallback() bool {
	if c == nil || c.Tiers.SimpleFallback == nil {
		return true
	}
	return *c.Tiers.SimpleFallback
}
