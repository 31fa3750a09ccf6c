package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/config"
)

// Binding ties a tier to one provider model.
type Binding struct {
	// ModelID is the wire id "<provider_id>/<model_name>".
	ModelID         string
	Model           string
	ProviderType    string
	MaxOutputTokens int
	Provider        Provider
}

func (b *Binding) valid() bool {
	return b != nil && b.Provider != nil && strings.TrimSpace(b.Model) != ""
}

// KeyResolver returns the API key for a provider. envName is the provider's
// configured api_key_env.
type KeyResolver func(providerID string, envName string) (string, error)

// Tiers holds the bound models per tier.
type Tiers struct {
	Classifier *Binding
	Simple     *Binding
	Complex    *Binding
	// SimpleFallback lets a failing simple-tier turn retry once on Complex.
	SimpleFallback bool
}

// For returns the binding for a routed tier plus the alternate to use on
// provider failure (nil when none).
func (t *Tiers) For(tier router.Tier) (*Binding, *Binding) {
	if t == nil {
		return nil, nil
	}
	switch tier {
	case router.TierComplex:
		return t.Complex, nil
	default:
		if !t.Simple.valid() {
			return t.Complex, nil
		}
		if t.SimpleFallback && t.Complex.valid() {
			return t.Simple, t.Complex
		}
		return t.Simple, nil
	}
}

// ModelIDs maps each routed tier to the model that will answer it, for
// reporting in the classification.
func (t *Tiers) ModelIDs() map[router.Tier]string {
	out := make(map[router.Tier]string, 2)
	for _, tier := range []router.Tier{router.TierSimple, router.TierComplex} {
		if b, _ := t.For(tier); b.valid() {
			out[tier] = b.ModelID
		}
	}
	return out
}

// NewTiers builds one client per referenced provider and binds the tiers.
func NewTiers(cfg config.AIConfig, keys KeyResolver) (*Tiers, error) {
	clients := make(map[string]Provider)
	bind := func(tm config.AITierModel) (*Binding, error) {
		if strings.TrimSpace(tm.Model) == "" {
			return nil, nil
		}
		p, model, ok := cfg.ResolveModel(tm.Model)
		if !ok {
			return nil, fmt.Errorf("unknown model %q", tm.Model)
		}
		client, ok := clients[p.ID]
		if !ok {
			var apiKey string
			if keys != nil {
				k, err := keys(p.ID, p.APIKeyEnv)
				if err != nil {
					return nil, fmt.Errorf("provider %s: %w", p.ID, err)
				}
				apiKey = k
			}
			c, err := newProviderAdapter(p.Type, p.BaseURL, apiKey)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.ID, err)
			}
			clients[p.ID] = c
			client = c
		}
		return &Binding{
			ModelID:         strings.TrimSpace(tm.Model),
			Model:           model,
			ProviderType:    p.Type,
			MaxOutputTokens: tm.MaxOutputTokens,
			Provider:        client,
		}, nil
	}

	var (
		t   Tiers
		err error
	)
	if t.Classifier, err = bind(cfg.Tiers.Classifier); err != nil {
		return nil, fmt.Errorf("classifier tier: %w", err)
	}
	if t.Simple, err = bind(cfg.Tiers.Simple); err != nil {
		return nil, fmt.Errorf("simple tier: %w", err)
	}
	if t.Complex, err = bind(cfg.Tiers.Complex); err != nil {
		return nil, fmt.Errorf("complex tier: %w", err)
	}
	if !t.Complex.valid() {
		return nil, errors.New("complex tier is required")
	}
	t.SimpleFallback = cfg.EffectiveSimpleFallback()
	return &t, nil
}

func newProviderAdapter(providerType string, baseURL string, apiKey string) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing api key")
	}
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAICompatible:
		return newOpenAIProvider(baseURL, apiKey), nil
	case config.ProviderTypeAnthropic:
		return newAnthropicProvider(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// classifierCompleter adapts a binding to the router's Completer.
type classifierCompleter struct {
	binding *Binding
}

func (c classifierCompleter) Complete(ctx context.Context, system string, user string) (string, error) {
	if !c.binding.valid() {
		return "", errors.New("classifier not configured")
	}
	maxTokens := c.binding.MaxOutputTokens
	if maxTokens <= 0 || maxTokens > 256 {
		maxTokens = 256
	}
	out, err := c.binding.Provider.Complete(ctx, CompletionRequest{
		Model:           c.binding.Model,
		System:          system,
		Messages:        []Message{{Role: RoleUser, Text: user}},
		MaxOutputTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// NewClassifier returns the router Completer backed by the classifier tier,
// or nil when no classifier model is bound.
func NewClassifier(t *Tiers) router.Completer {
	if t == nil || !t.Classifier.valid() {
		return nil
	}
	return classifierCompleter{binding: t.Classifier}
}
