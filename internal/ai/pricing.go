package ai

import (
	"strings"

	"github.com/floegence/coach-agent/internal/config"
)

// Pricing maps a model wire id to dollars per one million tokens.
type Pricing map[string]config.AIModelPrice

func NewPricing(prices []config.AIModelPrice) Pricing {
	out := make(Pricing, len(prices))
	for _, p := range prices {
		if id := strings.TrimSpace(p.Model); id != "" {
			out[id] = p
		}
	}
	return out
}

// Cost estimates the dollar cost of u on modelID. Unpriced models cost 0.
func (p Pricing) Cost(modelID string, u Usage) float64 {
	price, ok := p[strings.TrimSpace(modelID)]
	if !ok {
		return 0
	}
	return (float64(u.InputTokens)*price.InputPer1M + float64(u.OutputTokens)*price.OutputPer1M) / 1_000_000
}
