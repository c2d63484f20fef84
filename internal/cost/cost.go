// Package cost derives per-call cost from token counts and per-provider
// pricing, grounded on the original calculate_cost helper (app/crud.py)
// and generalized to Go's explicit multi-return-value style.
package cost

import "github.com/relaygate/gateway/internal/models"

// Usage is the (possibly partial) token triple reported by an upstream.
type Usage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Compute applies the rules in order and returns the cost, or false if
// none of the pricing rules could be satisfied.
func Compute(p models.Provider, u Usage) (float64, bool) {
	hasSplit := p.InputPricePerMillion != nil && p.OutputPricePerMillion != nil
	hasUnified := p.PricePerMillionTokens != nil

	if hasSplit {
		if u.PromptTokens != nil && u.CompletionTokens != nil {
			in := float64(*u.PromptTokens) / 1_000_000 * *p.InputPricePerMillion
			out := float64(*u.CompletionTokens) / 1_000_000 * *p.OutputPricePerMillion
			return in + out, true
		}
		if u.TotalTokens != nil {
			avg := (*p.InputPricePerMillion + *p.OutputPricePerMillion) / 2
			return float64(*u.TotalTokens) / 1_000_000 * avg, true
		}
		return 0, false
	}

	if hasUnified {
		if u.PromptTokens != nil && u.CompletionTokens != nil {
			total := *u.PromptTokens + *u.CompletionTokens
			return float64(total) / 1_000_000 * *p.PricePerMillionTokens, true
		}
		if u.TotalTokens != nil {
			return float64(*u.TotalTokens) / 1_000_000 * *p.PricePerMillionTokens, true
		}
	}

	return 0, false
}
