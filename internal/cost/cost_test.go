package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaygate/gateway/internal/models"
)

func ptrF(f float64) *float64 { return &f }
func ptrI(i int) *int         { return &i }

func TestCompute_SplitPricingKnownBoth(t *testing.T) {
	p := models.Provider{InputPricePerMillion: ptrF(3.0), OutputPricePerMillion: ptrF(15.0)}
	c, ok := Compute(p, Usage{PromptTokens: ptrI(1_000_000), CompletionTokens: ptrI(1_000_000)})
	assert.True(t, ok)
	assert.InDelta(t, 18.0, c, 1e-9)
}

func TestCompute_SplitPricingOnlyTotal(t *testing.T) {
	p := models.Provider{InputPricePerMillion: ptrF(2.0), OutputPricePerMillion: ptrF(4.0)}
	c, ok := Compute(p, Usage{TotalTokens: ptrI(1_000_000)})
	assert.True(t, ok)
	assert.InDelta(t, 3.0, c, 1e-9)
}

func TestCompute_UnifiedPricingKnownPromptAndCompletion(t *testing.T) {
	p := models.Provider{PricePerMillionTokens: ptrF(10.0)}
	c, ok := Compute(p, Usage{PromptTokens: ptrI(500_000), CompletionTokens: ptrI(500_000)})
	assert.True(t, ok)
	assert.InDelta(t, 10.0, c, 1e-9)
}

func TestCompute_UnifiedPricingOnlyTotal(t *testing.T) {
	p := models.Provider{PricePerMillionTokens: ptrF(10.0)}
	c, ok := Compute(p, Usage{TotalTokens: ptrI(2_000_000)})
	assert.True(t, ok)
	assert.InDelta(t, 20.0, c, 1e-9)
}

func TestCompute_Undefined(t *testing.T) {
	p := models.Provider{}
	_, ok := Compute(p, Usage{PromptTokens: ptrI(1), CompletionTokens: ptrI(1)})
	assert.False(t, ok)
}

func TestCompute_SplitPricingPrefersOverUnified(t *testing.T) {
	p := models.Provider{
		InputPricePerMillion:  ptrF(1.0),
		OutputPricePerMillion: ptrF(1.0),
		PricePerMillionTokens: ptrF(100.0),
	}
	c, ok := Compute(p, Usage{PromptTokens: ptrI(1_000_000), CompletionTokens: ptrI(1_000_000)})
	assert.True(t, ok)
	assert.InDelta(t, 2.0, c, 1e-9)
}
