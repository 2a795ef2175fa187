package pricing

import (
	"math"
	"strings"
	"sync"
)

// ModelRate holds per-million-token USD prices for one model.
type ModelRate struct {
	InputPerM      float64
	OutputPerM     float64
	CachedReadPerM float64
}

// defaultRates is the built-in pricing table. Keys are matched exactly first,
// then by substring, then the default applies.
var defaultRates = map[string]ModelRate{
	"gpt-4o":                 {InputPerM: 2.50, OutputPerM: 10.00, CachedReadPerM: 1.25},
	"gpt-4o-mini":            {InputPerM: 0.15, OutputPerM: 0.60, CachedReadPerM: 0.075},
	"gpt-4.1":                {InputPerM: 2.00, OutputPerM: 8.00, CachedReadPerM: 0.50},
	"gpt-4.1-mini":           {InputPerM: 0.40, OutputPerM: 1.60, CachedReadPerM: 0.10},
	"o3-mini":                {InputPerM: 1.10, OutputPerM: 4.40, CachedReadPerM: 0.55},
	"text-embedding-3-small": {InputPerM: 0.02},
	"text-embedding-3-large": {InputPerM: 0.13},
}

// defaultRate applies when no table entry matches.
var defaultRate = ModelRate{InputPerM: 2.50, OutputPerM: 10.00, CachedReadPerM: 1.25}

// Meter resolves token counts to USD using a pricing table.
type Meter struct {
	mu    sync.RWMutex
	rates map[string]ModelRate
}

// NewMeter builds a meter from the built-in table with optional overrides
// (model -> [input $/M, output $/M, cached read $/M]).
func NewMeter(overrides map[string][3]float64) *Meter {
	rates := make(map[string]ModelRate, len(defaultRates)+len(overrides))
	for k, v := range defaultRates {
		rates[k] = v
	}
	for k, v := range overrides {
		rates[k] = ModelRate{InputPerM: v[0], OutputPerM: v[1], CachedReadPerM: v[2]}
	}
	return &Meter{rates: rates}
}

// Rate returns the rate for a model: exact match, then substring match
// (longest table key wins), then the default.
func (m *Meter) Rate(model string) ModelRate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.rates[model]; ok {
		return r
	}

	best := ""
	for k := range m.rates {
		if strings.Contains(model, k) && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return m.rates[best]
	}
	return defaultRate
}

// Cost computes the USD cost of a completion, rounded to 6 decimals. Cached
// tokens are billed at the cached-read rate and subtracted from input tokens.
func (m *Meter) Cost(model string, inputTokens, outputTokens, cachedTokens int) float64 {
	r := m.Rate(model)

	billableInput := inputTokens - cachedTokens
	if billableInput < 0 {
		billableInput = 0
	}

	cost := float64(billableInput)*r.InputPerM/1e6 +
		float64(outputTokens)*r.OutputPerM/1e6 +
		float64(cachedTokens)*r.CachedReadPerM/1e6
	return Round6(cost)
}

// EmbeddingCost computes the USD cost of embedding inputTokens tokens.
func (m *Meter) EmbeddingCost(model string, inputTokens int) float64 {
	r := m.Rate(model)
	return Round6(float64(inputTokens) * r.InputPerM / 1e6)
}

// Round6 rounds a USD amount to 6 decimal places.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
