package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

// Rate is the per-token USD price for one model.
type Rate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// DefaultModel prices any model missing from the table.
const DefaultModel = "gpt-4o"

// Per-token USD. Derived from published provider list prices.
var defaultRates = map[string]Rate{
	"gpt-4o":            {Input: 2.5e-6, Output: 1e-5},
	"gpt-4o-mini":       {Input: 1.5e-7, Output: 6e-7},
	"gpt-4-turbo":       {Input: 1e-5, Output: 3e-5},
	"gpt-4":             {Input: 3e-5, Output: 6e-5},
	"gpt-3.5-turbo":     {Input: 5e-7, Output: 1.5e-6},
	"o1-preview":        {Input: 1.5e-5, Output: 6e-5},
	"o1-mini":           {Input: 3e-6, Output: 1.2e-5},
	"claude-opus-4":     {Input: 1.5e-5, Output: 7.5e-5},
	"claude-sonnet-4":   {Input: 3e-6, Output: 1.5e-5},
	"claude-3-5-sonnet": {Input: 3e-6, Output: 1.5e-5},
	"claude-3-5-haiku":  {Input: 8e-7, Output: 4e-6},
	"claude-3-opus":     {Input: 1.5e-5, Output: 7.5e-5},
	"claude-3-haiku":    {Input: 2.5e-7, Output: 1.25e-6},
}

// Table resolves model names to per-token rates. Construct with NewTable;
// the table is immutable once built, so lookups need no locking.
type Table struct {
	rates map[string]Rate
}

// NewTable returns a table seeded with the built-in rates.
func NewTable() *Table {
	rates := make(map[string]Rate, len(defaultRates))
	for model, r := range defaultRates {
		rates[model] = r
	}
	return &Table{rates: rates}
}

// LoadFile merges per-model overrides from a JSON file shaped as
// {"model": {"input": <usd/token>, "output": <usd/token>}}.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("LoadFile: %w", err)
	}
	var custom map[string]Rate
	if err := json.Unmarshal(data, &custom); err != nil {
		return fmt.Errorf("LoadFile: %w", err)
	}
	for model, r := range custom {
		t.rates[model] = r
	}
	return nil
}

// Rate returns the model's rate: exact match, then lowercase match, then
// the default model's rate.
func (t *Table) Rate(model string) Rate {
	if r, ok := t.rates[model]; ok {
		return r
	}
	if r, ok := t.rates[strings.ToLower(model)]; ok {
		return r
	}
	return t.rates[DefaultModel]
}

// Cost computes promptTokens*input + completionTokens*output in USD,
// truncated to 8 decimal places. Negative token counts count as zero;
// the result is never negative or non-finite.
func (t *Table) Cost(model string, promptTokens, completionTokens int) float64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	r := t.Rate(model)
	raw := float64(promptTokens)*r.Input + float64(completionTokens)*r.Output
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw < 0 {
		return 0
	}
	return math.Trunc(raw*1e8) / 1e8
}
