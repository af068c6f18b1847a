package llm

import (
	"strings"
	"sync"
)

// Price is a per-million-token price in USD.
type Price struct {
	Input  float64
	Output float64
}

var modelPricing = map[string]Price{
	"gpt-4o":                   {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":              {Input: 0.15, Output: 0.60},
	"gpt-4-turbo":              {Input: 10.00, Output: 30.00},
	"gpt-4":                    {Input: 30.00, Output: 60.00},
	"gpt-3.5-turbo":            {Input: 0.50, Output: 1.50},
	"gpt-5":                    {Input: 1.25, Output: 10.00},
	"gpt-5-codex":              {Input: 0.73, Output: 5.84},
	"gemini-2.5-pro":           {Input: 1.25, Output: 10.00},
	"claude-sonnet-4-20250514": {Input: 3.00, Output: 15.00},
	"qwen3-coder-plus":         {Input: 0.60, Output: 2.40},
}

// PriceFor returns the price of model, if known.
func PriceFor(model string) (Price, bool) {
	p, ok := modelPricing[strings.ToLower(model)]
	return p, ok
}

// Cost computes the USD cost of one call. Unknown models cost nothing.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := PriceFor(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.Input + float64(outputTokens)/1_000_000*p.Output
}

// Usage accumulates token counts and cost across calls.
type Usage struct {
	mu           sync.Mutex
	calls        int
	inputTokens  int
	outputTokens int
	cost         float64
}

// Add records one response.
func (u *Usage) Add(r Response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.inputTokens += r.InputTokens
	u.outputTokens += r.OutputTokens
	u.cost += r.Cost
}

// UsageSnapshot is a point-in-time copy of a Usage.
type UsageSnapshot struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Snapshot returns the current totals.
func (u *Usage) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageSnapshot{Calls: u.calls, InputTokens: u.inputTokens, OutputTokens: u.outputTokens, Cost: u.cost}
}
