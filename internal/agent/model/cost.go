package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Pricing defines USD cost per 1M tokens for input/output.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPricing provides hardcoded USD pricing per 1M tokens (text tokens).
var defaultPricing = map[string]Pricing{
	// Source: Gemini pricing (Standard; text). Adjust for audio/image if needed.
	"gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10.00},
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
}

// CostMetrics is the USD cost of one or more model calls.
type CostMetrics struct {
	InputCostUSD  float64 `json:"input_cost_usd"`
	OutputCostUSD float64 `json:"output_cost_usd"`
}

// TotalCostUSD is derived, never stored.
func (c CostMetrics) TotalCostUSD() float64 {
	return c.InputCostUSD + c.OutputCostUSD
}

// Add returns the sum of both metrics.
func (c CostMetrics) Add(o CostMetrics) CostMetrics {
	return CostMetrics{
		InputCostUSD:  c.InputCostUSD + o.InputCostUSD,
		OutputCostUSD: c.OutputCostUSD + o.OutputCostUSD,
	}
}

// ResolvePricing returns hardcoded pricing for a model. Provider prefixes such
// as "models/" or "google/" are ignored.
func ResolvePricing(model string) Pricing {
	name := model
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if p, ok := defaultPricing[name]; ok {
		return p
	}
	// fallback to zero pricing if unknown
	return Pricing{}
}

// ComputeCost converts token usage to USD cost using per-1M Pricing.
func ComputeCost(usage TokenUsage, p Pricing) CostMetrics {
	return CostMetrics{
		InputCostUSD:  p.InputPerM * float64(usage.InputTokens) / 1_000_000.0,
		OutputCostUSD: p.OutputPerM * float64(usage.OutputTokens) / 1_000_000.0,
	}
}

// UsageFromMessage reads token usage from a model response, if present.
func UsageFromMessage(msg *schema.Message) (TokenUsage, bool) {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return TokenUsage{}, false
	}
	u := msg.ResponseMeta.Usage
	return TokenUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}, true
}
