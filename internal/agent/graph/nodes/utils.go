package nodes

import (
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/promptchain/server/internal/agent/model"
	"github.com/promptchain/server/internal/agent/tokens"
)

// ===== Small helpers to keep stages simple/readable =====

// usageOf returns the usage reported with out, estimating it from the prompt
// and completion when the endpoint reported none.
func usageOf(est *tokens.Estimator, out *schema.Message, prompt []*schema.Message, completion string) (model.TokenUsage, bool) {
	if u, ok := model.UsageFromMessage(out); ok {
		return u, false
	}
	if est == nil {
		return model.TokenUsage{}, true
	}
	return est.Estimate(prompt, completion), true
}

// recordUsage prices usage for the step's model, accumulates it into the
// state and logs it.
func recordUsage(log *zerolog.Logger, s *model.ChainState, stage model.StageName, step model.ChainStepConfig, usage model.TokenUsage, estimated bool) model.CostMetrics {
	cost := model.ComputeCost(usage, model.ResolvePricing(step.Model))
	s.RecordUsage(stage, usage, cost)

	log.Debug().
		Str("stage", string(stage)).
		Str("model", step.Model).
		Int("prompt_tokens", usage.InputTokens).
		Int("completion_tokens", usage.OutputTokens).
		Int("total_tokens", usage.Total()).
		Bool("estimated", estimated).
		Float64("input_cost_usd", cost.InputCostUSD).
		Float64("output_cost_usd", cost.OutputCostUSD).
		Float64("total_cost_usd", cost.TotalCostUSD()).
		Float64("run_cost_usd", s.CostUSD).
		Msg("LLM usage")
	return cost
}

// synthesisBudget caps the synthesize call at the request budget when the
// request asked for less than the step allows.
func synthesisBudget(step model.ChainStepConfig, requested int) int {
	if requested > 0 && requested < step.MaxTokens {
		return requested
	}
	return step.MaxTokens
}

// finishReason maps the endpoint's finish reason to the external one.
func finishReason(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MAX_TOKENS", "LENGTH":
		return model.FinishLength
	default:
		return model.FinishStop
	}
}
