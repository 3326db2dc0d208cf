package model

import (
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/promptchain/server/internal/core/error"
)

func TestChainState_RecordUsage(t *testing.T) {
	s := NewChainState("run-1", "u1", 0, []*schema.Message{schema.UserMessage("hi")})

	s.RecordUsage(StageAnalyze, TokenUsage{InputTokens: 100, OutputTokens: 20}, CostMetrics{InputCostUSD: 0.01, OutputCostUSD: 0.02})
	s.RecordUsage(StageAnalyze, TokenUsage{InputTokens: 10, OutputTokens: -5}, CostMetrics{InputCostUSD: -1})
	s.RecordUsage(StageSynthesize, TokenUsage{InputTokens: 1, OutputTokens: 1}, CostMetrics{})

	assert.Equal(t, TokenUsage{InputTokens: 110, OutputTokens: 20}, s.TokenUsage[StageAnalyze])
	assert.Equal(t, TokenUsage{InputTokens: 111, OutputTokens: 21}, s.TotalUsage())
	assert.InDelta(t, 0.03, s.CostUSD, 1e-9)
	assert.InDelta(t, s.Cost.TotalCostUSD(), s.CostUSD, 1e-12)
}

func TestChainState_FailFirstWins(t *testing.T) {
	s := NewChainState("run-1", "", 0, nil)
	assert.Equal(t, OutcomePending, s.Outcome())

	s.Fail(StageProcess, errx.Constraint("tone", "must not be empty"))
	s.Fail(StageSynthesize, errors.New("later"))
	s.Fail(StageSynthesize, nil)

	require.NotNil(t, s.Error)
	assert.Equal(t, StageProcess, s.Error.Stage)
	assert.Equal(t, errx.KindConstraint, s.Error.Kind)
	assert.Equal(t, "tone: must not be empty", s.Error.Message)
	assert.Equal(t, "process: tone: must not be empty", s.Error.Error())
	assert.Equal(t, OutcomeFailed, s.Outcome())
}

func TestChainState_Outcome(t *testing.T) {
	s := NewChainState("run-1", "", 0, nil)
	s.SynthesisText = "answer"
	assert.Equal(t, OutcomePending, s.Outcome())
	s.FinishReason = FinishStop
	assert.Equal(t, OutcomeSucceeded, s.Outcome())
}

func TestChainState_MessagesOnlyGrow(t *testing.T) {
	s := NewChainState("run-1", "", 0, []*schema.Message{schema.UserMessage("first")})
	s.AppendMessages(schema.AssistantMessage("reply", nil), schema.UserMessage("second"))

	require.Len(t, s.Messages, 3)
	assert.Equal(t, "first", s.Messages[0].Content)
	assert.Equal(t, "second", s.LastUserContent())
}

func TestConcatEvents(t *testing.T) {
	usage := TokenUsage{InputTokens: 5, OutputTokens: 3}
	ev, err := ConcatEvents([]*Event{
		DeltaEvent("Hel"),
		nil,
		DeltaEvent("lo"),
		DoneEvent(FinishStop, usage, CostMetrics{}),
	})
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Kind)
	assert.Equal(t, "Hello", ev.Content)
	assert.Equal(t, &usage, ev.Usage)

	stageErr := &StageError{Stage: StageSynthesize, Kind: errx.KindUpstreamServer, Message: "boom"}
	ev, err = ConcatEvents([]*Event{DeltaEvent("partial"), ErrorEvent(stageErr)})
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Kind)
	assert.Same(t, stageErr, ev.Err)
	assert.True(t, ev.Terminal())
	assert.False(t, DeltaEvent("x").Terminal())
}

func TestComputeCost(t *testing.T) {
	p := ResolvePricing("models/gemini-2.5-flash")
	assert.Equal(t, Pricing{InputPerM: 0.30, OutputPerM: 2.50}, p)

	c := ComputeCost(TokenUsage{InputTokens: 1_000_000, OutputTokens: 200_000}, p)
	assert.InDelta(t, 0.30, c.InputCostUSD, 1e-9)
	assert.InDelta(t, 0.50, c.OutputCostUSD, 1e-9)

	assert.Equal(t, Pricing{}, ResolvePricing("unknown-model"))
}

func TestUsageFromMessage(t *testing.T) {
	_, ok := UsageFromMessage(schema.AssistantMessage("x", nil))
	assert.False(t, ok)

	msg := schema.AssistantMessage("x", nil)
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 7, CompletionTokens: 2}}
	u, ok := UsageFromMessage(msg)
	assert.True(t, ok)
	assert.Equal(t, TokenUsage{InputTokens: 7, OutputTokens: 2}, u)
}

func TestNewRunRecord(t *testing.T) {
	s := NewChainState("run-1", "u1", 0, nil)
	s.RecordUsage(StageAnalyze, TokenUsage{InputTokens: 10, OutputTokens: 2}, CostMetrics{InputCostUSD: 0.5})
	s.Fail(StageProcess, errx.Constraint("outline", "must contain at least one section"))

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	rec := NewRunRecord(s, at)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Equal(t, StageProcess, rec.ErrorStage)
	assert.Equal(t, time.UTC, rec.FinishedAt.Location())
	assert.Equal(t, TokenUsage{InputTokens: 10, OutputTokens: 2}, rec.TotalUsage())

	// the record is a snapshot
	s.RecordUsage(StageAnalyze, TokenUsage{InputTokens: 1}, CostMetrics{})
	assert.Equal(t, 10, rec.StageUsage[StageAnalyze].InputTokens)
}

func TestChainConfig(t *testing.T) {
	cfg := DefaultChainConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "analyze.v1", cfg.Step(StageAnalyze).SystemPrompt)
	assert.Equal(t, "synthesize.v1", cfg.Step(StageSynthesize).SystemPrompt)

	partial := ChainConfig{ModelName: "x", Synthesize: ChainStepConfig{Model: "gemini-2.5-pro"}}.WithDefaults()
	assert.Equal(t, "gemini-2.5-pro", partial.Synthesize.Model)
	assert.Equal(t, 2048, partial.Synthesize.MaxTokens)

	bad := DefaultChainConfig()
	hot := float32(2.5)
	bad.Process.Temperature = &hot
	assert.ErrorContains(t, bad.Validate(), "temperature")

	bad = DefaultChainConfig()
	bad.Analyze.Timeout = 0
	assert.ErrorContains(t, bad.Validate(), "timeout")
}
