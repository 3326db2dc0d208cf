package model

import (
	errx "github.com/promptchain/server/internal/core/error"

	"github.com/cloudwego/eino/schema"
)

// StageName identifies one step of the pipeline.
type StageName string

const (
	StageAnalyze    StageName = "analyze"
	StageProcess    StageName = "process"
	StageSynthesize StageName = "synthesize"
)

// Stages lists the pipeline stages in execution order.
var Stages = []StageName{StageAnalyze, StageProcess, StageSynthesize}

// TokenUsage counts tokens for one or more model calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the sum of both usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// StageError is the run's error slot.
type StageError struct {
	Stage   StageName `json:"stage"`
	Kind    errx.Kind `json:"kind"`
	Message string    `json:"message"`
	Status  int       `json:"-"`
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Message
}

// Outcome describes where a run stands with respect to its terminal state.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ChainState stores per-run state threaded through every stage.
// Concurrency model:
//   - One instance per run, created by the orchestrator and owned by it until
//     the run ends. Stages execute strictly one after another, so no locking.
//   - Messages only grows: use AppendMessages, never assign.
//   - Usage and cost only grow: use RecordUsage.
type ChainState struct {
	RunID     string
	UserID    string
	MaxTokens int

	Messages []*schema.Message

	AnalysisOutput *AnalysisOutput
	ProcessOutput  *ProcessOutput
	SynthesisText  string
	FinishReason   string

	TokenUsage map[StageName]TokenUsage
	Cost       CostMetrics
	CostUSD    float64

	Error *StageError
}

// NewChainState builds the initial state of a run.
func NewChainState(runID, userID string, maxTokens int, messages []*schema.Message) *ChainState {
	s := &ChainState{
		RunID:      runID,
		UserID:     userID,
		MaxTokens:  maxTokens,
		TokenUsage: make(map[StageName]TokenUsage, len(Stages)),
	}
	s.AppendMessages(messages...)
	return s
}

// AppendMessages merges msgs into the history by concatenation. Existing
// entries are never reordered or dropped.
func (s *ChainState) AppendMessages(msgs ...*schema.Message) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		s.Messages = append(s.Messages, m)
	}
}

// RecordUsage accumulates the usage and cost of one completed model call.
// Negative counts are ignored so the accumulators never decrease.
func (s *ChainState) RecordUsage(stage StageName, usage TokenUsage, cost CostMetrics) {
	if usage.InputTokens < 0 {
		usage.InputTokens = 0
	}
	if usage.OutputTokens < 0 {
		usage.OutputTokens = 0
	}
	if cost.InputCostUSD < 0 {
		cost.InputCostUSD = 0
	}
	if cost.OutputCostUSD < 0 {
		cost.OutputCostUSD = 0
	}
	if s.TokenUsage == nil {
		s.TokenUsage = make(map[StageName]TokenUsage, len(Stages))
	}
	s.TokenUsage[stage] = s.TokenUsage[stage].Add(usage)
	s.Cost = s.Cost.Add(cost)
	s.CostUSD = s.Cost.TotalCostUSD()
}

// TotalUsage sums usage over all stages.
func (s *ChainState) TotalUsage() TokenUsage {
	var total TokenUsage
	for _, u := range s.TokenUsage {
		total = total.Add(u)
	}
	return total
}

// Fail fills the error slot. The first failure of a run wins.
func (s *ChainState) Fail(stage StageName, err error) {
	if s.Error != nil || err == nil {
		return
	}
	s.Error = &StageError{
		Stage:   stage,
		Kind:    errx.KindOf(err),
		Message: errx.MessageOf(err),
		Status:  errx.StatusOf(err),
	}
}

// Failed reports whether the error slot is set.
func (s *ChainState) Failed() bool {
	return s.Error != nil
}

// Outcome reports whether the run reached a terminal state, and which one.
func (s *ChainState) Outcome() Outcome {
	switch {
	case s.Error != nil:
		return OutcomeFailed
	case s.SynthesisText != "" && s.FinishReason != "":
		return OutcomeSucceeded
	default:
		return OutcomePending
	}
}

// LastUserContent returns the most recent user turn, which is the question the
// run answers.
func (s *ChainState) LastUserContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if m := s.Messages[i]; m != nil && m.Role == schema.User {
			return m.Content
		}
	}
	return ""
}
