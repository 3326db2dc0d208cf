package model

import (
	"context"
	"time"
)

type UsageRepository interface {
	// RecordRun adds a finished run to the ledger and the user's running totals
	RecordRun(ctx context.Context, record RunRecord) error

	// LoadUsage returns the accumulated totals for a user
	LoadUsage(ctx context.Context, userID string) (*UserUsage, error)

	// RecentRuns returns up to limit of the user's most recent runs, newest first
	RecentRuns(ctx context.Context, userID string, limit int) ([]RunRecord, error)
}

// RunRecord summarises one finished run for the usage ledger.
type RunRecord struct {
	RunID      string                   `json:"run_id"`
	UserID     string                   `json:"user_id"`
	Outcome    Outcome                  `json:"outcome"`
	ErrorStage StageName                `json:"error_stage,omitempty"`
	StageUsage map[StageName]TokenUsage `json:"stage_usage"`
	CostUSD    float64                  `json:"cost_usd"`
	FinishedAt time.Time                `json:"finished_at"`
}

// NewRunRecord snapshots a finished state.
func NewRunRecord(s *ChainState, finishedAt time.Time) RunRecord {
	usage := make(map[StageName]TokenUsage, len(s.TokenUsage))
	for k, v := range s.TokenUsage {
		usage[k] = v
	}
	rec := RunRecord{
		RunID:      s.RunID,
		UserID:     s.UserID,
		Outcome:    s.Outcome(),
		StageUsage: usage,
		CostUSD:    s.CostUSD,
		FinishedAt: finishedAt.UTC(),
	}
	if s.Error != nil {
		rec.ErrorStage = s.Error.Stage
	}
	return rec
}

// TotalUsage sums the record's per-stage usage.
func (r RunRecord) TotalUsage() TokenUsage {
	var total TokenUsage
	for _, u := range r.StageUsage {
		total = total.Add(u)
	}
	return total
}

// UserUsage is the per-user running total kept by the ledger.
type UserUsage struct {
	UserID       string  `json:"user_id"`
	Runs         int64   `json:"runs"`
	FailedRuns   int64   `json:"failed_runs"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
