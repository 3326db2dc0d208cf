package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
)

// MemoryUsageRepository keeps the ledger in process memory. Totals are lost on
// restart.
type MemoryUsageRepository struct {
	mu     sync.RWMutex
	totals map[string]*model.UserUsage
	runs   map[string][]model.RunRecord
}

func NewMemoryUsageRepository() *MemoryUsageRepository {
	return &MemoryUsageRepository{
		totals: make(map[string]*model.UserUsage),
		runs:   make(map[string][]model.RunRecord),
	}
}

func (m *MemoryUsageRepository) RecordRun(ctx context.Context, record model.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := userKey(record.UserID)
	t, ok := m.totals[user]
	if !ok {
		t = &model.UserUsage{UserID: record.UserID}
		m.totals[user] = t
	}
	usage := record.TotalUsage()
	t.Runs++
	if record.Outcome == model.OutcomeFailed {
		t.FailedRuns++
	}
	t.InputTokens += int64(usage.InputTokens)
	t.OutputTokens += int64(usage.OutputTokens)
	t.CostUSD += record.CostUSD

	runs := append([]model.RunRecord{record}, m.runs[user]...)
	if len(runs) > maxRecentRuns {
		runs = runs[:maxRecentRuns]
	}
	m.runs[user] = runs
	return nil
}

func (m *MemoryUsageRepository) LoadUsage(ctx context.Context, userID string) (*model.UserUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.totals[userKey(userID)]
	if !ok {
		return nil, errx.NotFound(fmt.Sprintf("no usage recorded for user %q", userID))
	}
	out := *t
	return &out, nil
}

func (m *MemoryUsageRepository) RecentRuns(ctx context.Context, userID string, limit int) ([]model.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.runs[userKey(userID)]
	if limit <= 0 || limit > len(runs) {
		limit = len(runs)
	}
	out := make([]model.RunRecord, limit)
	copy(out, runs[:limit])
	return out, nil
}

var _ model.UsageRepository = (*MemoryUsageRepository)(nil)
