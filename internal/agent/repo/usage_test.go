package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
)

type backend struct {
	name string
	open func(t *testing.T) model.UsageRepository
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) model.UsageRepository {
			return NewMemoryUsageRepository()
		}},
		{name: "redis", open: func(t *testing.T) model.UsageRepository {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisUsageRepository(rdb, time.Hour)
		}},
		{name: "sqlite", open: func(t *testing.T) model.UsageRepository {
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
			r, err := NewSQLiteUsageRepository(dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
	}
}

func record(id, user string, outcome model.Outcome, at time.Time) model.RunRecord {
	rec := model.RunRecord{
		RunID:   id,
		UserID:  user,
		Outcome: outcome,
		StageUsage: map[model.StageName]model.TokenUsage{
			model.StageAnalyze:    {InputTokens: 100, OutputTokens: 20},
			model.StageProcess:    {InputTokens: 150, OutputTokens: 40},
			model.StageSynthesize: {InputTokens: 200, OutputTokens: 80},
		},
		CostUSD:    0.25,
		FinishedAt: at.UTC(),
	}
	if outcome == model.OutcomeFailed {
		rec.ErrorStage = model.StageSynthesize
	}
	return rec
}

func TestUsageRepository_RecordAndLoad(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.open(t)
			now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, r.RecordRun(ctx, record("run-1", "u1", model.OutcomeSucceeded, now)))
			require.NoError(t, r.RecordRun(ctx, record("run-2", "u1", model.OutcomeFailed, now.Add(time.Minute))))
			require.NoError(t, r.RecordRun(ctx, record("run-3", "u2", model.OutcomeSucceeded, now)))

			u, err := r.LoadUsage(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, "u1", u.UserID)
			assert.Equal(t, int64(2), u.Runs)
			assert.Equal(t, int64(1), u.FailedRuns)
			assert.Equal(t, int64(900), u.InputTokens)
			assert.Equal(t, int64(280), u.OutputTokens)
			assert.InDelta(t, 0.5, u.CostUSD, 1e-9)
		})
	}
}

func TestUsageRepository_UnknownUser(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			r := b.open(t)

			_, err := r.LoadUsage(context.Background(), "nobody")
			require.Error(t, err)
			assert.Equal(t, errx.KindNotFound, errx.KindOf(err))

			runs, err := r.RecentRuns(context.Background(), "nobody", 10)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestUsageRepository_RecentRunsNewestFirst(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.open(t)
			base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("run-%d", i)
				require.NoError(t, r.RecordRun(ctx, record(id, "u1", model.OutcomeSucceeded, base.Add(time.Duration(i)*time.Minute))))
			}

			runs, err := r.RecentRuns(ctx, "u1", 3)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "run-4", runs[0].RunID)
			assert.Equal(t, "run-3", runs[1].RunID)
			assert.Equal(t, "run-2", runs[2].RunID)
			assert.Equal(t, model.TokenUsage{InputTokens: 200, OutputTokens: 80}, runs[0].StageUsage[model.StageSynthesize])
			assert.Equal(t, model.OutcomeSucceeded, runs[0].Outcome)
		})
	}
}

func TestUsageRepository_AnonymousUser(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			r := b.open(t)

			require.NoError(t, r.RecordRun(ctx, record("run-1", "", model.OutcomeSucceeded, time.Now())))

			u, err := r.LoadUsage(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, int64(1), u.Runs)
		})
	}
}

func TestRedisUsageRepository_TrimsAndExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	r := NewRedisUsageRepository(rdb, time.Hour)

	for i := 0; i < maxRecentRuns+5; i++ {
		require.NoError(t, r.RecordRun(ctx, record(fmt.Sprintf("run-%d", i), "u1", model.OutcomeSucceeded, time.Now())))
	}

	n, err := rdb.LLen(ctx, "usage:u1:runs").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(maxRecentRuns), n)
	assert.Equal(t, time.Hour, mr.TTL("usage:u1:totals"))

	mr.FastForward(2 * time.Hour)
	_, err = r.LoadUsage(ctx, "u1")
	assert.Equal(t, errx.KindNotFound, errx.KindOf(err))
}

func TestRedisUsageRepository_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	r := NewRedisUsageRepository(rdb, 0)
	mr.Close()

	err := r.RecordRun(context.Background(), record("run-1", "u1", model.OutcomeSucceeded, time.Now()))
	require.Error(t, err)
	assert.Equal(t, errx.KindStore, errx.KindOf(err))
}
