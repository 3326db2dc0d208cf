package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

const (
	anonymousUser = "anonymous"
	maxRecentRuns = 100

	fieldRuns         = "runs"
	fieldFailedRuns   = "failed_runs"
	fieldInputTokens  = "input_tokens"
	fieldOutputTokens = "output_tokens"
	fieldCostUSD      = "cost_usd"
)

type RedisUsageRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisUsageRepository(rdb redis.Cmdable, ttl time.Duration) *RedisUsageRepository {
	return &RedisUsageRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisUsageRepository) totalsKey(userID string) string {
	return fmt.Sprintf("usage:%s:totals", userKey(userID))
}

func (r *RedisUsageRepository) runsKey(userID string) string {
	return fmt.Sprintf("usage:%s:runs", userKey(userID))
}

func (r *RedisUsageRepository) RecordRun(ctx context.Context, record model.RunRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		logx.Error().Err(err).Str("run_id", record.RunID).Msg("failed to marshal run record")
		return fmt.Errorf("marshal run record: %w", err)
	}

	totals := r.totalsKey(record.UserID)
	runs := r.runsKey(record.UserID)
	usage := record.TotalUsage()

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, totals, fieldRuns, 1)
		if record.Outcome == model.OutcomeFailed {
			pipe.HIncrBy(ctx, totals, fieldFailedRuns, 1)
		}
		pipe.HIncrBy(ctx, totals, fieldInputTokens, int64(usage.InputTokens))
		pipe.HIncrBy(ctx, totals, fieldOutputTokens, int64(usage.OutputTokens))
		pipe.HIncrByFloat(ctx, totals, fieldCostUSD, record.CostUSD)
		pipe.LPush(ctx, runs, b)
		pipe.LTrim(ctx, runs, 0, maxRecentRuns-1)
		// extend TTL on touch
		if r.ttl > 0 {
			pipe.Expire(ctx, totals, r.ttl)
			pipe.Expire(ctx, runs, r.ttl)
		}
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("key", totals).Msg("failed to record run usage in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisUsageRepository) LoadUsage(ctx context.Context, userID string) (*model.UserUsage, error) {
	key := r.totalsKey(userID)

	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to load usage from redis")
		return nil, errx.WrapRedis(err)
	}
	if len(fields) == 0 {
		return nil, errx.NotFound(fmt.Sprintf("no usage recorded for user %q", userID))
	}

	u := &model.UserUsage{UserID: userID}
	ints := map[string]*int64{
		fieldRuns:         &u.Runs,
		fieldFailedRuns:   &u.FailedRuns,
		fieldInputTokens:  &u.InputTokens,
		fieldOutputTokens: &u.OutputTokens,
	}
	for name, dst := range ints {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s for %s: %w", name, key, err)
		}
		*dst = n
	}
	if raw, ok := fields[fieldCostUSD]; ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s for %s: %w", fieldCostUSD, key, err)
		}
		u.CostUSD = f
	}
	return u, nil
}

func (r *RedisUsageRepository) RecentRuns(ctx context.Context, userID string, limit int) ([]model.RunRecord, error) {
	if limit <= 0 || limit > maxRecentRuns {
		limit = maxRecentRuns
	}
	key := r.runsKey(userID)

	rows, err := r.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		if err == redis.Nil {
			return []model.RunRecord{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load recent runs from redis")
		return nil, errx.WrapRedis(err)
	}

	records := make([]model.RunRecord, 0, len(rows))
	for i, s := range rows {
		var rec model.RunRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			logx.Error().Err(err).Str("key", key).Int("index", i).Msg("failed to unmarshal run record")
			return nil, fmt.Errorf("unmarshal run record at index %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func userKey(userID string) string {
	if userID == "" {
		return anonymousUser
	}
	return userID
}

var _ model.UsageRepository = (*RedisUsageRepository)(nil)
