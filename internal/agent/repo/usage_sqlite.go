package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/promptchain/server/internal/agent/model"
	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

// SQLiteUsageRepository is a durable usage ledger backed by a single SQLite file.
type SQLiteUsageRepository struct {
	db *sql.DB
}

func NewSQLiteUsageRepository(dbPath string) (*SQLiteUsageRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	r := &SQLiteUsageRepository{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteUsageRepository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_totals (
			user_id TEXT PRIMARY KEY,
			runs INTEGER NOT NULL DEFAULT 0,
			failed_runs INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_stage TEXT,
			stage_usage TEXT NOT NULL,
			cost_usd REAL NOT NULL,
			finished_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user_finished ON runs(user_id, finished_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteUsageRepository) RecordRun(ctx context.Context, record model.RunRecord) error {
	stageUsage, err := json.Marshal(record.StageUsage)
	if err != nil {
		return fmt.Errorf("marshal stage usage: %w", err)
	}

	user := userKey(record.UserID)
	usage := record.TotalUsage()
	var failed int64
	if record.Outcome == model.OutcomeFailed {
		failed = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapStore(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, user_id, outcome, error_stage, stage_usage, cost_usd, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RunID, user, string(record.Outcome), string(record.ErrorStage), string(stageUsage),
		record.CostUSD, record.FinishedAt,
	)
	if err != nil {
		logx.Error().Err(err).Str("run_id", record.RunID).Msg("failed to insert run record")
		return errx.WrapStore(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_totals (user_id, runs, failed_runs, input_tokens, output_tokens, cost_usd, updated_at)
		 VALUES (?, 1, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			runs = runs + 1,
			failed_runs = failed_runs + excluded.failed_runs,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cost_usd = cost_usd + excluded.cost_usd,
			updated_at = excluded.updated_at`,
		user, failed, usage.InputTokens, usage.OutputTokens, record.CostUSD, time.Now().UTC(),
	)
	if err != nil {
		logx.Error().Err(err).Str("user_id", user).Msg("failed to update usage totals")
		return errx.WrapStore(err)
	}

	if err := tx.Commit(); err != nil {
		return errx.WrapStore(err)
	}
	return nil
}

func (r *SQLiteUsageRepository) LoadUsage(ctx context.Context, userID string) (*model.UserUsage, error) {
	u := &model.UserUsage{UserID: userID}
	err := r.db.QueryRowContext(ctx,
		`SELECT runs, failed_runs, input_tokens, output_tokens, cost_usd
		 FROM usage_totals WHERE user_id = ?`, userKey(userID),
	).Scan(&u.Runs, &u.FailedRuns, &u.InputTokens, &u.OutputTokens, &u.CostUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errx.NotFound(fmt.Sprintf("no usage recorded for user %q", userID))
	}
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	return u, nil
}

func (r *SQLiteUsageRepository) RecentRuns(ctx context.Context, userID string, limit int) ([]model.RunRecord, error) {
	if limit <= 0 || limit > maxRecentRuns {
		limit = maxRecentRuns
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, user_id, outcome, error_stage, stage_usage, cost_usd, finished_at
		 FROM runs WHERE user_id = ? ORDER BY finished_at DESC LIMIT ?`,
		userKey(userID), limit,
	)
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()

	records := []model.RunRecord{}
	for rows.Next() {
		var (
			rec        model.RunRecord
			outcome    string
			errorStage sql.NullString
			stageUsage string
		)
		if err := rows.Scan(&rec.RunID, &rec.UserID, &outcome, &errorStage, &stageUsage, &rec.CostUSD, &rec.FinishedAt); err != nil {
			return nil, errx.WrapStore(err)
		}
		rec.Outcome = model.Outcome(outcome)
		rec.ErrorStage = model.StageName(errorStage.String)
		if err := json.Unmarshal([]byte(stageUsage), &rec.StageUsage); err != nil {
			return nil, fmt.Errorf("unmarshal stage usage for run %s: %w", rec.RunID, err)
		}
		if rec.UserID == anonymousUser && userID == "" {
			rec.UserID = ""
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapStore(err)
	}
	return records, nil
}

// Close releases the underlying database handle.
func (r *SQLiteUsageRepository) Close() error {
	return r.db.Close()
}

var _ model.UsageRepository = (*SQLiteUsageRepository)(nil)
