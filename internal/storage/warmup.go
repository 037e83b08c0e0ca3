package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"outreach/internal/model"
)

const warmupColumns = `account_id,current_stage,stage_entered_at,stage_durations,activity_done,completed_at`

func scanWarmup(r rowScanner) (model.WarmupJob, error) {
	var (
		j         model.WarmupJob
		durations string
		done      int
		completed sql.NullTime
	)
	if err := r.Scan(&j.AccountID, &j.CurrentStage, &j.StageEnteredAt, &durations, &done, &completed); err != nil {
		return model.WarmupJob{}, err
	}
	if err := json.Unmarshal([]byte(durations), &j.StageDurations); err != nil {
		return model.WarmupJob{}, err
	}
	j.ActivityDone = done == 1
	j.CompletedAt = timePtr(completed)
	return j, nil
}

// CreateWarmupJob starts a job at stage 0. An existing job for the account is left untouched.
func (s *Store) CreateWarmupJob(ctx context.Context, j model.WarmupJob) error {
	if j.StageEnteredAt.IsZero() {
		j.StageEnteredAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO warmup_jobs (account_id,current_stage,stage_entered_at,stage_durations)
		VALUES (?,?,?,?)`, j.AccountID, j.CurrentStage, j.StageEnteredAt.UTC(), toJSON(j.StageDurations))
	return err
}

func (s *Store) GetWarmupJob(ctx context.Context, accountID string) (model.WarmupJob, error) {
	j, err := scanWarmup(s.DB.QueryRowContext(ctx, `SELECT `+warmupColumns+` FROM warmup_jobs WHERE account_id=?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WarmupJob{}, ErrNotFound
	}
	return j, err
}

// ListActiveWarmupJobs returns unfinished jobs whose account is not lost.
func (s *Store) ListActiveWarmupJobs(ctx context.Context) ([]model.WarmupJob, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT w.account_id,w.current_stage,w.stage_entered_at,w.stage_durations,w.activity_done,w.completed_at
		FROM warmup_jobs w JOIN accounts a ON a.id = w.account_id
		WHERE w.completed_at IS NULL AND a.lifecycle_stage != ?
		ORDER BY w.stage_entered_at ASC`, model.StageLost)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WarmupJob
	for rows.Next() {
		j, err := scanWarmup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetWarmupActivityDone records that the current stage's activity ran.
func (s *Store) SetWarmupActivityDone(ctx context.Context, accountID string, stage int) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE warmup_jobs SET activity_done=1
		WHERE account_id=? AND current_stage=? AND completed_at IS NULL`, accountID, stage)
	return err
}

// AdvanceWarmupStage moves from stage `from` to from+1. It reports false when another
// writer already moved the job.
func (s *Store) AdvanceWarmupStage(ctx context.Context, accountID string, from int, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE warmup_jobs SET current_stage=current_stage+1, stage_entered_at=?, activity_done=0
		WHERE account_id=? AND current_stage=? AND completed_at IS NULL`, at.UTC(), accountID, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteWarmup finishes the job and moves the account to active in one transaction.
func (s *Store) CompleteWarmup(ctx context.Context, accountID string, from int, at time.Time) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE warmup_jobs SET completed_at=?
		WHERE account_id=? AND current_stage=? AND completed_at IS NULL`, at.UTC(), accountID, from)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	// A disconnected account resumes as active once it reconnects.
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET
		lifecycle_stage=CASE WHEN lifecycle_stage=? THEN lifecycle_stage ELSE ? END,
		resume_stage=CASE WHEN lifecycle_stage=? THEN ? ELSE resume_stage END
		WHERE id=? AND lifecycle_stage != ?`,
		model.StageDisconnected, model.StageActive, model.StageDisconnected, model.StageActive,
		accountID, model.StageLost); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
