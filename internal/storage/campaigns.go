package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"outreach/internal/model"
)

// CreateCampaign stores a campaign and its targets in list order.
func (s *Store) CreateCampaign(ctx context.Context, c model.Campaign, targets []model.CampaignTarget) error {
	if c.Status == "" {
		c.Status = model.CampaignPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO campaigns (id,name,template,participants,rate_limit_per_hour,min_delay_seconds,max_retries,status,created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Template, toJSON(c.ParticipantAccountIDs), c.RateLimitPerAccountPerHour,
		c.MinDelaySeconds, c.MaxRetriesPerTarget, c.Status, c.CreatedAt.UTC()); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO campaign_targets (campaign_id,position,user_id,display_name,state) VALUES (?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, t := range targets {
		state := t.State
		if state == "" {
			state = model.TargetQueued
		}
		if _, err := stmt.ExecContext(ctx, c.ID, i, t.UserID, t.DisplayName, state); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadCampaign returns the campaign and its targets ordered by position.
func (s *Store) LoadCampaign(ctx context.Context, id string) (model.Campaign, []model.CampaignTarget, error) {
	var (
		c                 model.Campaign
		participants      string
		started, finished sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,template,participants,rate_limit_per_hour,min_delay_seconds,max_retries,
		status,created_at,started_at,finished_at FROM campaigns WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Template, &participants, &c.RateLimitPerAccountPerHour, &c.MinDelaySeconds,
			&c.MaxRetriesPerTarget, &c.Status, &c.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, nil, ErrNotFound
	}
	if err != nil {
		return model.Campaign{}, nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantAccountIDs); err != nil {
		return model.Campaign{}, nil, err
	}
	c.StartedAt = timePtr(started)
	c.FinishedAt = timePtr(finished)

	rows, err := s.DB.QueryContext(ctx, `SELECT campaign_id,user_id,display_name,position,state,attempts,last_error
		FROM campaign_targets WHERE campaign_id=? ORDER BY position ASC`, id)
	if err != nil {
		return model.Campaign{}, nil, err
	}
	defer rows.Close()
	var targets []model.CampaignTarget
	for rows.Next() {
		var t model.CampaignTarget
		if err := rows.Scan(&t.CampaignID, &t.UserID, &t.DisplayName, &t.Position, &t.State, &t.Attempts, &t.LastError); err != nil {
			return model.Campaign{}, nil, err
		}
		targets = append(targets, t)
		c.TargetIDs = append(c.TargetIDs, t.UserID)
	}
	return c, targets, rows.Err()
}

// ListCampaigns returns campaigns newest first, without targets.
func (s *Store) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,name,status,participants,created_at,started_at,finished_at
		FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		var (
			c                 model.Campaign
			participants      string
			started, finished sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &participants, &c.CreatedAt, &started, &finished); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(participants), &c.ParticipantAccountIDs)
		c.StartedAt = timePtr(started)
		c.FinishedAt = timePtr(finished)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCampaignStatus updates status and stamps started/finished times as appropriate.
func (s *Store) SetCampaignStatus(ctx context.Context, id, status string, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch status {
	case model.CampaignRunning:
		res, err = s.DB.ExecContext(ctx, `UPDATE campaigns SET status=?, started_at=COALESCE(started_at, ?) WHERE id=?`, status, at.UTC(), id)
	case model.CampaignCompleted, model.CampaignCancelled:
		res, err = s.DB.ExecContext(ctx, `UPDATE campaigns SET status=?, finished_at=? WHERE id=?`, status, at.UTC(), id)
	default:
		res, err = s.DB.ExecContext(ctx, `UPDATE campaigns SET status=? WHERE id=?`, status, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTargetState persists the outcome of one target.
func (s *Store) SetTargetState(ctx context.Context, t model.CampaignTarget) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE campaign_targets SET state=?, attempts=?, last_error=?
		WHERE campaign_id=? AND position=?`, t.State, t.Attempts, t.LastError, t.CampaignID, t.Position)
	return err
}

// DiscardQueuedTargets marks every still-queued target of a campaign as discarded.
func (s *Store) DiscardQueuedTargets(ctx context.Context, campaignID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE campaign_targets SET state=? WHERE campaign_id=? AND state=?`,
		model.TargetDiscarded, campaignID, model.TargetQueued)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TargetCounts returns the number of targets per state.
func (s *Store) TargetCounts(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM campaign_targets WHERE campaign_id=? GROUP BY state`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// RecordAssignment stores who contacted a target. A target gets at most one record per campaign.
func (s *Store) RecordAssignment(ctx context.Context, r model.AssignmentRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO assignments (campaign_id,target_user_id,account_id,created_at) VALUES (?,?,?,?)`,
		r.CampaignID, r.TargetUserID, r.AccountID, r.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicateAssignment
	}
	return err
}

// FindAssignments returns records for (accountID, targetUserID), newest first.
func (s *Store) FindAssignments(ctx context.Context, accountID, targetUserID string) ([]model.AssignmentRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT campaign_id,target_user_id,account_id,created_at FROM assignments
		WHERE account_id=? AND target_user_id=? ORDER BY created_at DESC`, accountID, targetUserID)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

// ListAssignments returns all records of a campaign in creation order.
func (s *Store) ListAssignments(ctx context.Context, campaignID string) ([]model.AssignmentRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT campaign_id,target_user_id,account_id,created_at FROM assignments
		WHERE campaign_id=? ORDER BY created_at ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

func scanAssignments(rows *sql.Rows) ([]model.AssignmentRecord, error) {
	defer rows.Close()
	var out []model.AssignmentRecord
	for rows.Next() {
		var r model.AssignmentRecord
		if err := rows.Scan(&r.CampaignID, &r.TargetUserID, &r.AccountID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
