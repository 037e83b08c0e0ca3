package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach/internal/model"
)

const accountColumns = `id,label,phone,lifecycle_stage,COALESCE(resume_stage,''),COALESCE(assigned_proxy_id,0),
	session_credential,non_renewable,created_at,last_seen_at`

func scanAccount(r rowScanner) (model.Account, error) {
	var (
		a        model.Account
		nonRenew int
		lastSeen sql.NullTime
	)
	if err := r.Scan(&a.ID, &a.Label, &a.Phone, &a.LifecycleStage, &a.ResumeStage, &a.AssignedProxyID,
		&a.SessionCredential, &nonRenew, &a.CreatedAt, &lastSeen); err != nil {
		return model.Account{}, err
	}
	a.NonRenewable = nonRenew == 1
	a.LastSeenAt = timePtr(lastSeen)
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a model.Account) error {
	if a.LifecycleStage == "" {
		a.LifecycleStage = model.StageCreated
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO accounts (id,label,phone,lifecycle_stage,session_credential,non_renewable,created_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Label, a.Phone, a.LifecycleStage, a.SessionCredential, btoi(a.NonRenewable), a.CreatedAt.UTC())
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

// ListAccounts returns accounts in the given stages, or all of them when none are given.
func (s *Store) ListAccounts(ctx context.Context, stages ...string) ([]model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if len(stages) > 0 {
		q += ` WHERE lifecycle_stage IN (?` + repeatPlaceholders(len(stages)-1) + `)`
		for _, st := range stages {
			args = append(args, st)
		}
	}
	q += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		b = append(b, ",?"...)
	}
	return string(b)
}

// SetLifecycle moves an account to stage unless it is lost.
func (s *Store) SetLifecycle(ctx context.Context, id, stage string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET lifecycle_stage=? WHERE id=? AND lifecycle_stage != ?`,
		stage, id, model.StageLost)
	if err != nil {
		return err
	}
	return lostOrMissing(ctx, s, res, id)
}

// BeginWarming moves a created account to warming. An account that dropped
// before enrollment keeps disconnected but will resume into warming.
func (s *Store) BeginWarming(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts
		SET lifecycle_stage=CASE WHEN lifecycle_stage=? THEN ? ELSE lifecycle_stage END,
		    resume_stage=CASE WHEN lifecycle_stage=? AND resume_stage=? THEN ? ELSE resume_stage END
		WHERE id=? AND (lifecycle_stage=? OR (lifecycle_stage=? AND resume_stage=?))`,
		model.StageCreated, model.StageWarming,
		model.StageDisconnected, model.StageCreated, model.StageWarming,
		id, model.StageCreated, model.StageDisconnected, model.StageCreated)
	if err != nil {
		return err
	}
	return lostOrMissing(ctx, s, res, id)
}

// MarkDisconnected remembers the current stage and moves the account to disconnected.
func (s *Store) MarkDisconnected(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts
		SET resume_stage=CASE WHEN lifecycle_stage=? THEN resume_stage ELSE lifecycle_stage END,
		    lifecycle_stage=?
		WHERE id=? AND lifecycle_stage != ?`,
		model.StageDisconnected, model.StageDisconnected, id, model.StageLost)
	if err != nil {
		return err
	}
	return lostOrMissing(ctx, s, res, id)
}

// MarkReconnected restores the stage held before the disconnect.
func (s *Store) MarkReconnected(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts
		SET lifecycle_stage=COALESCE(resume_stage, ?), resume_stage=NULL, last_seen_at=?
		WHERE id=? AND lifecycle_stage=?`,
		model.StageActive, time.Now().UTC(), id, model.StageDisconnected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Not disconnected: only refuse if lost or unknown.
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if a.LifecycleStage == model.StageLost {
		return ErrAccountLost
	}
	return nil
}

// MarkLost is terminal; later lifecycle writes are refused.
func (s *Store) MarkLost(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET lifecycle_stage=?, resume_stage=NULL WHERE id=?`,
		model.StageLost, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionCredential stores the device identifier obtained at pairing.
func (s *Store) SetSessionCredential(ctx context.Context, id, credential string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET session_credential=? WHERE id=? AND lifecycle_stage != ?`,
		credential, id, model.StageLost)
	if err != nil {
		return err
	}
	return lostOrMissing(ctx, s, res, id)
}

func (s *Store) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET last_seen_at=? WHERE id=?`, at.UTC(), id)
	return err
}

func lostOrMissing(ctx context.Context, s *Store, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var stage string
	err := s.DB.QueryRowContext(ctx, `SELECT lifecycle_stage FROM accounts WHERE id=?`, id).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if stage == model.StageLost {
		return ErrAccountLost
	}
	return nil
}
