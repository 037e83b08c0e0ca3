package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"outreach/internal/model"
)

const proxyColumns = `id,scheme,host,port,username,password,score,fraud_score,status,flagged,latency_ms,
	last_checked_at,next_check_at,COALESCE(assigned_account_id,''),ever_assigned,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(r rowScanner) (model.Proxy, error) {
	var (
		p                  model.Proxy
		flagged, ever      int
		lastCheck, nextDue sql.NullTime
	)
	if err := r.Scan(&p.ID, &p.Scheme, &p.Host, &p.Port, &p.Username, &p.Password, &p.Score, &p.FraudScore,
		&p.Status, &flagged, &p.LatencyMs, &lastCheck, &nextDue, &p.AssignedAccountID, &ever, &p.CreatedAt); err != nil {
		return model.Proxy{}, err
	}
	p.Flagged = flagged == 1
	p.EverAssigned = ever == 1
	p.LastCheckedAt = timePtr(lastCheck)
	p.NextCheckAt = timePtr(nextDue)
	return p, nil
}

func scanProxies(rows *sql.Rows) ([]model.Proxy, error) {
	defer rows.Close()
	var out []model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertProxy adds a proxy; duplicates (host, port, username) are ignored and reported as false.
func (s *Store) InsertProxy(ctx context.Context, p model.Proxy) (int64, bool, error) {
	if p.Scheme == "" {
		p.Scheme = "socks5"
	}
	if p.Status == "" {
		p.Status = model.ProxyUntested
	}
	if p.Score == 0 {
		p.Score = 50
	}
	res, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO proxies (scheme,host,port,username,password,score,status,created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.Scheme, p.Host, p.Port, p.Username, p.Password, p.Score, p.Status, time.Now().UTC())
	if err != nil {
		return 0, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	return id, true, err
}

func (s *Store) GetProxy(ctx context.Context, id int64) (model.Proxy, error) {
	p, err := scanProxy(s.DB.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proxy{}, ErrNotFound
	}
	return p, err
}

// ProxyForAccount returns the proxy bound to accountID.
func (s *Store) ProxyForAccount(ctx context.Context, accountID string) (model.Proxy, error) {
	p, err := scanProxy(s.DB.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE assigned_account_id=?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proxy{}, ErrNotFound
	}
	return p, err
}

// NextAssignable returns the first active, unassigned proxy with id > afterID.
func (s *Store) NextAssignable(ctx context.Context, afterID int64) (model.Proxy, error) {
	p, err := scanProxy(s.DB.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies
		WHERE status=? AND assigned_account_id IS NULL AND id > ?
		ORDER BY id ASC LIMIT 1`, model.ProxyActive, afterID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proxy{}, ErrNotFound
	}
	return p, err
}

// BindProxy claims proxyID for accountID on both sides of the binding.
// The claim only succeeds if the proxy is still unassigned and active and the account is not lost.
func (s *Store) BindProxy(ctx context.Context, proxyID int64, accountID string, nextCheck time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE proxies SET assigned_account_id=?, ever_assigned=1,
		next_check_at=CASE WHEN next_check_at IS NULL OR next_check_at > ? THEN ? ELSE next_check_at END
		WHERE id=? AND assigned_account_id IS NULL AND status=?`,
		accountID, nextCheck.UTC(), nextCheck.UTC(), proxyID, model.ProxyActive)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProxyTaken
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProxyTaken
	}
	res, err = tx.ExecContext(ctx, `UPDATE accounts SET assigned_proxy_id=? WHERE id=? AND lifecycle_stage != ?`,
		proxyID, accountID, model.StageLost)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountLost
	}
	return tx.Commit()
}

// UnbindProxy clears the binding held by accountID. It reports the released proxy id (0 if none).
func (s *Store) UnbindProxy(ctx context.Context, accountID string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM proxies WHERE assigned_account_id=?`, accountID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE proxies SET assigned_account_id=NULL, flagged=0 WHERE id=?`, id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET assigned_proxy_id=NULL WHERE id=?`, accountID); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// ProxyHealth is the outcome of scoring a health check.
type ProxyHealth struct {
	Score      float64
	FraudScore float64
	Status     string
	Flagged    bool
	LatencyMs  int64
	CheckedAt  time.Time
	NextCheck  time.Time
}

func (s *Store) UpdateProxyHealth(ctx context.Context, id int64, h ProxyHealth) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE proxies SET score=?, fraud_score=?, status=?, flagged=?, latency_ms=?,
		last_checked_at=?, next_check_at=? WHERE id=?`,
		h.Score, h.FraudScore, h.Status, btoi(h.Flagged), h.LatencyMs, h.CheckedAt.UTC(), h.NextCheck.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProxyStatus updates only the status column (used to mark "testing").
func (s *Store) SetProxyStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE proxies SET status=? WHERE id=?`, status, id)
	return err
}

// DueProxies returns up to limit proxies whose next check is due, assigned ones first.
func (s *Store) DueProxies(ctx context.Context, now time.Time, limit int) ([]model.Proxy, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+proxyColumns+` FROM proxies
		WHERE next_check_at IS NULL OR next_check_at <= ?
		ORDER BY CASE WHEN assigned_account_id IS NULL THEN 1 ELSE 0 END, next_check_at ASC, id ASC
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanProxies(rows)
}

// ProxyFilter narrows ListProxies. Zero values mean "any".
type ProxyFilter struct {
	Status   string
	Assigned *bool
	MinScore float64
	MaxFraud float64
}

func (f ProxyFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Assigned != nil {
		if *f.Assigned {
			conds = append(conds, "assigned_account_id IS NOT NULL")
		} else {
			conds = append(conds, "assigned_account_id IS NULL")
		}
	}
	if f.MinScore > 0 {
		conds = append(conds, "score >= ?")
		args = append(args, f.MinScore)
	}
	if f.MaxFraud > 0 {
		conds = append(conds, "fraud_score <= ?")
		args = append(args, f.MaxFraud)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListProxies returns one page ordered by id plus the filtered total.
func (s *Store) ListProxies(ctx context.Context, f ProxyFilter, offset, limit int) ([]model.Proxy, int64, error) {
	where, args := f.where()
	var total int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxies`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+proxyColumns+` FROM proxies`+where+` ORDER BY id ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanProxies(rows)
	return items, total, err
}

func (s *Store) CountProxies(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxies`).Scan(&n)
	return n, err
}

// DeleteProxy removes an unassigned proxy. Assigned proxies are never deleted.
func (s *Store) DeleteProxy(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM proxies WHERE id=? AND assigned_account_id IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeLowQuality deletes unassigned, never-assigned proxies below the score floor
// or above the fraud ceiling.
func (s *Store) PurgeLowQuality(ctx context.Context, floor, fraudCeiling float64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM proxies
		WHERE assigned_account_id IS NULL AND ever_assigned=0 AND status != ?
		AND (score < ? OR fraud_score > ?)`, model.ProxyUntested, floor, fraudCeiling)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrimLowestScored deletes up to n unassigned proxies with the lowest scores.
func (s *Store) TrimLowestScored(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM proxies WHERE id IN (
		SELECT id FROM proxies WHERE assigned_account_id IS NULL ORDER BY score ASC, id DESC LIMIT ?
	) AND assigned_account_id IS NULL`, n)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
