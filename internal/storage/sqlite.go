package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound            = errors.New("storage: not found")
	ErrAccountLost         = errors.New("storage: account is lost")
	ErrDuplicateAssignment = errors.New("storage: target already assigned in campaign")
	ErrProxyTaken          = errors.New("storage: proxy already assigned")
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes the SQLite database with WAL and foreign keys, then migrates schema.
// In-memory databases are pinned to a single connection so every query sees the same data.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS proxies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scheme TEXT NOT NULL DEFAULT 'socks5',
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL DEFAULT 50,
			fraud_score REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'untested',
			flagged INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			last_checked_at TIMESTAMP,
			next_check_at TIMESTAMP,
			assigned_account_id TEXT UNIQUE,
			ever_assigned INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(host, port, username)
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL UNIQUE,
			lifecycle_stage TEXT NOT NULL DEFAULT 'created',
			resume_stage TEXT,
			assigned_proxy_id INTEGER,
			session_credential TEXT NOT NULL DEFAULT '',
			non_renewable INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS warmup_jobs (
			account_id TEXT PRIMARY KEY,
			current_stage INTEGER NOT NULL DEFAULT 0,
			stage_entered_at TIMESTAMP NOT NULL,
			stage_durations TEXT NOT NULL,
			activity_done INTEGER NOT NULL DEFAULT 0,
			completed_at TIMESTAMP,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			template TEXT NOT NULL,
			participants TEXT NOT NULL,
			rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
			min_delay_seconds INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS campaign_targets (
			campaign_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (campaign_id, position),
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS assignments (
			campaign_id TEXT NOT NULL,
			target_user_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (campaign_id, target_user_id),
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			account_id TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			proxy_id INTEGER NOT NULL DEFAULT 0,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_status_assigned ON proxies(status, assigned_account_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_next_check ON proxies(next_check_at);`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_score ON proxies(score);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_stage ON accounts(lifecycle_stage);`,
		`CREATE INDEX IF NOT EXISTS idx_targets_state ON campaign_targets(campaign_id, state);`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_account_target ON assignments(account_id, target_user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events(kind, ts);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
