package storage

import (
	"context"
	"time"

	"outreach/internal/model"
)

func (s *Store) InsertEvent(ctx context.Context, ev model.Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts,kind,severity,account_id,campaign_id,proxy_id,from_state,to_state,message)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.TS.UTC(), ev.Kind, ev.Severity, ev.AccountID, ev.CampaignID, ev.ProxyID, ev.From, ev.To, ev.Message)
	return err
}

// EventsAfter returns up to limit events with id > afterID in id order.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,kind,severity,account_id,campaign_id,proxy_id,from_state,to_state,message
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Kind, &ev.Severity, &ev.AccountID, &ev.CampaignID, &ev.ProxyID,
			&ev.From, &ev.To, &ev.Message); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
