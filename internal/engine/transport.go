package engine

import (
	"context"

	"outreach/internal/model"
	"outreach/internal/wa"
)

// WATransport exposes a wa.Manager as a Transport.
type WATransport struct {
	*wa.Manager
}

func (t WATransport) Open(ctx context.Context, acc model.Account, px model.Proxy) (Conn, error) {
	s, err := t.Manager.Open(ctx, acc, px)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t WATransport) Session(accountID string) (Conn, bool) {
	s, ok := t.Manager.Session(accountID)
	if !ok {
		return nil, false
	}
	return s, true
}
