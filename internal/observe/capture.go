package observe

import (
	"context"
	"sync"

	"outreach/internal/model"
)

// Capture keeps emitted events in memory.
type Capture struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *Capture) Emit(_ context.Context, ev model.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything captured so far.
func (c *Capture) Events() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

// Kinds returns the kinds of captured events, optionally filtered by account.
func (c *Capture) Kinds(accountID string) []string {
	var out []string
	for _, ev := range c.Events() {
		if accountID == "" || ev.AccountID == accountID {
			out = append(out, ev.Kind)
		}
	}
	return out
}
