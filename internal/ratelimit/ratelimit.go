// Package ratelimit enforces rolling-window send limits per account.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits one event for key when fewer than limit events happened in
// the trailing window. When it refuses, wait is how long until the oldest
// event leaves the window. A limit <= 0 admits everything.
type Limiter interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (ok bool, wait time.Duration, err error)
}

// Memory is an in-process Limiter.
type Memory struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{events: map[string][]time.Time{}, now: time.Now}
}

func (m *Memory) Reserve(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-window)
	kept := m.events[key][:0]
	for _, t := range m.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		m.events[key] = kept
		return false, kept[0].Add(window).Sub(now), nil
	}
	m.events[key] = append(kept, now)
	return true, 0, nil
}
