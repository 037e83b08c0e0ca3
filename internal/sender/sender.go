// Package sender holds the message-level helpers shared by campaign workers
// and the reply router: template rendering, failure classification, retry
// with backoff and human-like pacing.
package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"
	"go.mau.fi/whatsmeow"
)

var (
	// ErrTransient marks a failure worth retrying later (network, disconnect, throttling).
	ErrTransient = errors.New("transient send failure")
	// ErrPermanent marks a failure that will not succeed on retry (bad recipient, blocked).
	ErrPermanent = errors.New("permanent send failure")
)

// Retry/backoff configuration
var (
	maxAttempts = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 20 * time.Second
	jitterPct   = 0.20
)

// Renderer renders liquid message templates, caching parsed templates.
type Renderer struct {
	engine *liquid.Engine
	mu     sync.Mutex
	cache  map[string]*liquid.Template
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine(), cache: map[string]*liquid.Template{}}
}

// Render fills src with bindings. Template errors are permanent: retrying cannot fix them.
func (r *Renderer) Render(src string, bindings map[string]any) (string, error) {
	r.mu.Lock()
	tpl, ok := r.cache[src]
	if !ok {
		var err error
		tpl, err = r.engine.ParseString(src)
		if err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: parse template: %v", ErrPermanent, err)
		}
		r.cache[src] = tpl
	}
	r.mu.Unlock()

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("%w: render template: %v", ErrPermanent, err)
	}
	return strings.TrimSpace(out), nil
}

// Validate parses src without rendering it.
func (r *Renderer) Validate(src string) error {
	_, err := r.engine.ParseString(src)
	return err
}

// Classify wraps err with ErrTransient or ErrPermanent. Already classified
// errors pass through unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient), errors.Is(err, ErrPermanent):
		return err
	case isRetryable(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
}

// IsTransient reports whether err (after classification) should be retried.
func IsTransient(err error) bool { return errors.Is(Classify(err), ErrTransient) }

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, whatsmeow.ErrNotConnected) ||
		errors.Is(err, whatsmeow.ErrNotLoggedIn) ||
		errors.Is(err, whatsmeow.ErrIQTimedOut) {
		return true
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "reset"),
		strings.Contains(s, "deadline"),
		strings.Contains(s, "not connected"),
		strings.Contains(s, "websocket"),
		strings.Contains(s, "rate-overlimit"),
		strings.Contains(s, "rate limit"):
		return true
	default:
		return false
	}
}

// Retry calls fn up to three times with exponential backoff and jitter,
// stopping early on a non-retryable error.
func Retry(ctx context.Context, fn func() error) error {
	attempt := 0
	backoff := baseBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= maxAttempts || !isRetryable(err) {
			return err
		}
		jit := time.Duration(rand.Int64N(int64(float64(backoff)*jitterPct) + 1))
		wait := min(backoff+jit, maxBackoff)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// SleepJitter waits base plus up to base*pct extra, returning early with the
// context error if ctx ends first.
func SleepJitter(ctx context.Context, base time.Duration, pct float64) error {
	if base <= 0 {
		return ctx.Err()
	}
	return sleepRange(ctx, base, base+time.Duration(float64(base)*pct))
}

func sleepRange(ctx context.Context, min, max time.Duration) error {
	wait := min
	if max > min {
		wait = min + rand.N(max-min)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Short trims s for logs and previews.
func Short(s string) string {
	if len(s) <= 128 {
		return s
	}
	return s[:128]
}
