package sender

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
)

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render("Hi {{ display_name | default: 'there' }}, campaign {{ campaign_id }}", map[string]any{
		"display_name": "Ana", "campaign_id": "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, campaign c1", out)

	out, err = r.Render("Hi {{ display_name | default: 'there' }}, campaign {{ campaign_id }}", map[string]any{"campaign_id": "c2"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there, campaign c2", out)
}

func TestRenderer_BadTemplateIsPermanent(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("{% if %}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Error(t, r.Validate("{% for %}"))
	assert.NoError(t, r.Validate("plain text"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{whatsmeow.ErrNotConnected, true},
		{fmt.Errorf("send: %w", context.DeadlineExceeded), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("server returned error 429: rate-overlimit"), true},
		{errors.New("invalid JID"), false},
		{errors.New("recipient blocked"), false},
		{fmt.Errorf("%w: flagged upstream", ErrPermanent), false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.transient, errors.Is(got, ErrTransient))
			assert.Equal(t, !tt.transient, errors.Is(got, ErrPermanent))
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
	assert.NoError(t, Classify(nil))
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("invalid JID")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransient(t *testing.T) {
	old := baseBackoff
	baseBackoff = time.Millisecond
	t.Cleanup(func() { baseBackoff = old })

	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return whatsmeow.ErrNotConnected
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSleepJitter_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := SleepJitter(ctx, time.Hour, 0.5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, SleepJitter(context.Background(), time.Millisecond, 0.5))
}
