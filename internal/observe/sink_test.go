package observe

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
)

type failingRecorder struct{ calls int }

func (f *failingRecorder) InsertEvent(context.Context, model.Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestMulti_FillsDefaultsAndFansOut(t *testing.T) {
	a, b := &Capture{}, &Capture{}
	Multi{a, b}.Emit(context.Background(), model.Event{Kind: KindSessionState, AccountID: "acc-1"})

	for _, c := range []*Capture{a, b} {
		evs := c.Events()
		require.Len(t, evs, 1)
		assert.Equal(t, model.SeverityInfo, evs[0].Severity)
		assert.False(t, evs[0].TS.IsZero())
	}
	assert.Equal(t, []string{KindSessionState}, a.Kinds("acc-1"))
	assert.Empty(t, a.Kinds("acc-2"))
}

func TestLogSink_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Log: zerolog.New(&buf)}
	sink.Emit(context.Background(), model.Event{
		Kind: KindReconnectExhausted, Severity: model.SeverityCritical,
		AccountID: "acc-9", From: "reconnecting", To: "lost", Message: "gave up",
	})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"account_id":"acc-9"`)
	assert.Contains(t, out, `"to":"lost"`)
	assert.Contains(t, out, `"message":"gave up"`)
}

func TestStoreSink_SwallowsPersistErrors(t *testing.T) {
	rec := &failingRecorder{}
	var buf bytes.Buffer
	StoreSink{Store: rec, Log: zerolog.New(&buf)}.Emit(context.Background(), model.Event{Kind: KindProxyCleanup})

	assert.Equal(t, 1, rec.calls)
	assert.Contains(t, buf.String(), "persist event")
}
