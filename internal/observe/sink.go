// Package observe carries state-transition events to the logging/metrics
// collaborator.
package observe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/model"
)

// Event kinds emitted by the engine.
const (
	KindProxyAssigned      = "proxy.assigned"
	KindProxyReleased      = "proxy.released"
	KindProxyStatus        = "proxy.status"
	KindProxyFlagged       = "proxy.flagged"
	KindProxyCleanup       = "proxy.cleanup"
	KindSessionState       = "session.state"
	KindReconnectAttempt   = "session.reconnect_attempt"
	KindReconnectExhausted = "session.reconnect_exhausted"
	KindWarmupStage        = "warmup.stage"
	KindWarmupCompleted    = "warmup.completed"
	KindCampaignStatus     = "campaign.status"
	KindCampaignSummary    = "campaign.summary"
	KindTargetFailed       = "campaign.target_failed"
	KindReplySent          = "reply.sent"
	KindReplyFailed        = "reply.failed"
	KindInboundUnmatched   = "inbound.unmatched"
)

// Sink receives every state transition. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, ev model.Event)
}

// Recorder persists events; storage.Store satisfies it.
type Recorder interface {
	InsertEvent(ctx context.Context, ev model.Event) error
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, ev model.Event) {
	var e *zerolog.Event
	switch ev.Severity {
	case model.SeverityCritical, model.SeverityError:
		e = s.Log.Error()
	case model.SeverityWarn:
		e = s.Log.Warn()
	default:
		e = s.Log.Info()
	}
	e = e.Str("kind", ev.Kind).Str("severity", ev.Severity)
	if ev.AccountID != "" {
		e = e.Str("account_id", ev.AccountID)
	}
	if ev.CampaignID != "" {
		e = e.Str("campaign_id", ev.CampaignID)
	}
	if ev.ProxyID != 0 {
		e = e.Int64("proxy_id", ev.ProxyID)
	}
	if ev.From != "" || ev.To != "" {
		e = e.Str("from", ev.From).Str("to", ev.To)
	}
	e.Msg(ev.Message)
}

// StoreSink persists events so operators can stream them.
type StoreSink struct {
	Store Recorder
	Log   zerolog.Logger
}

func (s StoreSink) Emit(ctx context.Context, ev model.Event) {
	if err := s.Store.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.Log.Warn().Err(err).Str("kind", ev.Kind).Msg("persist event")
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev model.Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) Emit(context.Context, model.Event) {}
