// Package reply routes inbound direct messages back to the campaign that
// caused them and answers through the account that made the contact.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/sender"
	"outreach/internal/storage"
)

var ErrNoGenerator = errors.New("reply: generator required")

// Context is what the reply generator sees about one inbound message.
type Context struct {
	CampaignID   string `json:"campaign_id"`
	AccountID    string `json:"account_id"`
	TargetUserID string `json:"target_user_id"`
	PushName     string `json:"push_name,omitempty"`
	Body         string `json:"body"`
}

// Generator produces the text to send back.
type Generator interface {
	GenerateReply(ctx context.Context, c Context) (string, error)
}

type Messenger interface {
	SendText(ctx context.Context, accountID, userID, text string) error
}

type Outcome int

const (
	Ignored Outcome = iota
	Unmatched
	Replied
)

func (o Outcome) String() string {
	switch o {
	case Unmatched:
		return "unmatched"
	case Replied:
		return "replied"
	default:
		return "ignored"
	}
}

type Router struct {
	store *storage.Store
	gen   Generator
	msgr  Messenger
	sink  observe.Sink
	log   zerolog.Logger

	// Unmatched, when set, receives inbound messages outside any campaign.
	Unmatched func(ctx context.Context, msg model.InboundMessage)
}

func New(store *storage.Store, gen Generator, msgr Messenger, sink observe.Sink, log zerolog.Logger) (*Router, error) {
	if gen == nil {
		return nil, ErrNoGenerator
	}
	if sink == nil {
		sink = observe.Nop{}
	}
	return &Router{store: store, gen: gen, msgr: msgr, sink: sink, log: log}, nil
}

// HandleInbound answers msg through the account that contacted its sender.
// A reply never goes out through a different account.
func (r *Router) HandleInbound(ctx context.Context, msg model.InboundMessage) (Outcome, error) {
	body := strings.TrimSpace(msg.Body)
	senderID := model.NormalizeUserID(msg.SenderUserID)
	if msg.FromMe || body == "" || senderID == "" {
		return Ignored, nil
	}

	recs, err := r.store.FindAssignments(ctx, msg.AccountID, senderID)
	if err != nil {
		return Ignored, fmt.Errorf("find assignments: %w", err)
	}
	if len(recs) == 0 {
		r.sink.Emit(ctx, model.Event{
			Kind: observe.KindInboundUnmatched, AccountID: msg.AccountID, Message: senderID,
		})
		if r.Unmatched != nil {
			r.Unmatched(ctx, msg)
		}
		return Unmatched, nil
	}
	rec := recs[0]

	text, err := r.gen.GenerateReply(ctx, Context{
		CampaignID:   rec.CampaignID,
		AccountID:    rec.AccountID,
		TargetUserID: senderID,
		PushName:     msg.PushName,
		Body:         body,
	})
	if err != nil {
		r.fail(ctx, rec, "generate", err)
		return Replied, fmt.Errorf("generate reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		r.log.Debug().Str("campaign_id", rec.CampaignID).Str("target", senderID).Msg("generator returned nothing")
		return Ignored, nil
	}

	err = sender.Retry(ctx, func() error {
		return r.msgr.SendText(ctx, rec.AccountID, senderID, text)
	})
	if err != nil {
		r.fail(ctx, rec, "send", err)
		return Replied, fmt.Errorf("send reply: %w", err)
	}
	r.sink.Emit(ctx, model.Event{
		Kind: observe.KindReplySent, AccountID: rec.AccountID, CampaignID: rec.CampaignID, Message: senderID,
	})
	return Replied, nil
}

func (r *Router) fail(ctx context.Context, rec model.AssignmentRecord, step string, err error) {
	r.log.Warn().Err(err).Str("campaign_id", rec.CampaignID).Str("account_id", rec.AccountID).Str("step", step).Msg("reply failed")
	r.sink.Emit(ctx, model.Event{
		Kind: observe.KindReplyFailed, Severity: model.SeverityWarn, AccountID: rec.AccountID, CampaignID: rec.CampaignID,
		Message: fmt.Sprintf("%s: %s", step, sender.Short(err.Error())),
	})
}
