// Package engine wires accounts, proxies, sessions, warmup, campaigns and
// replies together and reacts to transport events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"outreach/internal/campaign"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/proxypool"
	"outreach/internal/reply"
	"outreach/internal/storage"
	"outreach/internal/supervisor"
	"outreach/internal/warmup"
)

var ErrPhoneRequired = errors.New("engine: phone required")

// Conn is an account session as the engine needs it.
type Conn interface {
	supervisor.Session
	Paired() bool
	StartPairing(ctx context.Context) ([]byte, string, error)
}

// Transport opens sessions bound to a proxy.
type Transport interface {
	Open(ctx context.Context, acc model.Account, px model.Proxy) (Conn, error)
	Session(accountID string) (Conn, bool)
	Close(accountID string)
}

type Engine struct {
	Store      *storage.Store
	Transport  Transport
	Pool       *proxypool.Pool
	Supervisor *supervisor.Supervisor
	Warmup     *warmup.Scheduler
	Campaigns  *campaign.Dispatcher
	Replies    *reply.Router
	Sink       observe.Sink
	Log        zerolog.Logger
}

// OnboardRequest describes a provisioned account handed over by the
// verification collaborator.
type OnboardRequest struct {
	Label             string
	Phone             string
	SessionCredential string
	NonRenewable      bool
}

// Onboard creates the account, binds a proxy, opens its session and, once
// connected, enrolls it in warmup. A pool without free proxies surfaces as
// proxypool.ErrPoolExhausted; the account is kept in created state.
func (e *Engine) Onboard(ctx context.Context, req OnboardRequest) (model.Account, error) {
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		return model.Account{}, ErrPhoneRequired
	}
	acc := model.Account{
		ID:                uuid.NewString(),
		Label:             req.Label,
		Phone:             phone,
		LifecycleStage:    model.StageCreated,
		SessionCredential: req.SessionCredential,
		NonRenewable:      req.NonRenewable,
	}
	if err := e.Store.CreateAccount(ctx, acc); err != nil {
		return model.Account{}, fmt.Errorf("create account: %w", err)
	}
	acc, err := e.Store.GetAccount(ctx, acc.ID)
	if err != nil {
		return model.Account{}, err
	}
	if err := e.attach(ctx, acc); err != nil {
		return acc, err
	}
	return e.Store.GetAccount(ctx, acc.ID)
}

// attach binds a proxy, opens the session and starts supervision when paired.
func (e *Engine) attach(ctx context.Context, acc model.Account) error {
	px, err := e.Pool.Assign(ctx, acc.ID)
	if err != nil {
		return err
	}
	conn, err := e.Transport.Open(ctx, acc, px)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if !conn.Paired() {
		e.Log.Info().Str("account_id", acc.ID).Msg("session opened, waiting for pairing")
		return nil
	}
	return e.supervise(ctx, acc, conn)
}

func (e *Engine) supervise(ctx context.Context, acc model.Account, conn Conn) error {
	if err := conn.Connect(ctx); err != nil {
		// the supervisor retries from here
		e.Log.Warn().Err(err).Str("account_id", acc.ID).Msg("initial connect failed")
	}
	e.Supervisor.Track(ctx, conn, acc.NonRenewable)
	if awaitingWarmup(acc) {
		return e.Warmup.Enroll(ctx, acc.ID)
	}
	return nil
}

// awaitingWarmup reports whether acc was never enrolled, including one that
// dropped while still created.
func awaitingWarmup(acc model.Account) bool {
	return acc.LifecycleStage == model.StageCreated ||
		(acc.LifecycleStage == model.StageDisconnected && acc.ResumeStage == model.StageCreated)
}

// Pair returns a QR code PNG for an account that has no paired device yet.
func (e *Engine) Pair(ctx context.Context, accountID string) ([]byte, error) {
	acc, err := e.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.LifecycleStage == model.StageLost {
		return nil, storage.ErrAccountLost
	}
	conn, ok := e.Transport.Session(accountID)
	if !ok {
		px, err := e.Pool.Assign(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if conn, err = e.Transport.Open(ctx, acc, px); err != nil {
			return nil, err
		}
	}
	png, _, err := conn.StartPairing(ctx)
	return png, err
}

// Boot restores every non-lost account after a restart and resumes warmup.
func (e *Engine) Boot(ctx context.Context) error {
	accounts, err := e.Store.ListAccounts(ctx, model.StageCreated, model.StageWarming, model.StageActive, model.StageDisconnected)
	if err != nil {
		return err
	}
	restored := 0
	for _, acc := range accounts {
		err := e.attach(ctx, acc)
		switch {
		case errors.Is(err, proxypool.ErrPoolExhausted):
			e.Log.Warn().Str("account_id", acc.ID).Msg("no proxy available for account")
		case err != nil:
			e.Log.Error().Err(err).Str("account_id", acc.ID).Msg("restore account")
		default:
			restored++
		}
	}
	n, err := e.Warmup.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume warmup: %w", err)
	}
	paused, err := e.Campaigns.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}
	e.Log.Info().Int("accounts", len(accounts)).Int("restored", restored).Int("warmup_jobs", n).
		Int("campaigns_paused", paused).Msg("boot complete")
	return nil
}

// OnPaired starts supervision for an account that just completed pairing.
func (e *Engine) OnPaired(accountID string) {
	ctx := context.Background()
	acc, err := e.Store.GetAccount(ctx, accountID)
	if err != nil {
		e.Log.Error().Err(err).Str("account_id", accountID).Msg("paired account")
		return
	}
	conn, ok := e.Transport.Session(accountID)
	if !ok {
		return
	}
	if err := e.supervise(ctx, acc, conn); err != nil {
		e.Log.Error().Err(err).Str("account_id", accountID).Msg("supervise paired account")
	}
}

func (e *Engine) OnDisconnect(accountID string) {
	e.Supervisor.HandleDisconnect(accountID)
}

func (e *Engine) OnInbound(msg model.InboundMessage) {
	out, err := e.Replies.HandleInbound(context.Background(), msg)
	if err != nil {
		e.Log.Warn().Err(err).Str("account_id", msg.AccountID).Msg("inbound")
		return
	}
	e.Log.Debug().Str("account_id", msg.AccountID).Stringer("outcome", out).Msg("inbound")
}

// Shutdown pauses campaigns and stops background work.
func (e *Engine) Shutdown(ctx context.Context) {
	e.Campaigns.Stop(ctx)
	e.Warmup.Stop()
	e.Supervisor.Stop()
	e.Pool.Stop()
}
