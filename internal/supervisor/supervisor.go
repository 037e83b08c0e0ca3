// Package supervisor keeps account sessions alive: it probes liveness,
// reconnects on a fixed backoff schedule and declares an account lost when
// the schedule is exhausted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/storage"
)

// Session states.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateReconnecting = "reconnecting"
	StateLost         = "lost"
	StateStopped      = "stopped"
)

var (
	ErrUnknownAccount   = errors.New("supervisor: account not tracked")
	ErrProtectedAccount = errors.New("supervisor: account is non-renewable; override required")
)

// Session is the connection the supervisor watches. Connect must reuse the
// session's own proxy and stored credential.
type Session interface {
	AccountID() string
	Connect(ctx context.Context) error
	IsAlive(ctx context.Context) bool
	Disconnect()
}

// Lifecycle persists account stage changes driven by connectivity.
type Lifecycle interface {
	MarkDisconnected(ctx context.Context, accountID string) error
	MarkReconnected(ctx context.Context, accountID string) error
	MarkLost(ctx context.Context, accountID string) error
}

// Releaser frees the proxy of a lost account.
type Releaser interface {
	Release(ctx context.Context, accountID string) error
}

// Status is a snapshot of one tracked session.
type Status struct {
	AccountID    string    `json:"account_id"`
	State        string    `json:"state"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	NonRenewable bool      `json:"non_renewable"`
	Since        time.Time `json:"since"`
	LastError    string    `json:"last_error,omitempty"`
}

type entry struct {
	session      Session
	nonRenewable bool
	state        string
	attempt      int
	since        time.Time
	lastErr      string
	cancel       context.CancelFunc
}

type Supervisor struct {
	accounts Lifecycle
	pool     Releaser
	sink     observe.Sink
	log      zerolog.Logger
	backoff  []time.Duration
	interval time.Duration

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	baseCtx context.Context

	running    bool
	stop       chan struct{}
	loopDone   chan struct{}
	reconnects sync.WaitGroup
}

func New(accounts Lifecycle, pool Releaser, sink observe.Sink, cfg config.SupervisorConfig, log zerolog.Logger) *Supervisor {
	if sink == nil {
		sink = observe.Nop{}
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = config.DefaultBackoff
	}
	return &Supervisor{
		accounts: accounts,
		pool:     pool,
		sink:     sink,
		log:      log,
		backoff:  append([]time.Duration(nil), backoff...),
		interval: cfg.LivenessInterval,
		wait:     sleepCtx,
		now:      time.Now,
		entries:  make(map[string]*entry),
		baseCtx:  context.Background(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track starts supervising s. A session that is not alive goes straight
// into reconnection.
func (s *Supervisor) Track(ctx context.Context, sess Session, nonRenewable bool) {
	id := sess.AccountID()
	s.mu.Lock()
	if old, ok := s.entries[id]; ok && old.cancel != nil {
		old.cancel()
	}
	s.entries[id] = &entry{session: sess, nonRenewable: nonRenewable, state: StateConnected, since: s.now()}
	s.mu.Unlock()

	if !sess.IsAlive(ctx) {
		_ = s.CheckLiveness(ctx, id)
		return
	}
	// an account left disconnected by a previous run gets its stage back
	if err := s.accounts.MarkReconnected(ctx, id); err != nil {
		s.log.Debug().Err(err).Str("account_id", id).Msg("restore stage on track")
	}
}

// Untrack stops supervising accountID and cancels any reconnect in flight.
func (s *Supervisor) Untrack(accountID string) {
	s.mu.Lock()
	e, ok := s.entries[accountID]
	delete(s.entries, accountID)
	s.mu.Unlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

// CheckLiveness probes one session. It is a no-op while the session is
// healthy or already reconnecting; on failure it starts exactly one
// reconnect sequence.
func (s *Supervisor) CheckLiveness(ctx context.Context, accountID string) error {
	s.mu.Lock()
	e, ok := s.entries[accountID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownAccount
	}
	switch e.state {
	case StateReconnecting, StateLost, StateStopped:
		s.mu.Unlock()
		return nil
	}
	sess := e.session
	s.mu.Unlock()

	alive := sess.IsAlive(ctx)

	s.mu.Lock()
	if s.entries[accountID] != e || (e.state != StateConnected && e.state != StateDisconnected) {
		s.mu.Unlock()
		return nil
	}
	if alive {
		e.state = StateConnected
		s.mu.Unlock()
		return nil
	}
	from := e.state
	e.state = StateReconnecting
	e.attempt = 0
	e.since = s.now()
	rctx, cancel := context.WithCancel(s.baseCtx)
	e.cancel = cancel
	s.reconnects.Add(1)
	s.mu.Unlock()

	if from != StateDisconnected {
		s.emitState(ctx, accountID, from, StateDisconnected, "liveness check failed")
	}
	if err := s.accounts.MarkDisconnected(ctx, accountID); err != nil {
		if errors.Is(err, storage.ErrAccountLost) {
			cancel()
			s.reconnects.Done()
			s.setState(accountID, e, StateLost, "")
			return nil
		}
		s.log.Warn().Err(err).Str("account_id", accountID).Msg("mark disconnected")
	}
	s.emitState(ctx, accountID, StateDisconnected, StateReconnecting, "")

	go s.reconnect(rctx, accountID, e)
	return nil
}

// HandleDisconnect reacts to a transport disconnect event.
func (s *Supervisor) HandleDisconnect(accountID string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if err := s.CheckLiveness(ctx, accountID); err != nil && !errors.Is(err, ErrUnknownAccount) {
		s.log.Warn().Err(err).Str("account_id", accountID).Msg("liveness after disconnect")
	}
}

func (s *Supervisor) reconnect(ctx context.Context, accountID string, e *entry) {
	defer s.reconnects.Done()
	total := len(s.backoff)

	for i, d := range s.backoff {
		if err := s.wait(ctx, d); err != nil {
			return
		}
		attempt := i + 1
		s.mu.Lock()
		e.attempt = attempt
		s.mu.Unlock()
		s.sink.Emit(ctx, model.Event{
			Kind: observe.KindReconnectAttempt, AccountID: accountID,
			Message: fmt.Sprintf("attempt %d/%d after %s", attempt, total, d),
		})

		err := e.session.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if err := s.accounts.MarkReconnected(context.WithoutCancel(ctx), accountID); err != nil {
				s.log.Warn().Err(err).Str("account_id", accountID).Msg("mark reconnected")
			}
			s.setState(accountID, e, StateConnected, "")
			s.emitState(ctx, accountID, StateReconnecting, StateConnected, fmt.Sprintf("reconnected on attempt %d", attempt))
			return
		}
		s.log.Warn().Err(err).Str("account_id", accountID).Int("attempt", attempt).Msg("reconnect failed")
		s.mu.Lock()
		e.lastErr = err.Error()
		s.mu.Unlock()
	}

	// Exhausted. The account and its proxy are gone for good.
	persist := context.WithoutCancel(ctx)
	s.setState(accountID, e, StateLost, "")
	e.session.Disconnect()
	if err := s.accounts.MarkLost(persist, accountID); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("mark lost")
	}
	if err := s.pool.Release(persist, accountID); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("release proxy")
	}
	s.emitState(persist, accountID, StateReconnecting, StateLost, "")
	s.sink.Emit(persist, model.Event{
		Kind: observe.KindReconnectExhausted, Severity: model.SeverityCritical, AccountID: accountID,
		From: StateReconnecting, To: StateLost,
		Message: fmt.Sprintf("%d reconnect attempts failed; account lost", total),
	})
}

// StopSession disconnects an account on purpose. Non-renewable accounts
// need override.
func (s *Supervisor) StopSession(ctx context.Context, accountID string, override bool) error {
	s.mu.Lock()
	e, ok := s.entries[accountID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownAccount
	}
	if e.nonRenewable && !override {
		s.mu.Unlock()
		return ErrProtectedAccount
	}
	from := e.state
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = StateStopped
	e.since = s.now()
	s.mu.Unlock()

	e.session.Disconnect()
	s.emitState(ctx, accountID, from, StateStopped, "stopped by operator")
	return nil
}

func (s *Supervisor) setState(accountID string, e *entry, state, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state = state
	e.since = s.now()
	if lastErr != "" {
		e.lastErr = lastErr
	}
	if state != StateReconnecting {
		e.cancel = nil
	}
}

func (s *Supervisor) emitState(ctx context.Context, accountID, from, to, msg string) {
	sev := model.SeverityInfo
	if to == StateDisconnected || to == StateReconnecting {
		sev = model.SeverityWarn
	}
	if to == StateLost {
		sev = model.SeverityError
	}
	s.sink.Emit(ctx, model.Event{Kind: observe.KindSessionState, Severity: sev, AccountID: accountID, From: from, To: to, Message: msg})
}

// GetStatus returns the snapshot for one account.
func (s *Supervisor) GetStatus(accountID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	if !ok {
		return Status{}, false
	}
	return s.statusOf(accountID, e), true
}

// GetAllStatuses returns snapshots for every tracked account, ordered by id.
func (s *Supervisor) GetAllStatuses() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, s.statusOf(id, e))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (s *Supervisor) statusOf(id string, e *entry) Status {
	return Status{
		AccountID: id, State: e.state, Attempt: e.attempt, MaxAttempts: len(s.backoff),
		NonRenewable: e.nonRenewable, Since: e.since, LastError: e.lastErr,
	}
}

// Session returns the tracked session of accountID, if it is connected.
func (s *Supervisor) Session(accountID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	if !ok || e.state != StateConnected {
		return nil, false
	}
	return e.session, true
}

// IsConnected reports whether accountID is tracked and connected.
func (s *Supervisor) IsConnected(accountID string) bool {
	_, ok := s.Session(accountID)
	return ok
}

// Start runs the liveness loop until Stop or ctx ends.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx = ctx
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.mu.Unlock()
	go s.loop(ctx)
}

// Stop ends the loop and cancels every reconnect sequence.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	for _, e := range s.entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
	done := s.loopDone
	s.mu.Unlock()
	<-done
	s.reconnects.Wait()
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.loopDone)
	every := s.interval
	if every <= 0 {
		every = 30 * time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, id := range s.trackedIDs() {
				if err := s.CheckLiveness(ctx, id); err != nil && !errors.Is(err, ErrUnknownAccount) {
					s.log.Warn().Err(err).Str("account_id", id).Msg("liveness")
				}
			}
		}
	}
}

func (s *Supervisor) trackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}
