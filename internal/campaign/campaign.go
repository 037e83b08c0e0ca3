// Package campaign runs bulk outbound sends: one worker per participating
// account draining a shared, mutex-guarded target queue.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/ratelimit"
	"outreach/internal/sender"
	"outreach/internal/storage"
	"outreach/internal/warmup"
)

var (
	ErrNoParticipants       = errors.New("campaign: no participant accounts")
	ErrNoTargets            = errors.New("campaign: no targets")
	ErrParticipantNotActive = errors.New("campaign: participant is not active")
	ErrParticipantBusy      = errors.New("campaign: participant is in another running campaign")
	ErrCampaignRunning      = errors.New("campaign: already running")
	ErrCampaignNotRunning   = errors.New("campaign: not running")
	ErrCampaignFinished     = errors.New("campaign: already finished")
	ErrCampaignNotPaused    = errors.New("campaign: not paused")
	ErrInvalidTemplate      = errors.New("campaign: invalid template")
)

const (
	rateWindow  = time.Hour
	sendTimeout = 90 * time.Second
	idleWait    = 5 * time.Second
	pollWait    = 500 * time.Millisecond
)

// Messenger delivers a message through one account's session.
type Messenger interface {
	SendText(ctx context.Context, accountID, userID, text string) error
	IsConnected(accountID string) bool
}

// CreateRequest is the operator input for a new campaign.
type CreateRequest struct {
	Name                       string
	Template                   string
	Targets                    []model.CampaignTarget
	ParticipantAccountIDs      []string
	RateLimitPerAccountPerHour int
	MinDelaySeconds            int
	MaxRetriesPerTarget        int
}

// Stats summarizes a campaign's progress.
type Stats struct {
	CampaignID string     `json:"campaign_id"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Queued     int        `json:"queued"`
	InFlight   int        `json:"in_flight"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Discarded  int        `json:"discarded"`
	Requeued   int        `json:"requeued"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Dispatcher struct {
	store   *storage.Store
	msgr    Messenger
	limiter ratelimit.Limiter
	render  *sender.Renderer
	sink    observe.Sink
	log     zerolog.Logger
	cfg     config.CampaignConfig

	// pace waits the jittered inter-message delay; wait sleeps for rate
	// windows and disconnected sessions. Both return ctx.Err() when cancelled.
	pace func(ctx context.Context, base time.Duration, pct float64) error
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	busy map[string]string // account id -> running campaign id
}

func New(store *storage.Store, msgr Messenger, limiter ratelimit.Limiter, cfg config.CampaignConfig, sink observe.Sink, log zerolog.Logger) *Dispatcher {
	if sink == nil {
		sink = observe.Nop{}
	}
	if limiter == nil {
		limiter = ratelimit.NewMemory()
	}
	return &Dispatcher{
		store:   store,
		msgr:    msgr,
		limiter: limiter,
		render:  sender.NewRenderer(),
		sink:    sink,
		log:     log,
		cfg:     cfg,
		pace:    sender.SleepJitter,
		wait:    sleepCtx,
		now:     time.Now,
		runs:    map[string]*run{},
		busy:    map[string]string{},
	}
}

// uniqueIDs drops blanks and repeats, keeping first-seen order. One account
// gets exactly one worker.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
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

// Create validates and persists a campaign in pending state.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (model.Campaign, error) {
	participants := uniqueIDs(req.ParticipantAccountIDs)
	if len(participants) == 0 {
		return model.Campaign{}, ErrNoParticipants
	}
	if len(req.Targets) == 0 {
		return model.Campaign{}, ErrNoTargets
	}
	if err := d.render.Validate(req.Template); err != nil {
		return model.Campaign{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	c := model.Campaign{
		ID:                         uuid.NewString(),
		Name:                       req.Name,
		Template:                   req.Template,
		ParticipantAccountIDs:      participants,
		RateLimitPerAccountPerHour: req.RateLimitPerAccountPerHour,
		MinDelaySeconds:            req.MinDelaySeconds,
		MaxRetriesPerTarget:        req.MaxRetriesPerTarget,
		Status:                     model.CampaignPending,
		CreatedAt:                  d.now().UTC(),
	}
	targets := make([]model.CampaignTarget, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = model.CampaignTarget{UserID: model.NormalizeUserID(t.UserID), DisplayName: t.DisplayName}
	}
	if err := d.store.CreateCampaign(ctx, c, targets); err != nil {
		return model.Campaign{}, err
	}
	for _, t := range targets {
		c.TargetIDs = append(c.TargetIDs, t.UserID)
	}
	return c, nil
}

// Start validates participants, builds the shared queue and spawns one
// worker per participant.
func (d *Dispatcher) Start(ctx context.Context, campaignID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startLocked(ctx, campaignID, false)
}

// Resume restarts a paused campaign with its remaining queue.
func (d *Dispatcher) Resume(ctx context.Context, campaignID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startLocked(ctx, campaignID, true)
}

func (d *Dispatcher) startLocked(ctx context.Context, campaignID string, resume bool) error {
	if _, ok := d.runs[campaignID]; ok {
		return ErrCampaignRunning
	}
	c, targets, err := d.store.LoadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.CampaignCompleted, model.CampaignCancelled:
		return ErrCampaignFinished
	case model.CampaignPaused:
	default:
		if resume {
			return ErrCampaignNotPaused
		}
	}
	c.ParticipantAccountIDs = uniqueIDs(c.ParticipantAccountIDs)
	if len(c.ParticipantAccountIDs) == 0 {
		return ErrNoParticipants
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}
	for _, id := range c.ParticipantAccountIDs {
		acc, err := d.store.GetAccount(ctx, id)
		if err != nil {
			return fmt.Errorf("participant %s: %w", id, err)
		}
		if !warmup.IsEligible(acc) {
			return fmt.Errorf("%w: %s is %s", ErrParticipantNotActive, id, acc.LifecycleStage)
		}
		if other, ok := d.busy[id]; ok {
			return fmt.Errorf("%w: %s in %s", ErrParticipantBusy, id, other)
		}
	}

	prior, err := d.store.ListAssignments(ctx, campaignID)
	if err != nil {
		return err
	}
	assigned := make(map[string]string, len(prior))
	for _, a := range prior {
		assigned[a.TargetUserID] = a.AccountID
	}
	seen := make(map[string]bool, len(targets))
	var queue []model.CampaignTarget
	for _, t := range targets {
		dup := seen[t.UserID]
		seen[t.UserID] = true
		if t.State != model.TargetQueued {
			continue
		}
		if _, contacted := assigned[t.UserID]; dup || contacted || t.UserID == "" {
			t.State = model.TargetSkipped
			if err := d.store.SetTargetState(ctx, t); err != nil {
				return err
			}
			continue
		}
		queue = append(queue, t)
	}

	if err := d.store.SetCampaignStatus(ctx, campaignID, model.CampaignRunning, d.now()); err != nil {
		return err
	}
	d.emitStatus(ctx, c, c.Status, model.CampaignRunning, model.SeverityInfo, fmt.Sprintf("queue=%d workers=%d", len(queue), len(c.ParticipantAccountIDs)))

	r := newRun(c, queue, assigned)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	d.runs[campaignID] = r
	for _, id := range c.ParticipantAccountIDs {
		d.busy[id] = campaignID
		r.workers.Add(1)
		go d.worker(runCtx, r, id)
	}
	go d.finish(r)
	return nil
}

// worker drains the shared queue for one account until it is empty, the run
// is stopped, or the account is lost.
func (d *Dispatcher) worker(ctx context.Context, r *run, accountID string) {
	defer r.workers.Done()
	log := d.log.With().Str("campaign_id", r.campaign.ID).Str("account_id", accountID).Logger()
	c := r.campaign

	for ctx.Err() == nil {
		acc, err := d.store.GetAccount(ctx, accountID)
		if err == nil && acc.LifecycleStage == model.StageLost {
			log.Warn().Msg("account lost, worker exiting")
			return
		}

		t, res := r.pop()
		switch res {
		case drained:
			return
		case pending:
			if d.wait(ctx, pollWait) != nil {
				return
			}
			continue
		}
		if !d.msgr.IsConnected(accountID) {
			r.pushHead(t)
			if d.wait(ctx, idleWait) != nil {
				return
			}
			continue
		}

		// A pause during pacing must not spend a rate slot.
		if err := d.pace(ctx, time.Duration(c.MinDelaySeconds)*time.Second, d.cfg.JitterPct); err != nil {
			r.pushHead(t)
			return
		}

		allowed, retryIn, err := d.limiter.Reserve(ctx, accountID, c.RateLimitPerAccountPerHour, rateWindow)
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter")
			r.pushHead(t)
			if d.wait(ctx, idleWait) != nil {
				return
			}
			continue
		}
		if !allowed {
			r.pushHead(t)
			log.Debug().Dur("retry_in", retryIn).Msg("rate window full")
			if d.wait(ctx, retryIn) != nil {
				return
			}
			continue
		}

		d.attempt(ctx, r, t, accountID, log)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, r *run, t model.CampaignTarget, accountID string, log zerolog.Logger) {
	c := r.campaign
	persist := context.WithoutCancel(ctx)
	t.Attempts++

	text, err := d.render.Render(c.Template, map[string]any{
		"display_name": t.DisplayName,
		"user_id":      t.UserID,
		"campaign_id":  c.ID,
	})
	if err == nil {
		sendCtx, cancel := context.WithTimeout(persist, sendTimeout)
		err = d.msgr.SendText(sendCtx, accountID, t.UserID, text)
		cancel()
	}
	err = sender.Classify(err)

	switch {
	case err == nil:
		if !r.claim(t, accountID) {
			log.Error().Str("target", t.UserID).Msg("target already contacted")
			return
		}
		if err := d.store.RecordAssignment(persist, model.AssignmentRecord{
			CampaignID: c.ID, TargetUserID: t.UserID, AccountID: accountID, CreatedAt: d.now().UTC(),
		}); err != nil {
			log.Error().Err(err).Str("target", t.UserID).Msg("record assignment")
		}
		t.State, t.LastError = model.TargetSent, ""
		d.saveTarget(persist, t, log)

	case sender.IsTransient(err) && (c.MaxRetriesPerTarget <= 0 || t.Attempts < c.MaxRetriesPerTarget):
		t.LastError = sender.Short(err.Error())
		d.saveTarget(persist, t, log)
		r.pushTail(t)
		log.Debug().Err(err).Str("target", t.UserID).Int("attempts", t.Attempts).Msg("requeued")

	default:
		r.settle()
		t.State, t.LastError = model.TargetFailed, sender.Short(err.Error())
		d.saveTarget(persist, t, log)
		d.sink.Emit(persist, model.Event{
			Kind: observe.KindTargetFailed, Severity: model.SeverityWarn, CampaignID: c.ID, AccountID: accountID,
			Message: fmt.Sprintf("%s: %s", t.UserID, t.LastError),
		})
	}
}

func (d *Dispatcher) saveTarget(ctx context.Context, t model.CampaignTarget, log zerolog.Logger) {
	if err := d.store.SetTargetState(ctx, t); err != nil {
		log.Error().Err(err).Str("target", t.UserID).Msg("save target")
	}
}

// finish waits for every worker of r and settles the campaign status.
func (d *Dispatcher) finish(r *run) {
	r.workers.Wait()
	ctx := context.Background()
	c := r.campaign
	queued, _, _, stop := r.snapshot()

	status, severity := model.CampaignPaused, model.SeverityInfo
	msg := ""
	switch {
	case stop == stopCancel:
		n, err := d.store.DiscardQueuedTargets(ctx, c.ID)
		if err != nil {
			d.log.Error().Err(err).Str("campaign_id", c.ID).Msg("discard queue")
		}
		status, msg = model.CampaignCancelled, fmt.Sprintf("discarded=%d", n)
	case stop == stopPause:
		msg = fmt.Sprintf("queued=%d", queued)
	case queued == 0:
		status = model.CampaignCompleted
	default:
		severity = model.SeverityWarn
		msg = fmt.Sprintf("all workers exited with %d targets left", queued)
	}
	if err := d.store.SetCampaignStatus(ctx, c.ID, status, d.now()); err != nil {
		d.log.Error().Err(err).Str("campaign_id", c.ID).Msg("set campaign status")
	}
	d.emitStatus(ctx, c, model.CampaignRunning, status, severity, msg)
	if status == model.CampaignCompleted || status == model.CampaignCancelled {
		d.emitSummary(ctx, c.ID)
	}

	d.mu.Lock()
	delete(d.runs, c.ID)
	for _, id := range c.ParticipantAccountIDs {
		if d.busy[id] == c.ID {
			delete(d.busy, id)
		}
	}
	d.mu.Unlock()
	r.cancel()
	close(r.done)
}

func (d *Dispatcher) emitStatus(ctx context.Context, c model.Campaign, from, to, severity, msg string) {
	d.sink.Emit(ctx, model.Event{Kind: observe.KindCampaignStatus, Severity: severity, CampaignID: c.ID, From: from, To: to, Message: msg})
}

func (d *Dispatcher) emitSummary(ctx context.Context, campaignID string) {
	st, err := d.GetStats(ctx, campaignID)
	if err != nil {
		d.log.Error().Err(err).Str("campaign_id", campaignID).Msg("campaign summary")
		return
	}
	d.sink.Emit(ctx, model.Event{
		Kind: observe.KindCampaignSummary, CampaignID: campaignID, To: st.Status,
		Message: fmt.Sprintf("sent=%d failed=%d skipped=%d discarded=%d requeued=%d", st.Sent, st.Failed, st.Skipped, st.Discarded, st.Requeued),
	})
}

// Pause stops the workers after their current target and waits for them.
// Remaining targets stay queued for Resume.
func (d *Dispatcher) Pause(ctx context.Context, campaignID string) error {
	return d.stopRun(ctx, campaignID, stopPause)
}

// Cancel stops the workers and discards the remaining queue.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID string) error {
	err := d.stopRun(ctx, campaignID, stopCancel)
	if !errors.Is(err, ErrCampaignNotRunning) {
		return err
	}
	c, _, err := d.store.LoadCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignCompleted || c.Status == model.CampaignCancelled {
		return ErrCampaignFinished
	}
	if _, err := d.store.DiscardQueuedTargets(ctx, campaignID); err != nil {
		return err
	}
	if err := d.store.SetCampaignStatus(ctx, campaignID, model.CampaignCancelled, d.now()); err != nil {
		return err
	}
	d.emitStatus(ctx, c, c.Status, model.CampaignCancelled, model.SeverityInfo, "")
	d.emitSummary(ctx, campaignID)
	return nil
}

func (d *Dispatcher) stopRun(ctx context.Context, campaignID string, reason int) error {
	d.mu.Lock()
	r, ok := d.runs[campaignID]
	d.mu.Unlock()
	if !ok {
		return ErrCampaignNotRunning
	}
	r.requestStop(reason)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the campaign's current run has ended.
func (d *Dispatcher) Wait(ctx context.Context, campaignID string) error {
	d.mu.Lock()
	r, ok := d.runs[campaignID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats merges persisted target states with the live run, if any.
func (d *Dispatcher) GetStats(ctx context.Context, campaignID string) (Stats, error) {
	c, _, err := d.store.LoadCampaign(ctx, campaignID)
	if err != nil {
		return Stats{}, err
	}
	counts, err := d.store.TargetCounts(ctx, campaignID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		CampaignID: campaignID,
		Status:     c.Status,
		Queued:     counts[model.TargetQueued],
		Sent:       counts[model.TargetSent],
		Failed:     counts[model.TargetFailed],
		Skipped:    counts[model.TargetSkipped],
		Discarded:  counts[model.TargetDiscarded],
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
	}
	for _, n := range counts {
		st.Total += n
	}
	d.mu.Lock()
	r, live := d.runs[campaignID]
	d.mu.Unlock()
	if live {
		_, st.InFlight, st.Requeued, _ = r.snapshot()
		st.Queued = max(st.Queued-st.InFlight, 0)
	}
	return st, nil
}

// Recover marks campaigns left running by a previous process as paused.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	all, err := d.store.ListCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range all {
		d.mu.Lock()
		_, live := d.runs[c.ID]
		d.mu.Unlock()
		if c.Status != model.CampaignRunning || live {
			continue
		}
		if err := d.store.SetCampaignStatus(ctx, c.ID, model.CampaignPaused, d.now()); err != nil {
			return n, err
		}
		d.emitStatus(ctx, c, model.CampaignRunning, model.CampaignPaused, model.SeverityWarn, "recovered after restart")
		n++
	}
	return n, nil
}

// Stop pauses every running campaign.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.runs))
	for id := range d.runs {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		if err := d.Pause(ctx, id); err != nil && !errors.Is(err, ErrCampaignNotRunning) {
			d.log.Warn().Err(err).Str("campaign_id", id).Msg("pause on shutdown")
		}
	}
}
