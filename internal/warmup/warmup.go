// Package warmup walks new accounts through timed activity stages before
// they may take part in campaigns.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/storage"
)

var (
	ErrNoPerformer   = errors.New("warmup: activity performer required")
	ErrNoStages      = errors.New("warmup: at least one stage required")
	ErrAlreadyActive = errors.New("warmup: account already active")
)

// Stage describes one warmup step handed to the performer.
type Stage struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// ActivityPerformer carries out the behavior expected during a stage.
type ActivityPerformer interface {
	PerformWarmupActivity(ctx context.Context, account model.Account, stage Stage) error
}

// Connectivity tells whether an account's session is currently usable.
type Connectivity interface {
	IsConnected(accountID string) bool
}

// Progress is the operator view of one job.
type Progress struct {
	AccountID      string        `json:"account_id"`
	Stage          int           `json:"stage"`
	StageName      string        `json:"stage_name"`
	TotalStages    int           `json:"total_stages"`
	StageEnteredAt time.Time     `json:"stage_entered_at"`
	Remaining      time.Duration `json:"remaining"`
	ActivityDone   bool          `json:"activity_done"`
	Completed      bool          `json:"completed"`
	Percent        float64       `json:"percent"`
}

type Scheduler struct {
	store     *storage.Store
	performer ActivityPerformer
	conn      Connectivity
	sink      observe.Sink
	log       zerolog.Logger
	stages    []config.StageConfig
	tick      time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New checks its collaborators up front; a missing performer is a wiring error.
func New(store *storage.Store, performer ActivityPerformer, conn Connectivity, cfg config.WarmupConfig, sink observe.Sink, log zerolog.Logger) (*Scheduler, error) {
	if performer == nil {
		return nil, ErrNoPerformer
	}
	if conn == nil {
		return nil, errors.New("warmup: connectivity source required")
	}
	if len(cfg.Stages) == 0 {
		return nil, ErrNoStages
	}
	if sink == nil {
		sink = observe.Nop{}
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		store:     store,
		performer: performer,
		conn:      conn,
		sink:      sink,
		log:       log,
		stages:    append([]config.StageConfig(nil), cfg.Stages...),
		tick:      tick,
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
	}, nil
}

// IsEligible reports whether an account may join campaigns.
func IsEligible(acc model.Account) bool { return acc.LifecycleStage == model.StageActive }

func (s *Scheduler) stageName(i int) string {
	if i >= 0 && i < len(s.stages) {
		return s.stages[i].Name
	}
	return fmt.Sprintf("stage-%d", i+1)
}

// Enroll moves a created account into warming and starts its ticker. An
// account that dropped before enrollment resumes into warming on reconnect.
func (s *Scheduler) Enroll(ctx context.Context, accountID string) error {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	switch acc.LifecycleStage {
	case model.StageLost:
		return storage.ErrAccountLost
	case model.StageActive:
		return ErrAlreadyActive
	case model.StageDisconnected:
		if acc.ResumeStage == model.StageActive {
			return ErrAlreadyActive
		}
		if err := s.store.BeginWarming(ctx, accountID); err != nil {
			return err
		}
	case model.StageCreated:
		if err := s.store.BeginWarming(ctx, accountID); err != nil {
			return err
		}
	}
	durations := make([]time.Duration, len(s.stages))
	for i, st := range s.stages {
		durations[i] = st.Duration
	}
	if err := s.store.CreateWarmupJob(ctx, model.WarmupJob{
		AccountID: accountID, StageDurations: durations, StageEnteredAt: s.now(),
	}); err != nil {
		return err
	}
	s.sink.Emit(ctx, model.Event{
		Kind: observe.KindWarmupStage, AccountID: accountID, From: acc.LifecycleStage, To: s.stageName(0),
		Message: "warmup started",
	})
	s.launch(ctx, accountID)
	return nil
}

// Resume restarts tickers for every unfinished job, e.g. after a restart.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	jobs, err := s.store.ListActiveWarmupJobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.launch(ctx, j.AccountID)
	}
	return len(jobs), nil
}

func (s *Scheduler) launch(ctx context.Context, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[accountID]; ok {
		return
	}
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running[accountID] = cancel
	s.wg.Add(1)
	go s.run(jctx, accountID)
}

func (s *Scheduler) run(ctx context.Context, accountID string) {
	defer s.wg.Done()
	defer s.forget(accountID)

	tick := time.NewTicker(s.tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		done, err := s.Step(ctx, accountID)
		if err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Msg("warmup step")
		}
		if done {
			return
		}
	}
}

func (s *Scheduler) forget(accountID string) {
	s.mu.Lock()
	if cancel, ok := s.running[accountID]; ok {
		cancel()
		delete(s.running, accountID)
	}
	s.mu.Unlock()
}

// Step evaluates one job once. It reports done when the job needs no more ticks.
func (s *Scheduler) Step(ctx context.Context, accountID string) (bool, error) {
	job, err := s.store.GetWarmupJob(ctx, accountID)
	if err != nil {
		return errors.Is(err, storage.ErrNotFound), err
	}
	if job.CompletedAt != nil {
		return true, nil
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if acc.LifecycleStage == model.StageLost {
		return true, nil
	}
	idx := job.CurrentStage
	total := len(job.StageDurations)
	if idx >= total {
		_, err := s.complete(ctx, accountID, idx)
		return true, err
	}
	stage := Stage{Index: idx, Name: s.stageName(idx), Duration: job.StageDurations[idx]}

	if !job.ActivityDone && s.conn.IsConnected(accountID) {
		if err := s.performer.PerformWarmupActivity(ctx, acc, stage); err != nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Str("stage", stage.Name).Msg("warmup activity failed")
		} else {
			if err := s.store.SetWarmupActivityDone(ctx, accountID, idx); err != nil {
				return false, err
			}
			job.ActivityDone = true
		}
	}

	now := s.now()
	if !job.ActivityDone || now.Sub(job.StageEnteredAt) < stage.Duration {
		return false, nil
	}
	if idx == total-1 {
		return s.complete(ctx, accountID, idx)
	}
	advanced, err := s.store.AdvanceWarmupStage(ctx, accountID, idx, now)
	if err != nil || !advanced {
		return false, err
	}
	s.sink.Emit(ctx, model.Event{
		Kind: observe.KindWarmupStage, AccountID: accountID, From: stage.Name, To: s.stageName(idx + 1),
	})
	return false, nil
}

func (s *Scheduler) complete(ctx context.Context, accountID string, idx int) (bool, error) {
	ok, err := s.store.CompleteWarmup(ctx, accountID, idx, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		s.sink.Emit(ctx, model.Event{
			Kind: observe.KindWarmupCompleted, AccountID: accountID, From: model.StageWarming, To: model.StageActive,
		})
	}
	return true, nil
}

// GetProgress reports where accountID is in its warmup.
func (s *Scheduler) GetProgress(ctx context.Context, accountID string) (Progress, error) {
	job, err := s.store.GetWarmupJob(ctx, accountID)
	if err != nil {
		return Progress{}, err
	}
	total := len(job.StageDurations)
	p := Progress{
		AccountID:      accountID,
		Stage:          job.CurrentStage,
		StageName:      s.stageName(job.CurrentStage),
		TotalStages:    total,
		StageEnteredAt: job.StageEnteredAt,
		ActivityDone:   job.ActivityDone,
		Completed:      job.CompletedAt != nil,
	}
	if p.Completed || total == 0 {
		p.Percent = 100
		return p, nil
	}
	dur := job.StageDurations[min(job.CurrentStage, total-1)]
	elapsed := s.now().Sub(job.StageEnteredAt)
	p.Remaining = max(dur-elapsed, 0)
	frac := 1.0
	if dur > 0 {
		frac = min(float64(elapsed)/float64(dur), 1)
	}
	p.Percent = (float64(job.CurrentStage) + frac) / float64(total) * 100
	return p, nil
}

// Cancel stops the ticker of one account.
func (s *Scheduler) Cancel(accountID string) { s.forget(accountID) }

// Stop cancels every ticker and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
