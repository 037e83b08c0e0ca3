package warmup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/storage"
)

type performer struct {
	mu    sync.Mutex
	calls []Stage
	err   error
}

func (p *performer) PerformWarmupActivity(_ context.Context, _ model.Account, st Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, st)
	return p.err
}

func (p *performer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type conns map[string]bool

func (c conns) IsConnected(id string) bool { return c[id] }

var twoStages = config.WarmupConfig{
	Tick: time.Hour,
	Stages: []config.StageConfig{
		{Name: "initial-setup", Duration: 6 * time.Hour},
		{Name: "stabilization", Duration: 12 * time.Hour},
	},
}

type fixture struct {
	sched   *Scheduler
	store   *storage.Store
	perf    *performer
	capture *observe.Capture
	now     time.Time
}

func newFixture(t *testing.T, cfg config.WarmupConfig, connected conns) *fixture {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, perf: &performer{}, capture: &observe.Capture{}, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.sched, err = New(st, f.perf, connected, cfg, f.capture, zerolog.Nop())
	require.NoError(t, err)
	f.sched.now = func() time.Time { return f.now }
	t.Cleanup(f.sched.Stop)
	return f
}

func (f *fixture) createAccount(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateAccount(context.Background(), model.Account{ID: id, Phone: "+62" + id}))
}

func TestNew_RequiresPerformer(t *testing.T) {
	_, err := New(nil, nil, conns{}, twoStages, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoPerformer)

	_, err = New(nil, &performer{}, conns{}, config.WarmupConfig{}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoStages)
}

func TestStep_AdvancesOnlyAfterDurationAndActivity(t *testing.T) {
	f := newFixture(t, twoStages, conns{"1": true})
	ctx := context.Background()
	f.createAccount(t, "1")
	require.NoError(t, f.sched.Enroll(ctx, "1"))

	acc, err := f.store.GetAccount(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.StageWarming, acc.LifecycleStage)

	// activity runs once, stage holds until its duration elapses
	done, err := f.sched.Step(ctx, "1")
	require.NoError(t, err)
	assert.False(t, done)
	f.now = f.now.Add(5 * time.Hour)
	_, err = f.sched.Step(ctx, "1")
	require.NoError(t, err)

	job, err := f.store.GetWarmupJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 0, job.CurrentStage)
	assert.True(t, job.ActivityDone)

	f.now = f.now.Add(time.Hour)
	_, err = f.sched.Step(ctx, "1")
	require.NoError(t, err)
	job, _ = f.store.GetWarmupJob(ctx, "1")
	assert.Equal(t, 1, job.CurrentStage)
	assert.False(t, job.ActivityDone)

	// second stage: activity then completion
	f.now = f.now.Add(12 * time.Hour)
	done, err = f.sched.Step(ctx, "1")
	require.NoError(t, err)
	assert.True(t, done)

	acc, _ = f.store.GetAccount(ctx, "1")
	assert.Equal(t, model.StageActive, acc.LifecycleStage)
	assert.True(t, IsEligible(acc))
	assert.Equal(t, 2, f.perf.count())
	assert.Contains(t, f.capture.Kinds("1"), observe.KindWarmupCompleted)

	p, err := f.sched.GetProgress(ctx, "1")
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Equal(t, 100.0, p.Percent)
}

func TestStep_WaitsForConnectedSession(t *testing.T) {
	connected := conns{}
	f := newFixture(t, twoStages, connected)
	ctx := context.Background()
	f.createAccount(t, "1")
	require.NoError(t, f.sched.Enroll(ctx, "1"))
	f.sched.Cancel("1")

	f.now = f.now.Add(24 * time.Hour)
	_, err := f.sched.Step(ctx, "1")
	require.NoError(t, err)
	job, _ := f.store.GetWarmupJob(ctx, "1")
	assert.Equal(t, 0, job.CurrentStage)
	assert.Zero(t, f.perf.count())

	connected["1"] = true
	_, err = f.sched.Step(ctx, "1")
	require.NoError(t, err)
	job, _ = f.store.GetWarmupJob(ctx, "1")
	assert.Equal(t, 1, job.CurrentStage)
}

func TestStep_FailedActivityBlocksAdvance(t *testing.T) {
	f := newFixture(t, twoStages, conns{"1": true})
	ctx := context.Background()
	f.createAccount(t, "1")
	require.NoError(t, f.sched.Enroll(ctx, "1"))
	f.sched.Cancel("1")
	f.perf.err = errors.New("behavior service down")

	f.now = f.now.Add(7 * time.Hour)
	_, err := f.sched.Step(ctx, "1")
	require.NoError(t, err)
	job, _ := f.store.GetWarmupJob(ctx, "1")
	assert.Equal(t, 0, job.CurrentStage)
	assert.False(t, job.ActivityDone)
}

func TestStep_LostAccountStops(t *testing.T) {
	f := newFixture(t, twoStages, conns{"1": true})
	ctx := context.Background()
	f.createAccount(t, "1")
	require.NoError(t, f.sched.Enroll(ctx, "1"))
	f.sched.Cancel("1")
	require.NoError(t, f.store.MarkLost(ctx, "1"))

	done, err := f.sched.Step(ctx, "1")
	require.NoError(t, err)
	assert.True(t, done)

	assert.ErrorIs(t, f.sched.Enroll(ctx, "1"), storage.ErrAccountLost)
	jobs, err := f.store.ListActiveWarmupJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGetProgress_Percent(t *testing.T) {
	f := newFixture(t, twoStages, conns{})
	ctx := context.Background()
	f.createAccount(t, "1")
	require.NoError(t, f.sched.Enroll(ctx, "1"))
	f.sched.Cancel("1")

	f.now = f.now.Add(3 * time.Hour)
	p, err := f.sched.GetProgress(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "initial-setup", p.StageName)
	assert.Equal(t, 2, p.TotalStages)
	assert.Equal(t, 3*time.Hour, p.Remaining)
	assert.InDelta(t, 25.0, p.Percent, 0.001)

	_, err = f.sched.GetProgress(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnroll_ActiveAccountRefused(t *testing.T) {
	f := newFixture(t, twoStages, conns{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, model.Account{ID: "1", Phone: "+1", LifecycleStage: model.StageActive}))
	assert.ErrorIs(t, f.sched.Enroll(ctx, "1"), ErrAlreadyActive)
}

func TestResume_RelaunchesUnfinishedJobs(t *testing.T) {
	f := newFixture(t, twoStages, conns{})
	ctx := context.Background()
	f.createAccount(t, "1")
	f.createAccount(t, "2")
	require.NoError(t, f.sched.Enroll(ctx, "1"))
	require.NoError(t, f.sched.Enroll(ctx, "2"))
	f.sched.Stop()

	n, err := f.sched.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
