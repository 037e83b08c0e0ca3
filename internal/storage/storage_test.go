package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAccount(t *testing.T, st *Store, id, phone string) {
	t.Helper()
	require.NoError(t, st.CreateAccount(context.Background(), model.Account{ID: id, Phone: phone, NonRenewable: true}))
}

func seedActiveProxy(t *testing.T, st *Store, host string, score float64) int64 {
	t.Helper()
	ctx := context.Background()
	id, inserted, err := st.InsertProxy(ctx, model.Proxy{Host: host, Port: 1080})
	require.NoError(t, err)
	require.True(t, inserted)
	now := time.Now()
	require.NoError(t, st.UpdateProxyHealth(ctx, id, ProxyHealth{
		Score: score, Status: model.ProxyActive, CheckedAt: now, NextCheck: now.Add(time.Hour),
	}))
	return id
}

func TestInsertProxy_IgnoresDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, inserted, err := st.InsertProxy(ctx, model.Proxy{Host: "10.0.0.1", Port: 1080, Username: "u"})
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = st.InsertProxy(ctx, model.Proxy{Host: "10.0.0.1", Port: 1080, Username: "u"})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := st.CountProxies(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBindProxy_ExclusiveAndSymmetric(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	seedAccount(t, st, "a2", "+10000000002")
	pid := seedActiveProxy(t, st, "10.0.0.1", 80)

	require.NoError(t, st.BindProxy(ctx, pid, "a1", time.Now()))
	assert.ErrorIs(t, st.BindProxy(ctx, pid, "a2", time.Now()), ErrProxyTaken)

	p, err := st.ProxyForAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, pid, p.ID)
	assert.True(t, p.EverAssigned)

	a, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, pid, a.AssignedProxyID)

	released, err := st.UnbindProxy(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, pid, released)

	a, err = st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, a.AssignedProxyID)

	// unbinding twice is a no-op
	released, err = st.UnbindProxy(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, released)

	require.NoError(t, st.BindProxy(ctx, pid, "a2", time.Now()))
}

func TestBindProxy_RefusesLostAccount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	pid := seedActiveProxy(t, st, "10.0.0.1", 80)
	require.NoError(t, st.MarkLost(ctx, "a1"))

	assert.ErrorIs(t, st.BindProxy(ctx, pid, "a1", time.Now()), ErrAccountLost)
	p, err := st.GetProxy(ctx, pid)
	require.NoError(t, err)
	assert.False(t, p.Assigned())
}

func TestNextAssignable_SkipsAssignedAndInactive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	p1 := seedActiveProxy(t, st, "10.0.0.1", 80)
	p2 := seedActiveProxy(t, st, "10.0.0.2", 80)
	_, _, err := st.InsertProxy(ctx, model.Proxy{Host: "10.0.0.3", Port: 1080})
	require.NoError(t, err)

	require.NoError(t, st.BindProxy(ctx, p1, "a1", time.Now()))

	got, err := st.NextAssignable(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, p2, got.ID)

	_, err = st.NextAssignable(ctx, p2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycle_DisconnectResumeAndLost(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	require.NoError(t, st.SetLifecycle(ctx, "a1", model.StageWarming))

	require.NoError(t, st.MarkDisconnected(ctx, "a1"))
	require.NoError(t, st.MarkDisconnected(ctx, "a1"))
	a, _ := st.GetAccount(ctx, "a1")
	assert.Equal(t, model.StageDisconnected, a.LifecycleStage)
	assert.Equal(t, model.StageWarming, a.ResumeStage)

	require.NoError(t, st.MarkReconnected(ctx, "a1"))
	a, _ = st.GetAccount(ctx, "a1")
	assert.Equal(t, model.StageWarming, a.LifecycleStage)
	assert.NotNil(t, a.LastSeenAt)

	require.NoError(t, st.MarkLost(ctx, "a1"))
	assert.ErrorIs(t, st.SetLifecycle(ctx, "a1", model.StageActive), ErrAccountLost)
	assert.ErrorIs(t, st.MarkDisconnected(ctx, "a1"), ErrAccountLost)
	assert.ErrorIs(t, st.MarkReconnected(ctx, "a1"), ErrAccountLost)
	assert.ErrorIs(t, st.SetLifecycle(ctx, "missing", model.StageActive), ErrNotFound)
}

func TestBeginWarming_CreatedAndDroppedBeforeEnroll(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	seedAccount(t, st, "a2", "+10000000002")

	require.NoError(t, st.BeginWarming(ctx, "a1"))
	a, _ := st.GetAccount(ctx, "a1")
	assert.Equal(t, model.StageWarming, a.LifecycleStage)

	require.NoError(t, st.MarkDisconnected(ctx, "a2"))
	require.NoError(t, st.BeginWarming(ctx, "a2"))
	a, _ = st.GetAccount(ctx, "a2")
	assert.Equal(t, model.StageDisconnected, a.LifecycleStage)
	assert.Equal(t, model.StageWarming, a.ResumeStage)
	require.NoError(t, st.MarkReconnected(ctx, "a2"))
	a, _ = st.GetAccount(ctx, "a2")
	assert.Equal(t, model.StageWarming, a.LifecycleStage)

	require.NoError(t, st.MarkLost(ctx, "a1"))
	assert.ErrorIs(t, st.BeginWarming(ctx, "a1"), ErrAccountLost)
}

func TestWarmup_AdvanceIsCompareAndSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	require.NoError(t, st.CreateWarmupJob(ctx, model.WarmupJob{
		AccountID: "a1", StageDurations: []time.Duration{time.Hour, 2 * time.Hour},
	}))

	require.NoError(t, st.SetWarmupActivityDone(ctx, "a1", 0))
	ok, err := st.AdvanceWarmupStage(ctx, "a1", 0, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.AdvanceWarmupStage(ctx, "a1", 0, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	j, err := st.GetWarmupJob(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.CurrentStage)
	assert.False(t, j.ActivityDone)
	assert.Equal(t, []time.Duration{time.Hour, 2 * time.Hour}, j.StageDurations)

	ok, err = st.CompleteWarmup(ctx, "a1", 1, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	a, _ := st.GetAccount(ctx, "a1")
	assert.Equal(t, model.StageActive, a.LifecycleStage)

	jobs, err := st.ListActiveWarmupJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCampaign_RoundTripAndAssignments(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	c := model.Campaign{ID: "c1", Name: "launch", Template: "hi {{ name }}", ParticipantAccountIDs: []string{"a1", "a2"}}
	targets := []model.CampaignTarget{{UserID: "u1"}, {UserID: "u2", DisplayName: "Bo"}, {UserID: "u1", State: model.TargetSkipped}}
	require.NoError(t, st.CreateCampaign(ctx, c, targets))

	got, ts, err := st.LoadCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPending, got.Status)
	assert.Equal(t, []string{"a1", "a2"}, got.ParticipantAccountIDs)
	assert.Equal(t, []string{"u1", "u2", "u1"}, got.TargetIDs)
	require.Len(t, ts, 3)
	assert.Equal(t, model.TargetSkipped, ts[2].State)

	require.NoError(t, st.SetCampaignStatus(ctx, "c1", model.CampaignRunning, time.Now()))
	got, _, _ = st.LoadCampaign(ctx, "c1")
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, st.RecordAssignment(ctx, model.AssignmentRecord{CampaignID: "c1", TargetUserID: "u1", AccountID: "a1"}))
	assert.ErrorIs(t, st.RecordAssignment(ctx, model.AssignmentRecord{CampaignID: "c1", TargetUserID: "u1", AccountID: "a2"}),
		ErrDuplicateAssignment)

	recs, err := st.FindAssignments(ctx, "a1", "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].CampaignID)

	ts[0].State, ts[0].Attempts = model.TargetSent, 1
	require.NoError(t, st.SetTargetState(ctx, ts[0]))
	n, err := st.DiscardQueuedTargets(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	counts, err := st.TargetCounts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{model.TargetSent: 1, model.TargetDiscarded: 1, model.TargetSkipped: 1}, counts)

	assert.ErrorIs(t, st.SetCampaignStatus(ctx, "nope", model.CampaignPaused, time.Now()), ErrNotFound)
}

func TestCleanup_NeverTouchesAssigned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, st, "a1", "+10000000001")
	low := seedActiveProxy(t, st, "10.0.0.1", 5)
	require.NoError(t, st.BindProxy(ctx, low, "a1", time.Now()))
	seedActiveProxy(t, st, "10.0.0.2", 6)
	seedActiveProxy(t, st, "10.0.0.3", 90)
	seedActiveProxy(t, st, "10.0.0.4", 70)

	purged, err := st.PurgeLowQuality(ctx, 30, 0.7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	trimmed, err := st.TrimLowestScored(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, trimmed)

	items, total, err := st.ListProxies(ctx, ProxyFilter{}, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	hosts := []string{items[0].Host, items[1].Host}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.3"}, hosts)

	deleted, err := st.DeleteProxy(ctx, low)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEventsAfter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, st.InsertEvent(ctx, model.Event{Kind: k}))
	}
	evs, err := st.EventsAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "b", evs[0].Kind)
	assert.Equal(t, model.SeverityInfo, evs[0].Severity)
}

func TestUpdateProxyHealth_PropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec("UPDATE proxies SET score").WillReturnError(errors.New("database is locked"))
	err = st.UpdateProxyHealth(context.Background(), 7, ProxyHealth{Status: model.ProxyActive})
	assert.EqualError(t, err, "database is locked")

	mock.ExpectExec("UPDATE proxies SET score").WillReturnResult(sqlmock.NewResult(0, 0))
	err = st.UpdateProxyHealth(context.Background(), 7, ProxyHealth{Status: model.ProxyActive})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
