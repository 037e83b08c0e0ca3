package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/campaign"
	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/proxypool"
	"outreach/internal/reply"
	"outreach/internal/storage"
	"outreach/internal/supervisor"
	"outreach/internal/warmup"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	paired   bool
	alive    bool
	connects int
	failures int
}

func (c *fakeConn) AccountID() string { return c.id }

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.failures > 0 {
		c.failures--
		c.alive = false
		return errors.New("login timed out")
	}
	c.alive = c.paired
	return nil
}

func (c *fakeConn) IsAlive(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

func (c *fakeConn) Paired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paired
}

func (c *fakeConn) StartPairing(context.Context) ([]byte, string, error) {
	return []byte("\x89PNG"), "2@code", nil
}

type fakeTransport struct {
	mu       sync.Mutex
	conns    map[string]*fakeConn
	unpaired bool
	failures int
	proxies  map[string]int64
}

func (t *fakeTransport) Open(_ context.Context, acc model.Account, px model.Proxy) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[acc.ID]; ok {
		return c, nil
	}
	c := &fakeConn{id: acc.ID, paired: !t.unpaired || acc.SessionCredential != "", failures: t.failures}
	t.conns[acc.ID] = c
	t.proxies[acc.ID] = px.ID
	return c, nil
}

func (t *fakeTransport) Session(id string) (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (t *fakeTransport) Close(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

type nopPerformer struct{}

func (nopPerformer) PerformWarmupActivity(context.Context, model.Account, warmup.Stage) error {
	return nil
}

type echoGenerator struct{}

func (echoGenerator) GenerateReply(_ context.Context, c reply.Context) (string, error) {
	return "re: " + c.Body, nil
}

type nopMessenger struct{}

func (nopMessenger) SendText(context.Context, string, string, string) error { return nil }
func (nopMessenger) IsConnected(string) bool                                { return true }

func newEngine(t *testing.T, opts ...func(*config.Config)) (*Engine, *fakeTransport) {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	for _, o := range opts {
		o(cfg)
	}
	capture := &observe.Capture{}
	log := zerolog.Nop()
	pool := proxypool.New(st, cfg.Proxy, proxypool.CheckerFunc(func(context.Context, model.Proxy) proxypool.HealthResult {
		return proxypool.HealthResult{}
	}), capture, log)
	sup := supervisor.New(st, pool, capture, cfg.Supervisor, log)
	warm, err := warmup.New(st, nopPerformer{}, sup, cfg.Warmup, capture, log)
	require.NoError(t, err)
	router, err := reply.New(st, echoGenerator{}, nopMessenger{}, capture, log)
	require.NoError(t, err)

	tr := &fakeTransport{conns: map[string]*fakeConn{}, proxies: map[string]int64{}}
	e := &Engine{
		Store:      st,
		Transport:  tr,
		Pool:       pool,
		Supervisor: sup,
		Warmup:     warm,
		Campaigns:  campaign.New(st, nopMessenger{}, nil, cfg.Campaign, capture, log),
		Replies:    router,
		Sink:       capture,
		Log:        log,
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e, tr
}

func addProxy(t *testing.T, st *storage.Store, host string) int64 {
	t.Helper()
	ctx := context.Background()
	id, _, err := st.InsertProxy(ctx, model.Proxy{Host: host, Port: 1080})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, st.UpdateProxyHealth(ctx, id, storage.ProxyHealth{
		Score: 80, Status: model.ProxyActive, CheckedAt: now, NextCheck: now.Add(time.Hour),
	}))
	return id
}

func TestOnboard_BindsProxyTracksAndEnrolls(t *testing.T) {
	e, tr := newEngine(t)
	ctx := context.Background()
	pid := addProxy(t, e.Store, "10.1.0.1")

	acc, err := e.Onboard(ctx, OnboardRequest{Label: "sales-1", Phone: "+628111", SessionCredential: "628111.0:1@s.whatsapp.net", NonRenewable: true})
	require.NoError(t, err)
	assert.Equal(t, pid, acc.AssignedProxyID)
	assert.Equal(t, model.StageWarming, acc.LifecycleStage)
	assert.Equal(t, pid, tr.proxies[acc.ID])

	st, ok := e.Supervisor.GetStatus(acc.ID)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateConnected, st.State)
	assert.True(t, st.NonRenewable)

	p, err := e.Warmup.GetProgress(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stage)
}

func TestOnboard_PoolExhaustedKeepsAccountCreated(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	acc, err := e.Onboard(ctx, OnboardRequest{Phone: "+628222"})
	assert.ErrorIs(t, err, proxypool.ErrPoolExhausted)
	require.NotEmpty(t, acc.ID)

	got, err := e.Store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCreated, got.LifecycleStage)
	_, tracked := e.Supervisor.GetStatus(acc.ID)
	assert.False(t, tracked)

	_, err = e.Onboard(ctx, OnboardRequest{Phone: " "})
	assert.ErrorIs(t, err, ErrPhoneRequired)
}

func TestOnPaired_StartsSupervision(t *testing.T) {
	e, tr := newEngine(t)
	tr.unpaired = true
	ctx := context.Background()
	addProxy(t, e.Store, "10.1.0.2")

	acc, err := e.Onboard(ctx, OnboardRequest{Phone: "+628333"})
	require.NoError(t, err)
	assert.Equal(t, model.StageCreated, acc.LifecycleStage)
	_, tracked := e.Supervisor.GetStatus(acc.ID)
	assert.False(t, tracked)

	png, err := e.Pair(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, png)

	tr.conns[acc.ID].mu.Lock()
	tr.conns[acc.ID].paired = true
	tr.conns[acc.ID].mu.Unlock()
	e.OnPaired(acc.ID)

	st, ok := e.Supervisor.GetStatus(acc.ID)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateConnected, st.State)
	got, _ := e.Store.GetAccount(ctx, acc.ID)
	assert.Equal(t, model.StageWarming, got.LifecycleStage)
}

func TestBoot_RestoresAccounts(t *testing.T) {
	e, tr := newEngine(t)
	ctx := context.Background()
	pid := addProxy(t, e.Store, "10.1.0.3")
	require.NoError(t, e.Store.CreateAccount(ctx, model.Account{ID: "old", Phone: "+628444", LifecycleStage: model.StageActive, SessionCredential: "628444.0:1@s.whatsapp.net"}))
	require.NoError(t, e.Store.MarkDisconnected(ctx, "old"))
	require.NoError(t, e.Store.CreateAccount(ctx, model.Account{ID: "gone", Phone: "+628555", LifecycleStage: model.StageLost}))

	require.NoError(t, e.Boot(ctx))

	assert.Equal(t, pid, tr.proxies["old"])
	_, opened := tr.conns["gone"]
	assert.False(t, opened)
	st, ok := e.Supervisor.GetStatus("old")
	require.True(t, ok)
	assert.Equal(t, supervisor.StateConnected, st.State)

	acc, err := e.Store.GetAccount(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.StageActive, acc.LifecycleStage)
}

func TestPair_LostAccountRefused(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Store.CreateAccount(ctx, model.Account{ID: "x", Phone: "+628666", LifecycleStage: model.StageLost}))
	_, err := e.Pair(ctx, "x")
	assert.ErrorIs(t, err, storage.ErrAccountLost)
}

func TestOnboard_FirstConnectFailsStillWarms(t *testing.T) {
	e, tr := newEngine(t, func(c *config.Config) {
		c.Supervisor.Backoff = []time.Duration{10 * time.Millisecond}
	})
	tr.failures = 1
	ctx := context.Background()
	addProxy(t, e.Store, "10.1.0.9")

	acc, err := e.Onboard(ctx, OnboardRequest{Phone: "+628777", SessionCredential: "628777.0:1@s.whatsapp.net"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := e.Supervisor.GetStatus(acc.ID)
		return ok && st.State == supervisor.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	got, err := e.Store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageWarming, got.LifecycleStage)
	_, err = e.Store.GetWarmupJob(ctx, acc.ID)
	assert.NoError(t, err)
}
