package proxypool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/storage"
)

// latencySample maps probe latency to 10..100: <=200ms is perfect, >=5s is the floor.
func latencySample(d time.Duration) float64 {
	const best, worst = 200 * time.Millisecond, 5 * time.Second
	switch {
	case d <= best:
		return 100
	case d >= worst:
		return 10
	}
	return 100 - 90*float64(d-best)/float64(worst-best)
}

// RecordHealthResult folds one probe into the proxy's smoothed score and
// decides its status. An assigned proxy is never demoted, only flagged.
func (p *Pool) RecordHealthResult(ctx context.Context, proxyID int64, r HealthResult) (model.Proxy, error) {
	mu := p.stripe(proxyID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := p.store.GetProxy(ctx, proxyID)
	if err != nil {
		return model.Proxy{}, err
	}

	sample, fraud := 0.0, cur.FraudScore
	if r.Success {
		sample = latencySample(r.Latency)
		fraud = r.FraudScore
	}
	a := p.cfg.SmoothingFactor
	score := a*sample + (1-a)*cur.Score
	score = min(max(score, 0), 100)

	healthy := score >= p.cfg.ScoreFloor && fraud <= p.cfg.FraudCeiling
	next := cur
	next.Score, next.FraudScore = score, fraud
	switch {
	case healthy:
		next.Status, next.Flagged = model.ProxyActive, false
	case cur.Assigned():
		next.Flagged = true
	default:
		next.Status, next.Flagged = model.ProxyDisabled, false
	}
	now := p.now()
	if r.Success {
		next.LatencyMs = r.Latency.Milliseconds()
	}
	nextDue := p.nextCheck(now, cur.Assigned(), next.Status)
	next.LastCheckedAt, next.NextCheckAt = &now, &nextDue

	if err := p.store.UpdateProxyHealth(ctx, proxyID, storage.ProxyHealth{
		Score: score, FraudScore: fraud, Status: next.Status, Flagged: next.Flagged,
		LatencyMs: next.LatencyMs, CheckedAt: now, NextCheck: nextDue,
	}); err != nil {
		return model.Proxy{}, err
	}

	if next.Status != cur.Status {
		p.sink.Emit(ctx, model.Event{
			Kind: observe.KindProxyStatus, ProxyID: proxyID, From: cur.Status, To: next.Status,
			Message: fmt.Sprintf("score %.1f fraud %.2f", score, fraud),
		})
	}
	if next.Flagged && !cur.Flagged {
		p.sink.Emit(ctx, model.Event{
			Kind: observe.KindProxyFlagged, Severity: model.SeverityWarn, ProxyID: proxyID,
			AccountID: cur.AssignedAccountID, Message: fmt.Sprintf("assigned proxy degraded: score %.1f fraud %.2f", score, fraud),
		})
	}
	return next, nil
}

// Start launches the health and cleanup loops. Stop ends them.
func (p *Pool) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.wg.Add(2)
	go p.loop(ctx, p.cfg.HealthTick, p.RunHealthTick)
	go p.loop(ctx, p.cfg.CleanupInterval, func(ctx context.Context) {
		if _, err := p.Cleanup(ctx); err != nil {
			p.log.Error().Err(err).Msg("proxy cleanup")
		}
	})
}

func (p *Pool) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	close(p.stop)
	p.running = false
	p.runMu.Unlock()
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer p.wg.Done()
	if every <= 0 {
		every = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			fn(ctx)
		}
	}
}

// RunHealthTick probes up to BatchesPerTick batches of due proxies, assigned first.
func (p *Pool) RunHealthTick(ctx context.Context) {
	for b := 0; b < max(p.cfg.BatchesPerTick, 1); b++ {
		if b > 0 && p.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.BatchDelay):
			}
		}
		due, err := p.store.DueProxies(ctx, p.now(), max(p.cfg.BatchSize, 1))
		if err != nil {
			p.log.Error().Err(err).Msg("load due proxies")
			return
		}
		if len(due) == 0 {
			return
		}
		p.checkBatch(ctx, due)
	}
}

func (p *Pool) checkBatch(ctx context.Context, batch []model.Proxy) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.CheckConcurrency, 1))
	for _, px := range batch {
		g.Go(func() error {
			if px.Status == model.ProxyUntested {
				if err := p.store.SetProxyStatus(gctx, px.ID, model.ProxyTesting); err != nil {
					p.log.Warn().Err(err).Int64("proxy_id", px.ID).Msg("mark testing")
				}
			}
			res := p.checker.Check(gctx, px)
			if gctx.Err() != nil {
				return nil
			}
			if _, err := p.RecordHealthResult(gctx, px.ID, res); err != nil {
				p.log.Warn().Err(err).Int64("proxy_id", px.ID).Msg("record health")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Cleanup shrinks the pool to MaxPoolSize when it has grown past it:
// first low-quality never-assigned entries, then the lowest-scored unassigned ones.
func (p *Pool) Cleanup(ctx context.Context) (int64, error) {
	limit := int64(p.cfg.MaxPoolSize)
	if limit <= 0 {
		return 0, nil
	}
	total, err := p.store.CountProxies(ctx)
	if err != nil || total <= limit {
		return 0, err
	}
	purged, err := p.store.PurgeLowQuality(ctx, p.cfg.ScoreFloor, p.cfg.FraudCeiling)
	if err != nil {
		return 0, err
	}
	removed := purged
	if total-purged > limit {
		trimmed, err := p.store.TrimLowestScored(ctx, total-purged-limit)
		if err != nil {
			return removed, err
		}
		removed += trimmed
	}
	p.sink.Emit(ctx, model.Event{
		Kind:    observe.KindProxyCleanup,
		Message: fmt.Sprintf("removed %d of %d proxies (limit %d)", removed, total, limit),
	})
	return removed, nil
}
