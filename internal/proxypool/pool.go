// Package proxypool owns the proxy inventory: exclusive account binding,
// background health scoring and size-bounded cleanup.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/observe"
	"outreach/internal/storage"
)

var (
	ErrPoolExhausted = errors.New("proxypool: no active unassigned proxy available")
	ErrProxyAssigned = errors.New("proxypool: proxy is assigned to an account")
)

const (
	lockStripes = 64
	maxPageSize = 500
)

// Filter narrows ListPage.
type Filter = storage.ProxyFilter

// Page is one slice of the inventory.
type Page struct {
	Items    []model.Proxy `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Invalid    []string `json:"invalid,omitempty"`
}

type Pool struct {
	store   *storage.Store
	cfg     config.ProxyConfig
	checker Checker
	sink    observe.Sink
	log     zerolog.Logger
	now     func() time.Time

	locks [lockStripes]sync.Mutex

	assignMu sync.Mutex
	cursor   int64

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(store *storage.Store, cfg config.ProxyConfig, checker Checker, sink observe.Sink, log zerolog.Logger) *Pool {
	if sink == nil {
		sink = observe.Nop{}
	}
	if checker == nil {
		checker = HTTPChecker{ProbeURL: cfg.ProbeURL, Timeout: cfg.ProbeTimeout}
	}
	return &Pool{
		store:   store,
		cfg:     cfg,
		checker: checker,
		sink:    sink,
		log:     log,
		now:     time.Now,
	}
}

func (p *Pool) stripe(id int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(id, 10)))
	return &p.locks[h.Sum32()%lockStripes]
}

// Assign binds an active, unassigned proxy to accountID, walking the pool
// round-robin from the last assigned id. Calling it again for the same
// account returns the proxy it already holds.
func (p *Pool) Assign(ctx context.Context, accountID string) (model.Proxy, error) {
	acc, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return model.Proxy{}, err
	}
	if acc.LifecycleStage == model.StageLost {
		return model.Proxy{}, storage.ErrAccountLost
	}

	p.assignMu.Lock()
	defer p.assignMu.Unlock()

	if held, err := p.store.ProxyForAccount(ctx, accountID); err == nil {
		return held, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Proxy{}, err
	}

	cursor, wrapped := p.cursor, false
	for {
		cand, err := p.store.NextAssignable(ctx, cursor)
		if errors.Is(err, storage.ErrNotFound) {
			if wrapped || cursor == 0 {
				return model.Proxy{}, ErrPoolExhausted
			}
			cursor, wrapped = 0, true
			continue
		}
		if err != nil {
			return model.Proxy{}, err
		}

		mu := p.stripe(cand.ID)
		mu.Lock()
		err = p.store.BindProxy(ctx, cand.ID, accountID, p.now().Add(p.cfg.AssignedInterval))
		mu.Unlock()
		switch {
		case errors.Is(err, storage.ErrProxyTaken):
			cursor = cand.ID
			continue
		case err != nil:
			return model.Proxy{}, err
		}

		p.cursor = cand.ID
		cand.AssignedAccountID = accountID
		cand.EverAssigned = true
		p.sink.Emit(ctx, model.Event{
			Kind: observe.KindProxyAssigned, AccountID: accountID, ProxyID: cand.ID,
			Message: fmt.Sprintf("assigned %s (score %.1f)", cand.Addr(), cand.Score),
		})
		return cand, nil
	}
}

// Release frees the proxy held by accountID. Only called on permanent loss.
func (p *Pool) Release(ctx context.Context, accountID string) error {
	held, err := p.store.ProxyForAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mu := p.stripe(held.ID)
	mu.Lock()
	id, err := p.store.UnbindProxy(ctx, accountID)
	mu.Unlock()
	if err != nil {
		return err
	}
	if id != 0 {
		p.sink.Emit(ctx, model.Event{Kind: observe.KindProxyReleased, AccountID: accountID, ProxyID: id})
	}
	return nil
}

// ProxyFor returns the proxy currently bound to accountID.
func (p *Pool) ProxyFor(ctx context.Context, accountID string) (model.Proxy, error) {
	return p.store.ProxyForAccount(ctx, accountID)
}

// ListPage returns page (1-based) of the inventory. pageSize is capped at 500.
func (p *Pool) ListPage(ctx context.Context, page, pageSize int, f Filter) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	items, total, err := p.store.ListProxies(ctx, f, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []model.Proxy{}
	}
	return Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Add inserts one proxy; it is probed on the next health tick.
func (p *Pool) Add(ctx context.Context, px model.Proxy) (model.Proxy, bool, error) {
	id, inserted, err := p.store.InsertProxy(ctx, px)
	if err != nil || !inserted {
		return model.Proxy{}, inserted, err
	}
	out, err := p.store.GetProxy(ctx, id)
	return out, true, err
}

// Import parses and inserts proxy lines, ignoring duplicates.
func (p *Pool) Import(ctx context.Context, lines []string) (ImportResult, error) {
	parsed, invalid := ParseLines(lines)
	res := ImportResult{Invalid: invalid}
	for _, px := range parsed {
		_, inserted, err := p.store.InsertProxy(ctx, px)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Added++
		} else {
			res.Duplicates++
		}
	}
	p.log.Info().Int("added", res.Added).Int("duplicates", res.Duplicates).Int("invalid", len(invalid)).Msg("proxy import")
	return res, nil
}

// Remove deletes a proxy that no account holds.
func (p *Pool) Remove(ctx context.Context, id int64) error {
	mu := p.stripe(id)
	mu.Lock()
	defer mu.Unlock()
	deleted, err := p.store.DeleteProxy(ctx, id)
	if err != nil {
		return err
	}
	if deleted {
		return nil
	}
	if _, err := p.store.GetProxy(ctx, id); err != nil {
		return err
	}
	return ErrProxyAssigned
}

// nextCheck picks the health tier deadline for a proxy.
func (p *Pool) nextCheck(now time.Time, assigned bool, status string) time.Time {
	switch {
	case assigned:
		return now.Add(p.cfg.AssignedInterval)
	case status == model.ProxyActive:
		return now.Add(p.cfg.ActiveInterval)
	}
	lo, hi := p.cfg.OtherIntervalMin, p.cfg.OtherIntervalMax
	if hi <= lo {
		return now.Add(lo)
	}
	return now.Add(lo + rand.N(hi-lo))
}
