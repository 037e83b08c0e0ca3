package campaign

import (
	"context"
	"sync"

	"outreach/internal/model"
)

const (
	stopNone = iota
	stopPause
	stopCancel
)

// run is one executing instance of a campaign. The queue and the assignment
// map are only touched under mu.
type run struct {
	campaign model.Campaign

	mu       sync.Mutex
	queue    []model.CampaignTarget
	assigned map[string]string // target user id -> account id
	inFlight int
	requeued int
	stop     int

	cancel  context.CancelFunc
	workers sync.WaitGroup
	done    chan struct{}
}

func newRun(c model.Campaign, queue []model.CampaignTarget, assigned map[string]string) *run {
	return &run{
		campaign: c,
		queue:    queue,
		assigned: assigned,
		done:     make(chan struct{}),
	}
}

type popResult int

const (
	popped popResult = iota
	// drained: queue empty and nothing in flight, or the run is stopping.
	drained
	// pending: queue empty but another worker may still re-queue its target.
	pending
)

// pop removes the head target.
func (r *run) pop() (model.CampaignTarget, popResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.stop != stopNone:
		return model.CampaignTarget{}, drained
	case len(r.queue) == 0 && r.inFlight == 0:
		return model.CampaignTarget{}, drained
	case len(r.queue) == 0:
		return model.CampaignTarget{}, pending
	}
	t := r.queue[0]
	r.queue = r.queue[1:]
	r.inFlight++
	return t, popped
}

// pushHead returns a target that was popped but not attempted.
func (r *run) pushHead(t model.CampaignTarget) {
	r.mu.Lock()
	r.queue = append([]model.CampaignTarget{t}, r.queue...)
	r.inFlight--
	r.mu.Unlock()
}

// pushTail re-queues a target after a transient failure.
func (r *run) pushTail(t model.CampaignTarget) {
	r.mu.Lock()
	r.queue = append(r.queue, t)
	r.inFlight--
	r.requeued++
	r.mu.Unlock()
}

// claim records accountID as the contact for t. It reports false when the
// target was already contacted in this campaign.
func (r *run) claim(t model.CampaignTarget, accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if _, dup := r.assigned[t.UserID]; dup {
		return false
	}
	r.assigned[t.UserID] = accountID
	return true
}

func (r *run) settle() {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

func (r *run) requestStop(reason int) {
	r.mu.Lock()
	if r.stop == stopNone || reason == stopCancel {
		r.stop = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) snapshot() (queued, inFlight, requeued, stop int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue), r.inFlight, r.requeued, r.stop
}
