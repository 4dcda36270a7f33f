package pool

import (
	"time"

	"github.com/golang-collections/collections/queue"
)

// grant is what a waiting borrower receives: a leased VM, permission to
// provision in a freed slot, or an error.
type grant struct {
	vm   *VirtualMachine
	slot bool
	err  error
}

type waiter struct {
	grant     chan grant
	granted   bool
	cancelled bool
	since     time.Time
}

func (p *Pool) enqueueLocked() *waiter {
	w := &waiter{
		grant: make(chan grant, 1),
		since: p.now(),
	}
	p.waiters.Enqueue(w)
	p.waiting++
	return w
}

// nextWaiterLocked dequeues the longest waiting live borrower, skipping
// cancelled entries. Returns nil if nobody is waiting.
func (p *Pool) nextWaiterLocked() *waiter {
	for p.waiters.Len() > 0 {
		w := p.waiters.Dequeue().(*waiter)
		if w.cancelled {
			p.cancelled--
			continue
		}
		p.waiting--
		return w
	}
	return nil
}

func (p *Pool) grantLocked(w *waiter, g grant) {
	w.granted = true
	w.grant <- g
}

// cancelWaiterLocked withdraws w from the queue. The entry is skipped on
// dequeue; the queue is rebuilt once cancelled entries dominate it.
func (p *Pool) cancelWaiterLocked(w *waiter) {
	w.cancelled = true
	p.waiting--
	p.cancelled++
	if p.cancelled >= compactAfter && p.cancelled*2 > p.waiters.Len() {
		p.compactLocked()
	}
}

func (p *Pool) compactLocked() {
	live := queue.New()
	for p.waiters.Len() > 0 {
		w := p.waiters.Dequeue().(*waiter)
		if !w.cancelled {
			live.Enqueue(w)
		}
	}
	p.waiters = live
	p.cancelled = 0
}
