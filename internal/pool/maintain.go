package pool

import "time"

const minMaintenanceInterval = 10 * time.Millisecond

// maintenanceInterval returns how often idle eviction and lease checks run,
// or 0 if neither is configured.
func maintenanceInterval(cfg Config) time.Duration {
	var d time.Duration
	for _, v := range []time.Duration{cfg.IdleTimeout, cfg.LeaseWarning} {
		if v > 0 && (d == 0 || v < d) {
			d = v
		}
	}
	if d == 0 {
		return 0
	}
	return max(d/2, minMaintenanceInterval)
}

func (p *Pool) maintenanceLoop(interval time.Duration) {
	defer p.maintain.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			now := p.now()
			p.EvictIdle(now)
			p.CheckLeases(now)
		}
	}
}

// EvictIdle destroys VMs that have been idle for at least IdleTimeout as of
// now and returns how many were evicted. It is a no-op without IdleTimeout.
func (p *Pool) EvictIdle(now time.Time) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}

	kept := p.idle[:0]
	evicted := 0
	for _, m := range p.idle {
		idleSince := m.returnedAt
		if idleSince.IsZero() {
			idleSince = m.createdAt
		}
		if now.Sub(idleSince) < p.cfg.IdleTimeout {
			kept = append(kept, m)
			continue
		}
		evicted++
		p.retireLocked(m, "idle timeout")
	}
	clear(p.idle[len(kept):])
	p.idle = kept

	if evicted > 0 {
		p.totals.Evicted += uint64(evicted)
		p.metrics.evicted(p.cfg.Name, evicted)
		p.publishLocked()
		p.log.V(1).Info("evicted idle virtual machines", "count", evicted)
	}
	return evicted
}

// CheckLeases logs every lease held longer than LeaseWarning as of now, once
// per lease, and returns the ids of those leases. Leases are never reclaimed:
// a borrower may still be using the VM.
func (p *Pool) CheckLeases(now time.Time) []string {
	if p.cfg.LeaseWarning <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var overdue []string
	for _, m := range p.machines {
		if m.state != StateInUse || m.retiring {
			continue
		}
		held := now.Sub(m.borrowedAt)
		if held < p.cfg.LeaseWarning {
			continue
		}
		overdue = append(overdue, m.id)
		if m.warnedGen != m.generation {
			m.warnedGen = m.generation
			p.log.Info("virtual machine lease exceeds warning threshold", "vm", m.id, "held", held, "threshold", p.cfg.LeaseWarning)
		}
	}
	return overdue
}
