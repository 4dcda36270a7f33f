// Package pool provides a bounded, concurrency-safe pool of virtual machine
// sandboxes.
//
// Capacity is accounted in slots: every VM that is provisioning, idle, in use
// or broken-but-not-yet-destroyed holds one slot. Borrowers that find no idle
// VM and no free slot wait in a FIFO queue and are handed the next VM given
// back, or the next slot freed by a destroyed VM.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
)

const (
	// destroyTimeout bounds background destruction of broken, evicted and
	// late-returned VMs.
	destroyTimeout = 2 * time.Minute

	// compactAfter is the number of cancelled waiters tolerated in the queue
	// before it is rebuilt.
	compactAfter = 64
)

// Config holds the immutable settings of one pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of VMs the pool owns at any time.
	Capacity int

	// Image is what every VM is provisioned from.
	Image Image

	// BorrowTimeout bounds how long Borrow waits (0 = only the caller's context).
	BorrowTimeout time.Duration

	// IdleTimeout evicts VMs idle for longer than this (0 = never).
	IdleTimeout time.Duration

	// LeaseWarning logs a warning for leases held longer than this (0 = off).
	// Leases are never reclaimed.
	LeaseWarning time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("pool %q: capacity must be at least 1, got %d", c.Name, c.Capacity)
	}
	if c.BorrowTimeout < 0 || c.IdleTimeout < 0 || c.LeaseWarning < 0 {
		return fmt.Errorf("pool %q: durations must not be negative", c.Name)
	}
	return nil
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log logr.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMetrics makes the pool publish to m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock replaces time.Now for timestamps and idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool lends VirtualMachines to borrowers.
type Pool struct {
	cfg     Config
	driver  Driver
	log     logr.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	closed    bool
	slots     int
	machines  map[string]*machine
	idle      []*machine // most recently returned last
	waiters   *queue.Queue
	waiting   int // live waiters in the queue
	cancelled int // cancelled waiters still in the queue
	totals    Totals
	done      chan struct{}
	drained   bool

	stop     chan struct{}
	maintain sync.WaitGroup
}

// New creates a pool. No VM is provisioned until the first Borrow or Prewarm.
func New(cfg Config, driver Driver, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, fmt.Errorf("pool %q: driver is required", cfg.Name)
	}

	p := &Pool{
		cfg:      cfg,
		driver:   driver,
		log:      logr.Discard(),
		now:      time.Now,
		machines: make(map[string]*machine),
		waiters:  queue.New(),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithValues("pool", cfg.Name)

	if interval := maintenanceInterval(cfg); interval > 0 {
		p.maintain.Add(1)
		go p.maintenanceLoop(interval)
	}

	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Done is closed once the pool has been shut down and every slot released.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Borrow leases a VM.
//
// An idle VM is preferred. Otherwise a new VM is provisioned if capacity
// allows, or the caller waits in FIFO order until a VM is given back, a slot
// frees up, the pool shuts down or ctx ends.
//
// BorrowTimeout bounds only the time spent queued. Provisioning runs under
// ctx alone, so a VM may take longer to boot than BorrowTimeout.
func (p *Pool) Borrow(ctx context.Context) (*VirtualMachine, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.borrowFailed(ErrPoolClosed, start)
	}
	if ctx.Err() != nil {
		p.mu.Unlock()
		return nil, p.borrowFailed(waitError(ctx), start)
	}
	if m := p.popIdleLocked(); m != nil {
		vm := p.lendLocked(m)
		p.publishLocked()
		p.mu.Unlock()
		return p.borrowed(vm, start), nil
	}
	if p.slots < p.cfg.Capacity {
		p.slots++
		p.mu.Unlock()
		vm, err := p.provision(ctx, true)
		if err != nil {
			return nil, p.borrowFailed(err, start)
		}
		return p.borrowed(vm, start), nil
	}
	w := p.enqueueLocked()
	p.publishLocked()
	p.mu.Unlock()

	p.log.V(1).Info("waiting for a virtual machine", "capacity", p.cfg.Capacity)

	wait := ctx
	if p.cfg.BorrowTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, p.cfg.BorrowTimeout)
		defer cancel()
	}

	select {
	case g := <-w.grant:
		vm, err := p.accept(ctx, g)
		if err != nil {
			return nil, p.borrowFailed(err, start)
		}
		return p.borrowed(vm, start), nil
	case <-wait.Done():
	}

	p.mu.Lock()
	if w.granted {
		// A grant raced with cancellation; pass it on as if never received.
		p.mu.Unlock()
		p.pass(<-w.grant)
		return nil, p.borrowFailed(waitError(wait), start)
	}
	p.cancelWaiterLocked(w)
	p.publishLocked()
	p.mu.Unlock()
	return nil, p.borrowFailed(waitError(wait), start)
}

// GiveBack returns a lease to the pool. The VM goes to the longest waiting
// borrower, or becomes idle. After Shutdown the VM is destroyed instead.
//
// Giving back a lease that is not current, or that belongs to another pool,
// fails with ErrInvalidHandle.
func (p *Pool) GiveBack(vm *VirtualMachine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLeaseLocked(vm); err != nil {
		p.log.Error(err, "rejected give back")
		return err
	}

	m := vm.m
	m.returnedAt = p.now()
	p.totals.Returned++
	if p.closed {
		p.retireLocked(m, "returned after shutdown")
	} else {
		p.recycleLocked(m)
	}
	p.publishLocked()
	return nil
}

// MarkBroken takes a lease's VM out of service. The VM is destroyed in the
// background and its slot is released once destruction finishes.
func (p *Pool) MarkBroken(vm *VirtualMachine) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLeaseLocked(vm); err != nil {
		p.log.Error(err, "rejected mark broken")
		return err
	}

	m := vm.m
	m.state = StateBroken
	m.returnedAt = p.now()
	p.totals.Broken++
	p.log.Info("virtual machine marked broken", "vm", m.id)
	p.retireLocked(m, "broken")
	p.publishLocked()
	return nil
}

// Prewarm provisions VMs until n are idle or capacity is reached.
func (p *Pool) Prewarm(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.idle) >= n || p.slots >= p.cfg.Capacity {
			p.mu.Unlock()
			return nil
		}
		p.slots++
		p.mu.Unlock()

		if _, err := p.provision(ctx, false); err != nil {
			return err
		}
	}
}

// Shutdown closes the pool. Waiters fail with ErrPoolClosed, idle VMs are
// destroyed before Shutdown returns, and VMs still in use are destroyed when
// they are given back. Calling Shutdown more than once is a no-op.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)

	for w := p.nextWaiterLocked(); w != nil; w = p.nextWaiterLocked() {
		p.grantLocked(w, grant{err: ErrPoolClosed})
	}
	idle := p.idle
	p.idle = nil
	for _, m := range idle {
		m.retiring = true
	}
	inUse := 0
	for _, m := range p.machines {
		if m.state == StateInUse {
			inUse++
		}
	}
	p.checkDrainedLocked()
	p.publishLocked()
	p.mu.Unlock()

	p.maintain.Wait()
	p.log.Info("shutting down", "idle", len(idle), "inUse", inUse)

	errs := make([]error, len(idle))
	var wg sync.WaitGroup
	for i, m := range idle {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.destroy(ctx, m)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Name:     p.cfg.Name,
		Capacity: p.cfg.Capacity,
		Slots:    p.slots,
		Waiting:  p.waiting,
		Closed:   p.closed,
		Totals:   p.totals,
	}
	for _, m := range p.machines {
		switch {
		case m.state == StateBroken:
			s.Broken++
		case m.retiring:
			s.Retiring++
		case m.state == StateProvisioning:
			s.Provisioning++
		case m.state == StateIdle:
			s.Idle++
		case m.state == StateInUse:
			s.InUse++
		}
	}
	return s
}

// provision creates a VM in a slot the caller already reserved. With lend
// set the VM is leased to the caller, otherwise it is made available to
// waiters or the idle set.
func (p *Pool) provision(ctx context.Context, lend bool) (*VirtualMachine, error) {
	m := &machine{
		id:        uuid.NewString(),
		state:     StateProvisioning,
		createdAt: p.now(),
	}

	p.mu.Lock()
	p.machines[m.id] = m
	p.publishLocked()
	p.mu.Unlock()

	p.log.V(1).Info("provisioning virtual machine", "vm", m.id, "image", p.cfg.Image.Name)
	handle, err := p.driver.Provision(ctx, p.cfg.Image)
	p.metrics.provisioned(p.cfg.Name, err)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		delete(p.machines, m.id)
		m.state = StateDestroyed
		p.releaseSlotLocked()
		p.publishLocked()
		p.log.Error(err, "provisioning failed", "vm", m.id)
		if lend && ctx.Err() != nil {
			return nil, waitError(ctx)
		}
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	m.handle = handle
	m.state = StateIdle
	p.totals.Provisioned++

	if p.closed {
		p.retireLocked(m, "provisioned after shutdown")
		p.publishLocked()
		return nil, ErrPoolClosed
	}

	var vm *VirtualMachine
	if lend {
		vm = p.lendLocked(m)
	} else {
		p.recycleLocked(m)
	}
	p.publishLocked()
	return vm, nil
}

// accept turns a grant received while waiting into a lease.
func (p *Pool) accept(ctx context.Context, g grant) (*VirtualMachine, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.vm != nil:
		return g.vm, nil
	case g.slot:
		return p.provision(ctx, true)
	default:
		return nil, fmt.Errorf("%w: empty grant", ErrInconsistentState)
	}
}

// pass hands an unwanted grant to the next waiter.
func (p *Pool) pass(g grant) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case g.vm != nil:
		if p.closed {
			p.retireLocked(g.vm.m, "returned after shutdown")
		} else {
			p.recycleLocked(g.vm.m)
		}
	case g.slot:
		p.releaseSlotLocked()
	}
	p.publishLocked()
}

// destroy tears down a retiring VM and releases its slot.
func (p *Pool) destroy(ctx context.Context, m *machine) error {
	err := p.driver.Destroy(ctx, m.handle)
	p.metrics.destroyed(p.cfg.Name, err)
	if err != nil {
		p.log.Error(err, "destroy failed", "vm", m.id)
		err = fmt.Errorf("destroy virtual machine %s: %w", m.id, err)
	} else {
		p.log.V(1).Info("virtual machine destroyed", "vm", m.id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m.state = StateDestroyed
	m.generation++
	delete(p.machines, m.id)
	p.totals.Destroyed++
	p.releaseSlotLocked()
	p.publishLocked()
	return err
}

// retireLocked schedules background destruction of m. The slot stays held
// until destruction completes.
func (p *Pool) retireLocked(m *machine, reason string) {
	m.retiring = true
	m.generation++
	p.log.V(1).Info("retiring virtual machine", "vm", m.id, "reason", reason)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		_ = p.destroy(ctx, m)
	}()
}

// recycleLocked makes a healthy VM available: to the head waiter if there
// is one, otherwise to the idle set.
func (p *Pool) recycleLocked(m *machine) {
	if w := p.nextWaiterLocked(); w != nil {
		p.grantLocked(w, grant{vm: p.lendLocked(m)})
		return
	}
	m.state = StateIdle
	p.idle = append(p.idle, m)
}

// releaseSlotLocked frees one slot, handing it to the head waiter if any.
func (p *Pool) releaseSlotLocked() {
	if !p.closed {
		if w := p.nextWaiterLocked(); w != nil {
			p.grantLocked(w, grant{slot: true})
			return
		}
	}
	p.slots--
	if p.slots < 0 {
		p.log.Error(ErrInconsistentState, "slot count went negative", "slots", p.slots)
		p.slots = 0
	}
	p.checkDrainedLocked()
}

func (p *Pool) lendLocked(m *machine) *VirtualMachine {
	m.generation++
	m.state = StateInUse
	m.borrowedAt = p.now()
	return &VirtualMachine{pool: p, m: m, generation: m.generation}
}

func (p *Pool) popIdleLocked() *machine {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	m := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return m
}

// checkLeaseLocked verifies vm is the current lease of a machine this pool owns.
func (p *Pool) checkLeaseLocked(vm *VirtualMachine) error {
	if vm == nil || vm.m == nil {
		return fmt.Errorf("%w: nil virtual machine", ErrInvalidHandle)
	}
	if vm.pool != p {
		return fmt.Errorf("%w: virtual machine %s is not owned by pool %q", ErrInvalidHandle, vm.m.id, p.cfg.Name)
	}
	owned, ok := p.machines[vm.m.id]
	if !ok {
		return fmt.Errorf("%w: virtual machine %s is no longer owned by pool %q", ErrInvalidHandle, vm.m.id, p.cfg.Name)
	}
	if owned != vm.m {
		return fmt.Errorf("%w: duplicate virtual machine id %s", ErrInconsistentState, vm.m.id)
	}
	if vm.m.state != StateInUse || vm.m.retiring || vm.generation != vm.m.generation {
		return fmt.Errorf("%w: lease on virtual machine %s is no longer valid (state %s)", ErrInvalidHandle, vm.m.id, vm.m.state)
	}
	return nil
}

func (p *Pool) checkDrainedLocked() {
	if !p.closed || p.drained || p.slots > 0 {
		return
	}
	p.drained = true
	close(p.done)
	p.metrics.forget(p.cfg.Name)
}

func (p *Pool) publishLocked() {
	if p.metrics == nil || p.drained {
		return
	}
	counts := make(map[string]int, len(states)+1)
	for _, m := range p.machines {
		if m.retiring && m.state != StateBroken {
			counts[retiringLabel]++
			continue
		}
		counts[m.state.String()]++
	}
	p.metrics.publish(p.cfg.Name, counts, p.waiting)
}

func (p *Pool) borrowed(vm *VirtualMachine, start time.Time) *VirtualMachine {
	p.mu.Lock()
	p.totals.Borrowed++
	p.mu.Unlock()
	p.metrics.borrowed(p.cfg.Name, "ok", time.Since(start))
	p.log.V(1).Info("virtual machine borrowed", "vm", vm.m.id, "waited", time.Since(start))
	return vm
}

func (p *Pool) borrowFailed(err error, start time.Time) error {
	result := "error"
	switch {
	case errors.Is(err, ErrBorrowTimeout):
		result = "timeout"
	case errors.Is(err, ErrBorrowCancelled):
		result = "cancelled"
	case errors.Is(err, ErrPoolClosed):
		result = "closed"
	}
	p.metrics.borrowed(p.cfg.Name, result, time.Since(start))
	return err
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name     string `json:"name" yaml:"name"`
	Capacity int    `json:"capacity" yaml:"capacity"`
	Slots    int    `json:"slots" yaml:"slots"`

	Provisioning int `json:"provisioning" yaml:"provisioning"`
	Idle         int `json:"idle" yaml:"idle"`
	InUse        int `json:"in_use" yaml:"in_use"`
	Broken       int `json:"broken" yaml:"broken"`
	Retiring     int `json:"retiring" yaml:"retiring"`

	Waiting int  `json:"waiting" yaml:"waiting"`
	Closed  bool `json:"closed" yaml:"closed"`

	Totals Totals `json:"totals" yaml:"totals"`
}

// Totals are lifetime counters of a pool.
type Totals struct {
	Provisioned uint64 `json:"provisioned" yaml:"provisioned"`
	Borrowed    uint64 `json:"borrowed" yaml:"borrowed"`
	Returned    uint64 `json:"returned" yaml:"returned"`
	Broken      uint64 `json:"broken" yaml:"broken"`
	Evicted     uint64 `json:"evicted" yaml:"evicted"`
	Destroyed   uint64 `json:"destroyed" yaml:"destroyed"`
}
