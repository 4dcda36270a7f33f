package pool

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// machine is the pool-owned record of one sandbox.
// All fields except id and handle are guarded by Pool.mu.
type machine struct {
	id     string
	handle Handle

	state      State
	generation uint64
	retiring   bool
	warnedGen  uint64

	createdAt  time.Time
	borrowedAt time.Time
	returnedAt time.Time
}

// VirtualMachine is a borrower's lease on a pooled sandbox.
//
// Every Borrow returns a new lease. Once the lease is given back or marked
// broken it is dead: Execute, GiveBack and MarkBroken through it fail with
// ErrInvalidHandle, even if the same sandbox has since been lent to someone else.
type VirtualMachine struct {
	pool       *Pool
	m          *machine
	generation uint64
}

// ID returns the sandbox's unique instance id.
func (vm *VirtualMachine) ID() string {
	if vm == nil || vm.m == nil {
		return ""
	}
	return vm.m.id
}

// Pool returns the pool the sandbox belongs to.
func (vm *VirtualMachine) Pool() *Pool {
	return vm.pool
}

// State returns the current state of the underlying sandbox.
func (vm *VirtualMachine) State() State {
	vm.pool.mu.Lock()
	defer vm.pool.mu.Unlock()
	return vm.m.state
}

// Valid reports whether this lease is still the current one.
func (vm *VirtualMachine) Valid() bool {
	if vm == nil || vm.pool == nil {
		return false
	}
	vm.pool.mu.Lock()
	defer vm.pool.mu.Unlock()
	return vm.pool.checkLeaseLocked(vm) == nil
}

// CreatedAt returns when the sandbox was provisioned.
func (vm *VirtualMachine) CreatedAt() time.Time {
	return vm.m.createdAt
}

// BorrowedAt returns when this lease started.
func (vm *VirtualMachine) BorrowedAt() time.Time {
	vm.pool.mu.Lock()
	defer vm.pool.mu.Unlock()
	return vm.m.borrowedAt
}

// LastReturnedAt returns when the sandbox was last given back (zero if never).
func (vm *VirtualMachine) LastReturnedAt() time.Time {
	vm.pool.mu.Lock()
	defer vm.pool.mu.Unlock()
	return vm.m.returnedAt
}

// Execute runs cmd inside the sandbox.
//
// The image environment is merged under cmd.Env. If the guest cannot be
// reached the error wraps ErrExecution and the caller should MarkBroken
// instead of GiveBack. A command that exits non-zero is not an error.
func (vm *VirtualMachine) Execute(ctx context.Context, cmd Command) (Result, error) {
	if vm == nil || vm.pool == nil {
		return Result{}, fmt.Errorf("%w: nil virtual machine", ErrInvalidHandle)
	}
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}

	p := vm.pool
	p.mu.Lock()
	err := p.checkLeaseLocked(vm)
	p.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	if len(p.cfg.Image.Env) > 0 {
		env := maps.Clone(p.cfg.Image.Env)
		maps.Copy(env, cmd.Env)
		cmd.Env = env
	}

	p.log.V(1).Info("executing command", "vm", vm.m.id, "command", cmd.String())
	start := time.Now()
	res, err := p.driver.Execute(ctx, vm.m.handle, cmd)
	if err != nil {
		return res, fmt.Errorf("%w: virtual machine %s: %w", ErrExecution, vm.m.id, err)
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}
