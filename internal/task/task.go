// Package task runs one command in a VM borrowed from a resource's pool.
//
// Run owns the lease for its whole duration: whatever happens while the
// command runs (failure, cancellation or a panic in the driver) the VM is
// either given back or marked broken before Run returns.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/resource"
	"github.com/javanstorm/vmsandbox/internal/timing"
)

// releaseTimeout bounds Binding.Close of an exclusive pool.
const releaseTimeout = 2 * time.Minute

// Task is a unit of work: one command on one resource.
type Task struct {
	Name     string
	Resource config.Resource
	Command  pool.Command
}

// Resolver turns a resource declaration into a pool binding.
// *resource.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, res config.Resource) (*resource.Binding, error)
}

// Report describes a finished task.
type Report struct {
	Task     string         `json:"task" yaml:"task"`
	Resource string         `json:"resource" yaml:"resource"`
	VMID     string         `json:"vm_id,omitempty" yaml:"vm_id,omitempty"`
	Result   pool.Result    `json:"-" yaml:"-"`
	Broken   bool           `json:"broken" yaml:"broken"`
	Timings  []timing.Phase `json:"timings" yaml:"timings"`
}

// Run resolves t.Resource, borrows a VM, executes t.Command and releases
// the VM.
//
// A command exiting non-zero is reported through Report.Result, not as an
// error. The VM is marked broken when the guest could not be reached, when
// ctx ended during execution, or when execution panicked (the panic is
// re-raised after the VM is released). Otherwise it is given back.
//
// The returned error joins the resolve, borrow or execution error with any
// error from releasing the VM. The Report is never nil.
func Run(ctx context.Context, r Resolver, t Task) (*Report, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("task", t.Name, "resource", t.Resource.Name)
	timer := timing.New()
	rep := &Report{Task: t.Name, Resource: t.Resource.Name}
	defer func() { rep.Timings = timer.Phases() }()

	binding, err := r.Resolve(ctx, t.Resource)
	timer.Mark(timing.PhaseResolve)
	if err != nil {
		return rep, fmt.Errorf("task %q: resolve: %w", t.Name, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := binding.Close(closeCtx); err != nil {
			log.Error(err, "closing exclusive pool")
		}
	}()

	vm, err := binding.Pool.Borrow(ctx)
	timer.Mark(timing.PhaseBorrow)
	if err != nil {
		return rep, fmt.Errorf("task %q: borrow: %w", t.Name, err)
	}
	rep.VMID = vm.ID()
	log = log.WithValues("vm", vm.ID())

	res, execErr := execute(ctx, log, vm, t.Command, timer, rep)
	rep.Result = res

	rep.Broken = errors.Is(execErr, pool.ErrExecution) || (execErr != nil && ctx.Err() != nil)
	releaseErr := release(log, vm, rep.Broken)
	timer.Mark(timing.PhaseRelease)

	if execErr != nil {
		execErr = fmt.Errorf("task %q: %w", t.Name, execErr)
	}
	return rep, errors.Join(execErr, releaseErr)
}

// execute runs cmd on vm. If the driver panics the VM is marked broken
// and the panic continues up the stack.
func execute(ctx context.Context, log logr.Logger, vm *pool.VirtualMachine, cmd pool.Command, timer *timing.Timer, rep *Report) (pool.Result, error) {
	defer func() {
		if p := recover(); p != nil {
			timer.Mark(timing.PhaseExecute)
			rep.Broken = true
			log.Error(fmt.Errorf("panic: %v", p), "execution panicked")
			_ = release(log, vm, true)
			panic(p)
		}
	}()

	res, err := vm.Execute(ctx, cmd)
	timer.Mark(timing.PhaseExecute)
	switch {
	case err != nil:
		log.Error(err, "execution failed")
	case !res.Success():
		log.V(1).Info("command exited non-zero", "exitCode", res.ExitCode)
	}
	return res, err
}

func release(log logr.Logger, vm *pool.VirtualMachine, broken bool) error {
	p := vm.Pool()
	if broken {
		if err := p.MarkBroken(vm); err != nil {
			return fmt.Errorf("mark broken: %w", err)
		}
		log.Info("virtual machine marked broken")
		return nil
	}
	if err := p.GiveBack(vm); err != nil {
		return fmt.Errorf("give back: %w", err)
	}
	return nil
}
