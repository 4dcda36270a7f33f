// Package hypervisor provides a driver that boots one Linux VM per sandbox
// through pkg/hypervisor and runs commands on its serial console.
//
// Each VM gets a private copy of the base disk inside its work directory,
// so nothing a command does survives the sandbox.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/provision"
	"github.com/javanstorm/vmsandbox/internal/provision/workdir"
	hv "github.com/javanstorm/vmsandbox/pkg/hypervisor"
)

func init() {
	provision.Register(config.DriverHypervisor, func(r config.Resource, log logr.Logger) (pool.Driver, error) {
		return New(Options{
			Resource:    r.Name,
			Kernel:      r.Hypervisor.Kernel,
			Initrd:      r.Hypervisor.Initrd,
			Cmdline:     r.Hypervisor.Cmdline,
			DiskPath:    r.Hypervisor.DiskPath,
			BaseDir:     r.Hypervisor.BaseDir,
			BootTimeout: r.Hypervisor.BootTimeout,
		}, log)
	})
}

const (
	// probeInterval bounds one readiness probe while the guest boots.
	probeInterval = 2 * time.Second

	// stopGrace is how long a guest gets to power off before it is killed.
	stopGrace = 10 * time.Second

	diskName = "disk.img"
)

// Options configures a Driver.
type Options struct {
	Resource string
	Kernel   string
	Initrd   string
	Cmdline  string

	// DiskPath is the base root disk; each VM boots a copy.
	DiskPath string

	BaseDir     string
	BootTimeout time.Duration

	// NewDriver creates the per-VM hypervisor driver. Defaults to
	// hypervisor.NewDriver.
	NewDriver func() (hv.Driver, error)
}

// Driver implements pool.Driver with one hypervisor VM per sandbox.
type Driver struct {
	opts  Options
	log   logr.Logger
	probe time.Duration
}

type handle struct {
	id      string
	dir     string
	vm      hv.Driver
	console *console
	exited  chan error
}

// New creates a driver. It fails on platforms without a hypervisor unless
// opts.NewDriver is set.
func New(opts Options, log logr.Logger) (*Driver, error) {
	if opts.NewDriver == nil {
		if !hv.SupportedPlatform() {
			return nil, hv.ErrUnsupportedPlatform
		}
		opts.NewDriver = hv.NewDriver
	}
	if opts.Kernel == "" {
		return nil, hv.ErrMissingKernel
	}
	if opts.BaseDir == "" {
		return nil, errors.New("hypervisor: base directory is required")
	}
	if opts.BootTimeout == 0 {
		opts.BootTimeout = 60 * time.Second
	}
	if err := os.MkdirAll(opts.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("hypervisor: create base directory: %w", err)
	}
	return &Driver{opts: opts, log: log, probe: probeInterval}, nil
}

func (d *Driver) Provision(ctx context.Context, img pool.Image) (_ pool.Handle, err error) {
	id := uuid.NewString()
	dir, err := workdir.Create(d.opts.BaseDir, id, workdir.Record{
		Resource: d.opts.Resource,
		Driver:   config.DriverHypervisor,
	})
	if err != nil {
		return nil, err
	}
	h := &handle{id: id, dir: dir}
	defer func() {
		if err != nil {
			d.teardown(h)
		}
	}()

	cfg := &hv.VMConfig{
		CPUs:     img.CPUs,
		MemoryMB: img.MemoryMB,
		Kernel:   d.opts.Kernel,
		Initrd:   d.opts.Initrd,
		Cmdline:  d.opts.Cmdline,
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = 1
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 512
	}
	if d.opts.DiskPath != "" {
		cfg.DiskPath = filepath.Join(dir, diskName)
		if err := copyFile(d.opts.DiskPath, cfg.DiskPath); err != nil {
			return nil, fmt.Errorf("hypervisor: copy disk: %w", err)
		}
	}

	vm, err := d.opts.NewDriver()
	if err != nil {
		return nil, fmt.Errorf("hypervisor: create driver: %w", err)
	}
	h.vm = vm
	if err := vm.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	if err := vm.Create(ctx, cfg); err != nil {
		return nil, err
	}
	in, out, err := vm.Console()
	if err != nil {
		return nil, err
	}
	h.console = newConsole(in, out)

	if h.exited, err = vm.Start(ctx); err != nil {
		return nil, err
	}
	d.log.V(1).Info("vm booting", "vm", id, "driver", vm.Info().Name)

	bootCtx, cancel := context.WithTimeout(ctx, d.opts.BootTimeout)
	defer cancel()
	if err := h.console.waitReady(bootCtx, d.probe); err != nil {
		return nil, err
	}
	d.log.V(1).Info("vm ready", "vm", id)
	return h, nil
}

func (d *Driver) Execute(ctx context.Context, h pool.Handle, cmd pool.Command) (pool.Result, error) {
	hd, ok := h.(*handle)
	if !ok {
		return pool.Result{}, fmt.Errorf("hypervisor: unexpected handle %T", h)
	}
	select {
	case err := <-hd.exited:
		hd.exited = nil
		return pool.Result{}, fmt.Errorf("hypervisor: vm %s exited: %v", hd.id, err)
	default:
	}
	return hd.console.exec(ctx, provision.ShellLine(cmd), cmd.Stdin)
}

func (d *Driver) Destroy(ctx context.Context, h pool.Handle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("hypervisor: unexpected handle %T", h)
	}
	return d.teardown(hd)
}

// teardown stops the VM, gracefully if it lets us, and removes its files.
func (d *Driver) teardown(h *handle) error {
	var errs []error
	if h.vm != nil && h.exited != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		if err := h.vm.Stop(ctx); err == nil {
			select {
			case <-h.exited:
			case <-ctx.Done():
			}
		}
		cancel()
		if err := h.vm.Kill(context.Background()); err != nil && !errors.Is(err, hv.ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	if h.console != nil {
		h.console.close()
	}
	if h.vm != nil {
		if err := h.vm.CloseConsole(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := workdir.Remove(h.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sweep removes work directories (and disk copies) of dead processes.
func (d *Driver) Sweep(ctx context.Context, dryRun bool) ([]workdir.Orphan, error) {
	return workdir.Sweep(ctx, d.opts.BaseDir, workdir.SweepOptions{DryRun: dryRun, Log: d.log})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
