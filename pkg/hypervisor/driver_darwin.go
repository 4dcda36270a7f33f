//go:build darwin

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	mu    sync.Mutex
	cfg   *VMConfig
	vm    *vz.VirtualMachine
	state driverState

	// VM side of the console pipes, closed once the VM is gone.
	inputReader  *os.File
	outputWriter *os.File
	// Host side.
	inputWriter  *os.File
	outputReader *os.File
}

type driverState int

const (
	stateNew driverState = iota
	stateCreated
	stateRunning
	stateStopped
)

// NewDriver creates a new vz-based driver for macOS.
func NewDriver() (Driver, error) {
	return &vzDriver{
		state: stateNew,
	}, nil
}

func (d *vzDriver) Info() Info {
	return Info{
		Name:    "vz",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *vzDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	return cfg.Validate()
}

func (d *vzDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("vzDriver: invalid state for Create")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := []vz.LinuxBootLoaderOption{vz.WithCommandLine(cfg.Cmdline)}
	if cfg.Initrd != "" {
		opts = append(opts, vz.WithInitrd(cfg.Initrd))
	}
	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel, opts...)
	if err != nil {
		return fmt.Errorf("vzDriver: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUs),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return fmt.Errorf("vzDriver: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return fmt.Errorf("vzDriver: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	// inputReader is read by VM (we write to inputWriter)
	// outputWriter is written by VM (we read from outputReader)
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("vzDriver: create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return fmt.Errorf("vzDriver: create output pipe: %w", err)
	}
	closePipes := func() {
		inputReader.Close()
		inputWriter.Close()
		outputReader.Close()
		outputWriter.Close()
	}

	serialAttachment, err := vz.NewFileHandleSerialPortAttachment(inputReader, outputWriter)
	if err != nil {
		closePipes()
		return fmt.Errorf("vzDriver: create serial attachment: %w", err)
	}
	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(serialAttachment)
	if err != nil {
		closePipes()
		return fmt.Errorf("vzDriver: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
		serialCfg,
	})

	if cfg.DiskPath != "" {
		diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.DiskPath, false)
		if err != nil {
			closePipes()
			return fmt.Errorf("vzDriver: create disk attachment: %w", err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
		if err != nil {
			closePipes()
			return fmt.Errorf("vzDriver: create block device: %w", err)
		}
		vmCfg.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockDevice})
	}

	entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err == nil {
		vmCfg.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		closePipes()
		return fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		closePipes()
		return fmt.Errorf("vzDriver: create VM: %w", err)
	}

	d.cfg = cfg
	d.vm = vm
	d.inputReader = inputReader
	d.outputWriter = outputWriter
	d.inputWriter = inputWriter
	d.outputReader = outputReader
	d.state = stateCreated

	return nil
}

func (d *vzDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateCreated, stateStopped:
	case stateRunning:
		return nil, ErrAlreadyRunning
	default:
		return nil, ErrNotCreated
	}

	if err := d.vm.Start(); err != nil {
		return nil, fmt.Errorf("vzDriver: start VM: %w", err)
	}
	d.state = stateRunning

	errCh := make(chan error, 1)
	go func() {
		for state := range d.vm.StateChangedNotify() {
			switch state {
			case vz.VirtualMachineStateStopped:
				d.setStopped()
				errCh <- nil
				return
			case vz.VirtualMachineStateError:
				d.setStopped()
				errCh <- errors.New("vzDriver: VM entered error state")
				return
			}
		}
	}()

	return errCh, nil
}

func (d *vzDriver) setStopped() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = stateStopped
}

func (d *vzDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}

	canStop := d.vm.CanRequestStop()
	if !canStop {
		return fmt.Errorf("vzDriver: VM does not accept stop requests")
	}
	ok, err := d.vm.RequestStop()
	if err != nil || !ok {
		return fmt.Errorf("vzDriver: request stop failed: %w", err)
	}
	return nil
}

func (d *vzDriver) Kill(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}

	if err := d.vm.Stop(); err != nil {
		return fmt.Errorf("vzDriver: force stop: %w", err)
	}

	d.state = stateStopped
	return nil
}

func (d *vzDriver) Console() (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inputWriter == nil || d.outputReader == nil {
		return nil, nil, fmt.Errorf("vzDriver: console not initialized")
	}

	return d.inputWriter, d.outputReader, nil
}

func (d *vzDriver) CloseConsole() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, f := range []**os.File{&d.inputWriter, &d.outputReader, &d.inputReader, &d.outputWriter} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil {
			errs = append(errs, err)
		}
		*f = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("vzDriver: close console: %w", errors.Join(errs...))
	}
	return nil
}
