package hypervisor

import "errors"

var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingKernel      = errors.New("hypervisor: kernel path is required")
)

// Lifecycle and console errors. ErrConsoleClosed means the guest can no
// longer be reached; callers treat it as a dead VM.
var (
	ErrNotCreated     = errors.New("hypervisor: VM not created")
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
	ErrConsoleClosed  = errors.New("hypervisor: console closed")
)

var ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
