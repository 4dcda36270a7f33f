package pool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Handle is a driver-specific reference to one provisioned sandbox.
// The pool stores it and hands it back to the driver; it never inspects it.
type Handle any

// Driver provisions, drives and tears down sandboxes.
// Backends live under internal/provision.
type Driver interface {
	// Provision creates a new live sandbox from img.
	Provision(ctx context.Context, img Image) (Handle, error)

	// Execute runs cmd inside the sandbox. A non-zero exit status is reported
	// through Result. An error means the guest could not be reached.
	Execute(ctx context.Context, h Handle, cmd Command) (Result, error)

	// Destroy tears the sandbox down and frees its resources.
	Destroy(ctx context.Context, h Handle) error
}

// Image describes what every VM of a pool is provisioned from.
type Image struct {
	// Name identifies the image (container image, disk image, guest profile).
	Name string

	// CPUs is the number of virtual CPUs (0 = backend default).
	CPUs int

	// MemoryMB is the memory limit in megabytes (0 = backend default).
	MemoryMB int

	// Env is merged into the environment of every command.
	Env map[string]string
}

// Command is a command line to run inside a sandbox.
type Command struct {
	Args  []string
	Env   map[string]string
	Dir   string
	Stdin []byte
}

// Validate reports whether the command can be executed.
func (c Command) Validate() error {
	if len(c.Args) == 0 || c.Args[0] == "" {
		return ErrEmptyCommand
	}
	return nil
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Err converts a non-zero exit status into an error.
func (r Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return fmt.Errorf("command exited with status %d", r.ExitCode)
}
