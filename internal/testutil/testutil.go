// Package testutil provides common test helpers for vmsandbox tests.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
)

// FakeDriver is an in-memory pool.Driver. Handles are strings "vm-1",
// "vm-2", ... in provisioning order.
type FakeDriver struct {
	// ProvisionHook runs at the start of every Provision call. A non-nil
	// error fails the provision.
	ProvisionHook func(ctx context.Context, n int) error

	// ExecuteFunc produces command results. The default echoes the command
	// line to stdout and exits 0.
	ExecuteFunc func(ctx context.Context, handle string, cmd pool.Command) (pool.Result, error)

	// DestroyErr is returned by every Destroy call (the handle is still
	// considered gone).
	DestroyErr error

	// DestroyHook runs at the start of every Destroy call.
	DestroyHook func(ctx context.Context, handle string)

	mu          sync.Mutex
	count       int
	live        map[string]bool
	maxLive     int
	provisioned []string
	destroyed   []string
	executed    []string
	changed     chan struct{}
}

// NewFakeDriver creates an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		live:    make(map[string]bool),
		changed: make(chan struct{}),
	}
}

func (d *FakeDriver) Provision(ctx context.Context, img pool.Image) (pool.Handle, error) {
	d.mu.Lock()
	d.count++
	n := d.count
	hook := d.ProvisionHook
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, n); err != nil {
			return nil, err
		}
	}

	name := fmt.Sprintf("vm-%d", n)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[name] = true
	d.maxLive = max(d.maxLive, len(d.live))
	d.provisioned = append(d.provisioned, name)
	d.notifyLocked()
	return name, nil
}

func (d *FakeDriver) Execute(ctx context.Context, h pool.Handle, cmd pool.Command) (pool.Result, error) {
	name := h.(string)

	d.mu.Lock()
	alive := d.live[name]
	d.executed = append(d.executed, name+": "+cmd.String())
	fn := d.ExecuteFunc
	d.mu.Unlock()

	if !alive {
		return pool.Result{}, fmt.Errorf("fake: %s is not running", name)
	}
	if fn != nil {
		return fn(ctx, name, cmd)
	}
	return pool.Result{Stdout: []byte(strings.Join(cmd.Args, " ") + "\n")}, nil
}

func (d *FakeDriver) Destroy(ctx context.Context, h pool.Handle) error {
	name := h.(string)

	d.mu.Lock()
	hook := d.DestroyHook
	d.mu.Unlock()
	if hook != nil {
		hook(ctx, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, name)
	d.destroyed = append(d.destroyed, name)
	d.notifyLocked()
	return d.DestroyErr
}

// Provisioned returns the handles provisioned so far, in order.
func (d *FakeDriver) Provisioned() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.provisioned)
}

// Destroyed returns the handles destroyed so far, in order.
func (d *FakeDriver) Destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.destroyed)
}

// Executed returns "handle: command" for every Execute call.
func (d *FakeDriver) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.executed)
}

// Live returns the number of handles provisioned and not yet destroyed.
func (d *FakeDriver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// MaxLive returns the highest number of simultaneously live handles seen.
func (d *FakeDriver) MaxLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// WaitDestroyed blocks until at least n handles were destroyed or fails the
// test after a timeout.
func (d *FakeDriver) WaitDestroyed(t testing.TB, n int) {
	t.Helper()
	d.waitFor(t, fmt.Sprintf("%d destroyed handles", n), func() bool { return len(d.destroyed) >= n })
}

// WaitProvisioned blocks until at least n handles were provisioned.
func (d *FakeDriver) WaitProvisioned(t testing.TB, n int) {
	t.Helper()
	d.waitFor(t, fmt.Sprintf("%d provisioned handles", n), func() bool { return len(d.provisioned) >= n })
}

func (d *FakeDriver) waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		d.mu.Lock()
		ok := cond()
		ch := d.changed
		d.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (d *FakeDriver) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Eventually polls cond until it holds or fails the test after 5 seconds.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestResource returns a resource declaration for the "fake" driver.
func TestResource(name string, capacity int) config.Resource {
	return config.Resource{
		Name:         name,
		Driver:       "fake",
		Policy:       config.PolicyShared,
		Provisioning: config.ProvisioningLazy,
		Capacity:     capacity,
		Image:        config.ImageConfig{Name: "test-image", CPUs: 1, MemoryMB: 256},
	}
}
