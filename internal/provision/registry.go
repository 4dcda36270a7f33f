// Package provision maps driver names to pool.Driver implementations.
//
// Backends register a Factory from init(); binaries select the backends
// they ship by importing the backend packages.
package provision

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
)

// Factory creates a driver for one resource declaration.
type Factory func(r config.Resource, log logr.Logger) (pool.Driver, error)

var (
	registry     = make(map[string]Factory)
	registryLock sync.RWMutex
)

// Register adds a driver factory to the registry.
// This should be called from init() functions in backend packages.
func Register(name string, f Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = f
}

// Get returns the factory registered under name.
func Get(name string) (Factory, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	f, ok := registry[name]
	if !ok {
		return nil, &ErrUnknownDriver{Name: name}
	}
	return f, nil
}

// New creates the driver named by r.Driver.
func New(r config.Resource, log logr.Logger) (pool.Driver, error) {
	f, err := Get(r.Driver)
	if err != nil {
		return nil, err
	}
	d, err := f(r, log.WithValues("driver", r.Driver))
	if err != nil {
		return nil, fmt.Errorf("resource %q: create %s driver: %w", r.Name, r.Driver, err)
	}
	return d, nil
}

// List returns all registered driver names, sorted.
func List() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a driver name is registered.
func IsRegistered(name string) bool {
	registryLock.RLock()
	defer registryLock.RUnlock()
	_, ok := registry[name]
	return ok
}

// ErrUnknownDriver is returned when a driver name is not registered.
type ErrUnknownDriver struct {
	Name string
}

func (e *ErrUnknownDriver) Error() string {
	return fmt.Sprintf("unknown driver %q, available: %v", e.Name, List())
}
