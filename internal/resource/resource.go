// Package resource binds declared resources to VM pools.
//
// A shared resource resolves to one pool for the lifetime of the Registry,
// created by the first caller. An exclusive resource resolves to a new pool
// every time; the pool belongs to the caller and is shut down by
// Binding.Close.
package resource

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/provision"
)

var (
	// ErrRegistryClosed is returned by Resolve after Shutdown.
	ErrRegistryClosed = errors.New("resource: registry closed")

	// ErrResourceConflict is returned when a shared resource name is
	// resolved with a definition that differs from the one that created
	// its pool.
	ErrResourceConflict = errors.New("resource: conflicting definition")
)

// DriverFactory creates the driver of a resource's pool.
type DriverFactory func(r config.Resource) (pool.Driver, error)

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. Pools and drivers log through it.
func WithLogger(log logr.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics makes every pool publish to m.
func WithMetrics(m *pool.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDriverFactory replaces provision.New.
func WithDriverFactory(f DriverFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// Registry resolves resources to pools.
type Registry struct {
	log     logr.Logger
	metrics *pool.Metrics
	factory DriverFactory

	mu        sync.Mutex
	closed    bool
	shared    map[string]*sharedPool
	exclusive map[*pool.Pool]struct{}
	seq       int
}

type sharedPool struct {
	def  config.Resource
	pool *pool.Pool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:       logr.Discard(),
		shared:    make(map[string]*sharedPool),
		exclusive: make(map[*pool.Pool]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		log := r.log
		r.factory = func(res config.Resource) (pool.Driver, error) {
			return provision.New(res, log.WithValues("resource", res.Name))
		}
	}
	return r
}

// Binding is the result of resolving a resource.
type Binding struct {
	Resource config.Resource
	Pool     *pool.Pool

	registry  *Registry
	exclusive bool
	once      sync.Once
}

// Exclusive reports whether the pool is owned by this binding alone.
func (b *Binding) Exclusive() bool {
	return b.exclusive
}

// Close releases the binding. An exclusive pool is shut down; a shared
// pool is left to the registry.
func (b *Binding) Close(ctx context.Context) error {
	if !b.exclusive {
		return nil
	}
	var err error
	b.once.Do(func() {
		err = b.Pool.Shutdown(ctx)
		b.registry.mu.Lock()
		delete(b.registry.exclusive, b.Pool)
		b.registry.mu.Unlock()
	})
	return err
}

// Resolve returns the pool of res according to its sharing policy.
func (r *Registry) Resolve(ctx context.Context, res config.Resource) (*Binding, error) {
	switch res.Policy {
	case config.PolicyShared, "":
		return r.resolveShared(ctx, res)
	case config.PolicyExclusive:
		return r.resolveExclusive(ctx, res)
	default:
		return nil, fmt.Errorf("resource %q: unknown policy %q", res.Name, res.Policy)
	}
}

func (r *Registry) resolveShared(ctx context.Context, res config.Resource) (*Binding, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if sp, ok := r.shared[res.Name]; ok {
		r.mu.Unlock()
		if !sameDefinition(sp.def, res) {
			return nil, fmt.Errorf("%w: resource %q is already bound to a pool with a different definition", ErrResourceConflict, res.Name)
		}
		return &Binding{Resource: sp.def, Pool: sp.pool, registry: r}, nil
	}

	// The pool is created under the lock so concurrent first resolutions
	// cannot build two pools for one name.
	p, err := r.newPool(res, res.Name)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.shared[res.Name] = &sharedPool{def: res, pool: p}
	r.mu.Unlock()

	r.log.V(1).Info("created shared pool", "resource", res.Name, "driver", res.Driver, "capacity", res.Capacity)
	r.prewarm(ctx, res, p)
	return &Binding{Resource: res, Pool: p, registry: r}, nil
}

func (r *Registry) resolveExclusive(ctx context.Context, res config.Resource) (*Binding, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.seq++
	name := fmt.Sprintf("%s#%d", res.Name, r.seq)
	r.mu.Unlock()

	p, err := r.newPool(res, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = p.Shutdown(ctx)
		return nil, ErrRegistryClosed
	}
	r.exclusive[p] = struct{}{}
	r.mu.Unlock()

	r.log.V(1).Info("created exclusive pool", "resource", res.Name, "pool", name)
	r.prewarm(ctx, res, p)
	return &Binding{Resource: res, Pool: p, registry: r, exclusive: true}, nil
}

func (r *Registry) newPool(res config.Resource, name string) (*pool.Pool, error) {
	driver, err := r.factory(res)
	if err != nil {
		return nil, err
	}
	return pool.New(PoolConfig(res, name), driver,
		pool.WithLogger(r.log.WithValues("resource", res.Name)),
		pool.WithMetrics(r.metrics),
	)
}

// prewarm fills an eager pool. Failures are logged; borrowers provision
// lazily whatever prewarming could not.
func (r *Registry) prewarm(ctx context.Context, res config.Resource, p *pool.Pool) {
	if res.Provisioning != config.ProvisioningEager {
		return
	}
	if err := p.Prewarm(ctx, res.Capacity); err != nil {
		r.log.Error(err, "prewarming failed", "resource", res.Name, "pool", p.Name())
	}
}

// Shutdown shuts down every pool the registry still owns. Later Resolve
// calls fail with ErrRegistryClosed. Calling Shutdown again is a no-op.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pools := make([]*pool.Pool, 0, len(r.shared)+len(r.exclusive))
	for _, sp := range r.shared {
		pools = append(pools, sp.pool)
	}
	for p := range r.exclusive {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	errs := make([]error, len(pools))
	var wg sync.WaitGroup
	for i, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Shutdown(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stats returns a snapshot of every shared pool, sorted by name.
func (r *Registry) Stats() []pool.Stats {
	r.mu.Lock()
	pools := make([]*pool.Pool, 0, len(r.shared))
	for _, sp := range r.shared {
		pools = append(pools, sp.pool)
	}
	r.mu.Unlock()

	stats := make([]pool.Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	slices.SortFunc(stats, func(a, b pool.Stats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return stats
}

// PoolConfig converts a resource declaration into the settings of a pool
// named name.
func PoolConfig(res config.Resource, name string) pool.Config {
	return pool.Config{
		Name:          name,
		Capacity:      res.Capacity,
		Image:         Image(res.Image),
		BorrowTimeout: res.BorrowTimeout,
		IdleTimeout:   res.IdleTimeout,
		LeaseWarning:  res.LeaseWarning,
	}
}

// Image converts an image declaration.
func Image(img config.ImageConfig) pool.Image {
	return pool.Image{
		Name:     img.Name,
		CPUs:     img.CPUs,
		MemoryMB: img.MemoryMB,
		Env:      img.Env,
	}
}

func sameDefinition(a, b config.Resource) bool {
	return reflect.DeepEqual(a, b)
}
