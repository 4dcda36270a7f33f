package resource_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/resource"
	"github.com/javanstorm/vmsandbox/internal/testutil"
)

// fakeFactory hands out one FakeDriver per created pool.
type fakeFactory struct {
	mu      sync.Mutex
	drivers []*testutil.FakeDriver
	err     error
}

func (f *fakeFactory) create(r config.Resource) (pool.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := testutil.NewFakeDriver()
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func newRegistry(t *testing.T) (*resource.Registry, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	r := resource.NewRegistry(resource.WithDriverFactory(f.create))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, f
}

func TestSharedResolvesSamePool(t *testing.T) {
	r, f := newRegistry(t)
	ctx := context.Background()
	res := testutil.TestResource("build", 2)

	b1, err := r.Resolve(ctx, res)
	require.NoError(t, err)
	b2, err := r.Resolve(ctx, res)
	require.NoError(t, err)

	assert.Same(t, b1.Pool, b2.Pool)
	assert.False(t, b1.Exclusive())
	assert.Equal(t, 1, f.count())
	assert.Equal(t, "build", b1.Pool.Name())

	// Closing a shared binding leaves the pool running.
	require.NoError(t, b1.Close(ctx))
	vm, err := b2.Pool.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, b2.Pool.GiveBack(vm))
}

func TestSharedConcurrentFirstResolution(t *testing.T) {
	r, f := newRegistry(t)
	res := testutil.TestResource("build", 1)

	const n = 32
	pools := make([]*pool.Pool, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.Resolve(context.Background(), res)
			if assert.NoError(t, err) {
				pools[i] = b.Pool
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.count(), "exactly one pool created")
	for _, p := range pools {
		assert.Same(t, pools[0], p)
	}
}

func TestSharedConflictingDefinition(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, testutil.TestResource("build", 2))
	require.NoError(t, err)

	_, err = r.Resolve(ctx, testutil.TestResource("build", 3))
	require.ErrorIs(t, err, resource.ErrResourceConflict)
}

func TestExclusiveResolvesFreshPools(t *testing.T) {
	r, f := newRegistry(t)
	ctx := context.Background()
	res := testutil.TestResource("scratch", 1)
	res.Policy = config.PolicyExclusive

	b1, err := r.Resolve(ctx, res)
	require.NoError(t, err)
	b2, err := r.Resolve(ctx, res)
	require.NoError(t, err)

	assert.NotSame(t, b1.Pool, b2.Pool)
	assert.True(t, b1.Exclusive())
	assert.NotEqual(t, b1.Pool.Name(), b2.Pool.Name())
	assert.Equal(t, 2, f.count())

	vm, err := b1.Pool.Borrow(ctx)
	require.NoError(t, err)
	require.NoError(t, b1.Pool.GiveBack(vm))

	require.NoError(t, b1.Close(ctx))
	require.NoError(t, b1.Close(ctx), "close is idempotent")
	_, err = b1.Pool.Borrow(ctx)
	require.ErrorIs(t, err, pool.ErrPoolClosed)
	f.drivers[0].WaitDestroyed(t, 1)

	_, err = b2.Pool.Borrow(ctx)
	require.NoError(t, err, "other exclusive pool unaffected")
	assert.Empty(t, r.Stats(), "exclusive pools are not listed")
}

func TestEagerPrewarms(t *testing.T) {
	r, f := newRegistry(t)
	res := testutil.TestResource("warm", 3)
	res.Provisioning = config.ProvisioningEager

	b, err := r.Resolve(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Pool.Stats().Idle)
	assert.Len(t, f.drivers[0].Provisioned(), 3)
}

func TestEagerPrewarmFailureIsNotFatal(t *testing.T) {
	f := &fakeFactory{}
	r := resource.NewRegistry(resource.WithDriverFactory(func(res config.Resource) (pool.Driver, error) {
		d, _ := f.create(res)
		d.(*testutil.FakeDriver).ProvisionHook = func(ctx context.Context, n int) error {
			if n == 1 {
				return errors.New("image not ready")
			}
			return nil
		}
		return d, nil
	}))
	defer r.Shutdown(context.Background())

	res := testutil.TestResource("warm", 2)
	res.Provisioning = config.ProvisioningEager
	b, err := r.Resolve(context.Background(), res)
	require.NoError(t, err)

	vm, err := b.Pool.Borrow(context.Background())
	require.NoError(t, err, "lazy provisioning recovers")
	require.NoError(t, b.Pool.GiveBack(vm))
}

func TestDriverFactoryError(t *testing.T) {
	r, f := newRegistry(t)
	f.err = errors.New("docker daemon unreachable")

	_, err := r.Resolve(context.Background(), testutil.TestResource("build", 1))
	require.ErrorContains(t, err, "docker daemon unreachable")

	f.err = nil
	_, err = r.Resolve(context.Background(), testutil.TestResource("build", 1))
	require.NoError(t, err, "a failed resolution does not poison the name")
}

func TestUnknownPolicy(t *testing.T) {
	r, _ := newRegistry(t)
	res := testutil.TestResource("build", 1)
	res.Policy = "borrowed"
	_, err := r.Resolve(context.Background(), res)
	require.ErrorContains(t, err, "unknown policy")
}

func TestShutdown(t *testing.T) {
	r, f := newRegistry(t)
	ctx := context.Background()

	shared, err := r.Resolve(ctx, testutil.TestResource("a", 1))
	require.NoError(t, err)
	excl := testutil.TestResource("b", 1)
	excl.Policy = config.PolicyExclusive
	exclusive, err := r.Resolve(ctx, excl)
	require.NoError(t, err)

	for _, b := range []*resource.Binding{shared, exclusive} {
		vm, err := b.Pool.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, b.Pool.GiveBack(vm))
	}

	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx))

	for _, d := range f.drivers {
		assert.Equal(t, 0, d.Live())
	}
	_, err = r.Resolve(ctx, testutil.TestResource("a", 1))
	require.ErrorIs(t, err, resource.ErrRegistryClosed)
	_, err = r.Resolve(ctx, excl)
	require.ErrorIs(t, err, resource.ErrRegistryClosed)
}

func TestStats(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha"} {
		_, err := r.Resolve(ctx, testutil.TestResource(name, 2))
		require.NoError(t, err)
	}

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "alpha", stats[0].Name)
	assert.Equal(t, "zeta", stats[1].Name)
	assert.Equal(t, 2, stats[0].Capacity)
}

func TestPoolConfig(t *testing.T) {
	res := testutil.TestResource("build", 4)
	res.Image.Env = map[string]string{"CI": "1"}

	cfg := resource.PoolConfig(res, "build#7")
	assert.Equal(t, "build#7", cfg.Name)
	assert.Equal(t, 4, cfg.Capacity)
	assert.Equal(t, pool.Image{Name: "test-image", CPUs: 1, MemoryMB: 256, Env: map[string]string{"CI": "1"}}, cfg.Image)
}
