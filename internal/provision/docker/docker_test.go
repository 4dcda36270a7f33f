package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmsandbox/internal/pool"
)

// fakeAPI is an in-memory Docker engine. Exec processes are simulated by
// onExec, which talks to the driver over one end of a net.Pipe.
type fakeAPI struct {
	mu         sync.Mutex
	images     map[string]bool
	pulls      []string
	containers map[string]*fakeContainer
	execs      map[string]container.ExecOptions
	exitCodes  map[string]int
	seq        int
	createErr  error
	listed     []types.Container

	onExec func(opts container.ExecOptions, conn net.Conn) int
}

type fakeContainer struct {
	cfg     *container.Config
	host    *container.HostConfig
	name    string
	running bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]container.ExecOptions),
		exitCodes:  make(map[string]int),
	}
}

func (f *fakeAPI) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return types.ImageInspect{}, nil, errdefs.NotFound(fmt.Errorf("no such image: %s", ref))
	}
	return types.ImageInspect{ID: "sha256:" + ref}, nil, nil
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	f.containers[id] = &fakeContainer{cfg: cfg, host: hostCfg, name: name}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	c.running = true
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		for i, c := range f.listed {
			if c.ID == id {
				f.listed = append(f.listed[:i], f.listed[i+1:]...)
				return nil
			}
		}
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Container(nil), f.listed...), nil
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, id string, options container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || !c.running {
		return types.IDResponse{}, errdefs.Conflict(fmt.Errorf("container %s is not running", id))
	}
	f.seq++
	execID := fmt.Sprintf("e%d", f.seq)
	f.execs[execID] = options
	return types.IDResponse{ID: execID}, nil
}

func (f *fakeAPI) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	opts, ok := f.execs[execID]
	f.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, errdefs.NotFound(errors.New("no such exec"))
	}

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		code := f.onExec(opts, server)
		f.mu.Lock()
		f.exitCodes[execID] = code
		f.mu.Unlock()
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, done := f.exitCodes[execID]
	return container.ExecInspect{ExecID: execID, Running: !done, ExitCode: code}, nil
}

func (f *fakeAPI) liveContainers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// echoExec writes the command line to stdout and "err" to stderr, exiting 0.
func echoExec(opts container.ExecOptions, conn net.Conn) int {
	stdout := stdcopy.NewStdWriter(conn, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(conn, stdcopy.Stderr)
	fmt.Fprintln(stdout, strings.Join(opts.Cmd, " "))
	fmt.Fprint(stderr, "err")
	return 0
}

func TestProvisionPullsMissingImageOnce(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	d := New(api, Options{Resource: "builders", Labels: map[string]string{"team": "infra", LabelPID: "spoofed"}}, logr.Discard())

	img := pool.Image{Name: "alpine:3.20", CPUs: 2, MemoryMB: 256, Env: map[string]string{"A": "1"}}
	h1, err := d.Provision(ctx, img)
	require.NoError(t, err)
	_, err = d.Provision(ctx, img)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpine:3.20"}, api.pulls)
	require.Equal(t, 2, api.liveContainers())

	c := api.containers[h1.(*handle).containerID]
	assert.True(t, c.running)
	assert.Equal(t, "alpine:3.20", c.cfg.Image)
	assert.Equal(t, []string{"A=1"}, c.cfg.Env)
	assert.Equal(t, "builders", c.cfg.Labels[LabelResource])
	assert.Equal(t, "infra", c.cfg.Labels["team"])
	assert.Equal(t, strconv.Itoa(os.Getpid()), c.cfg.Labels[LabelPID])
	assert.Equal(t, int64(2e9), c.host.Resources.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), c.host.Resources.Memory)
	assert.Equal(t, "vmsandbox-"+h1.(*handle).vm, c.name)
}

func TestPullPolicies(t *testing.T) {
	ctx := context.Background()

	api := newFakeAPI()
	api.images["busybox"] = true
	d := New(api, Options{Pull: PullAlways}, logr.Discard())
	_, err := d.Provision(ctx, pool.Image{Name: "busybox"})
	require.NoError(t, err)
	assert.Equal(t, []string{"busybox"}, api.pulls)

	api = newFakeAPI()
	d = New(api, Options{Pull: PullNever}, logr.Discard())
	_, err = d.Provision(ctx, pool.Image{Name: "busybox"})
	require.NoError(t, err)
	assert.Empty(t, api.pulls)

	d = New(api, Options{Pull: "sometimes"}, logr.Discard())
	_, err = d.Provision(ctx, pool.Image{Name: "busybox"})
	require.ErrorContains(t, err, "unknown pull policy")
}

func TestProvisionRequiresImage(t *testing.T) {
	d := New(newFakeAPI(), Options{}, logr.Discard())
	_, err := d.Provision(context.Background(), pool.Image{})
	require.Error(t, err)
}

func TestProvisionCreateFailure(t *testing.T) {
	api := newFakeAPI()
	api.images["alpine"] = true
	api.createErr = errors.New("no space left on device")
	d := New(api, Options{}, logr.Discard())

	_, err := d.Provision(context.Background(), pool.Image{Name: "alpine"})
	require.ErrorContains(t, err, "no space left")
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.images["alpine"] = true
	api.onExec = echoExec
	d := New(api, Options{}, logr.Discard())

	h, err := d.Provision(ctx, pool.Image{Name: "alpine"})
	require.NoError(t, err)

	res, err := d.Execute(ctx, h, pool.Command{Args: []string{"echo", "hi"}, Env: map[string]string{"X": "y"}, Dir: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "echo hi\n", string(res.Stdout))
	assert.Equal(t, "err", string(res.Stderr))

	var opts container.ExecOptions
	for _, o := range api.execs {
		opts = o
	}
	assert.Equal(t, []string{"X=y"}, opts.Env)
	assert.Equal(t, "/tmp", opts.WorkingDir)
	assert.False(t, opts.AttachStdin)
}

func TestExecuteStdinAndExitCode(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.images["alpine"] = true
	api.onExec = func(opts container.ExecOptions, conn net.Conn) int {
		buf := make([]byte, len("payload"))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return 255
		}
		fmt.Fprint(stdcopy.NewStdWriter(conn, stdcopy.Stdout), strings.ToUpper(string(buf)))
		return 7
	}
	d := New(api, Options{}, logr.Discard())
	h, err := d.Provision(ctx, pool.Image{Name: "alpine"})
	require.NoError(t, err)

	res, err := d.Execute(ctx, h, pool.Command{Args: []string{"tr", "a-z", "A-Z"}, Stdin: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "PAYLOAD", string(res.Stdout))
}

func TestExecuteContainerGone(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.images["alpine"] = true
	api.onExec = echoExec
	d := New(api, Options{}, logr.Discard())
	h, err := d.Provision(ctx, pool.Image{Name: "alpine"})
	require.NoError(t, err)

	require.NoError(t, d.Destroy(ctx, h))
	require.NoError(t, d.Destroy(ctx, h), "destroying a removed container is not an error")

	_, err = d.Execute(ctx, h, pool.Command{Args: []string{"true"}})
	require.ErrorContains(t, err, "not running")
}

func TestExecuteContextCancelled(t *testing.T) {
	api := newFakeAPI()
	api.images["alpine"] = true
	release := make(chan struct{})
	defer close(release)
	api.onExec = func(opts container.ExecOptions, conn net.Conn) int {
		<-release
		return 0
	}
	d := New(api, Options{}, logr.Discard())
	h, err := d.Provision(context.Background(), pool.Image{Name: "alpine"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Execute(ctx, h, pool.Command{Args: []string{"sleep", "60"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSweep(t *testing.T) {
	host, _ := os.Hostname()
	api := newFakeAPI()
	api.listed = []types.Container{
		{ID: "dead", Created: 1700000000, Labels: map[string]string{LabelPID: "999999999", LabelVM: "vm-dead", LabelResource: "builders"}},
		{ID: "mine", Labels: map[string]string{LabelPID: strconv.Itoa(os.Getpid())}},
		{ID: "unlabelled", Labels: map[string]string{}},
	}
	d := New(api, Options{Resource: "builders"}, logr.Discard())

	orphans, err := d.Sweep(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "vm-dead", orphans[0].Record.ID)
	assert.Equal(t, host, orphans[0].Record.Hostname)
	assert.Len(t, api.listed, 3)

	orphans, err = d.Sweep(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Len(t, api.listed, 2)
}

func TestThroughPool(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.images["alpine"] = true
	api.onExec = echoExec
	d := New(api, Options{}, logr.Discard())

	p, err := pool.New(pool.Config{Name: "docker", Capacity: 2, Image: pool.Image{Name: "alpine"}}, d)
	require.NoError(t, err)

	vm, err := p.Borrow(ctx)
	require.NoError(t, err)
	res, err := vm.Execute(ctx, pool.Command{Args: []string{"uname"}})
	require.NoError(t, err)
	assert.Equal(t, "uname\n", string(res.Stdout))
	require.NoError(t, p.MarkBroken(vm))

	require.Eventually(t, func() bool { return api.liveContainers() == 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, p.Shutdown(ctx))
}
