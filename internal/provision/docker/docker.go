// Package docker provides a driver that backs every sandbox with a container.
//
// A container is created from the resource image and kept running with an
// idle init process; commands run in it through the exec API.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/provision"
	"github.com/javanstorm/vmsandbox/internal/provision/workdir"
)

func init() {
	provision.Register(config.DriverDocker, func(r config.Resource, log logr.Logger) (pool.Driver, error) {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if r.Docker.Host != "" {
			opts = append(opts, client.WithHost(r.Docker.Host))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, fmt.Errorf("docker: create client: %w", err)
		}
		return New(cli, Options{Resource: r.Name, Pull: r.Docker.Pull, Labels: r.Docker.Labels}, log), nil
	})
}

// Labels set on every container.
const (
	LabelManaged  = "io.vmsandbox.managed"
	LabelResource = "io.vmsandbox.resource"
	LabelVM       = "io.vmsandbox.vm"
	LabelPID      = "io.vmsandbox.pid"
	LabelHost     = "io.vmsandbox.host"
)

// Pull policies.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// idleCommand keeps a container alive until it is removed.
var idleCommand = []string{"/bin/sh", "-c", "trap 'exit 0' TERM INT; while :; do sleep 3600 & wait $!; done"}

// API is the subset of the Docker client used by the driver.
type API interface {
	ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerExecCreate(ctx context.Context, id string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Options configures a Driver.
type Options struct {
	Resource string
	Pull     string
	Labels   map[string]string

	// Platform pins the image platform (nil = daemon default).
	Platform *ocispec.Platform
}

// Driver implements pool.Driver on top of the Docker engine API.
type Driver struct {
	api  API
	opts Options
	log  logr.Logger

	pullMu sync.Mutex
	pulled map[string]bool
}

type handle struct {
	vm          string
	containerID string
}

// New creates a driver using api.
func New(api API, opts Options, log logr.Logger) *Driver {
	if opts.Pull == "" {
		opts.Pull = PullMissing
	}
	return &Driver{api: api, opts: opts, log: log, pulled: make(map[string]bool)}
}

func (d *Driver) Provision(ctx context.Context, img pool.Image) (pool.Handle, error) {
	if img.Name == "" {
		return nil, errors.New("docker: image name is required")
	}
	if err := d.ensureImage(ctx, img.Name); err != nil {
		return nil, err
	}

	vm := uuid.NewString()
	host, _ := os.Hostname()
	labels := map[string]string{
		LabelManaged:  "true",
		LabelResource: d.opts.Resource,
		LabelVM:       vm,
		LabelPID:      strconv.Itoa(os.Getpid()),
		LabelHost:     host,
	}
	for k, v := range d.opts.Labels {
		if _, reserved := labels[k]; !reserved {
			labels[k] = v
		}
	}

	env := make([]string, 0, len(img.Env))
	for k, v := range img.Env {
		env = append(env, k+"="+v)
	}

	hostCfg := &container.HostConfig{}
	if img.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(img.CPUs) * 1e9
	}
	if img.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(img.MemoryMB) * 1024 * 1024
	}

	name := "vmsandbox-" + vm
	resp, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:      img.Name,
		Entrypoint: idleCommand[:1],
		Cmd:        idleCommand[1:],
		Env:        env,
		Labels:     labels,
	}, hostCfg, nil, d.opts.Platform, name)
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.log.Info("container create warning", "container", name, "warning", w)
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.remove(resp.ID)
		return nil, fmt.Errorf("docker: start container: %w", err)
	}
	d.log.V(1).Info("container started", "container", name, "id", resp.ID)
	return &handle{vm: vm, containerID: resp.ID}, nil
}

// ensureImage applies the pull policy once per image and driver.
func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	d.pullMu.Lock()
	defer d.pullMu.Unlock()
	if d.pulled[ref] {
		return nil
	}

	switch d.opts.Pull {
	case PullNever:
		d.pulled[ref] = true
		return nil
	case PullMissing:
		_, _, err := d.api.ImageInspectWithRaw(ctx, ref)
		if err == nil {
			d.pulled[ref] = true
			return nil
		}
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("docker: inspect image %s: %w", ref, err)
		}
	case PullAlways:
	default:
		return fmt.Errorf("docker: unknown pull policy %q", d.opts.Pull)
	}

	d.log.Info("pulling image", "image", ref)
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker: pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("docker: pull image %s: %w", ref, err)
	}
	d.pulled[ref] = true
	return nil
}

func (d *Driver) Execute(ctx context.Context, h pool.Handle, cmd pool.Command) (pool.Result, error) {
	hd, ok := h.(*handle)
	if !ok {
		return pool.Result{}, fmt.Errorf("docker: unexpected handle %T", h)
	}

	env := make([]string, 0, len(cmd.Env))
	for k, v := range cmd.Env {
		env = append(env, k+"="+v)
	}
	start := time.Now()
	exec, err := d.api.ContainerExecCreate(ctx, hd.containerID, container.ExecOptions{
		Cmd:          cmd.Args,
		Env:          env,
		WorkingDir:   cmd.Dir,
		AttachStdin:  cmd.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return pool.Result{}, fmt.Errorf("docker: create exec: %w", err)
	}

	attach, err := d.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return pool.Result{}, fmt.Errorf("docker: attach exec: %w", err)
	}
	defer attach.Close()

	if cmd.Stdin != nil {
		go func() {
			// Write errors surface as a failed exec or a short read by the command.
			_, _ = io.Copy(attach.Conn, bytes.NewReader(cmd.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return pool.Result{}, fmt.Errorf("docker: read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return pool.Result{}, fmt.Errorf("docker: exec: %w", ctx.Err())
	}

	code, err := d.exitCode(ctx, exec.ID)
	if err != nil {
		return pool.Result{}, err
	}
	return pool.Result{
		ExitCode: code,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}, nil
}

// exitCode waits for the exec process to be reported as finished.
func (d *Driver) exitCode(ctx context.Context, execID string) (int, error) {
	for {
		info, err := d.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("docker: inspect exec: %w", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("docker: inspect exec: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (d *Driver) Destroy(ctx context.Context, h pool.Handle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("docker: unexpected handle %T", h)
	}
	err := d.api.ContainerRemove(ctx, hd.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove container %s: %w", hd.containerID, err)
	}
	return nil
}

// remove is best-effort cleanup after a failed provision.
func (d *Driver) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.log.Error(err, "failed to remove container", "id", id)
	}
}

// Sweep removes containers of this resource created on this host by
// processes that are no longer running.
func (d *Driver) Sweep(ctx context.Context, dryRun bool) ([]workdir.Orphan, error) {
	host, _ := os.Hostname()
	args := filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelHost+"="+host),
	)
	if d.opts.Resource != "" {
		args.Add("label", LabelResource+"="+d.opts.Resource)
	}
	list, err := d.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}

	var orphans []workdir.Orphan
	var errs []error
	for _, c := range list {
		pid, err := strconv.Atoi(c.Labels[LabelPID])
		if err != nil || pid == os.Getpid() || workdir.ProcessAlive(pid) {
			continue
		}
		orphans = append(orphans, workdir.Orphan{
			Dir: c.ID,
			Record: workdir.Record{
				ID:        c.Labels[LabelVM],
				Resource:  c.Labels[LabelResource],
				Driver:    config.DriverDocker,
				PID:       pid,
				Hostname:  host,
				CreatedAt: time.Unix(c.Created, 0),
			},
		})
		if dryRun {
			continue
		}
		if err := d.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("docker: remove container %s: %w", c.ID, err))
			continue
		}
		d.log.Info("removed orphaned container", "id", c.ID, "vm", c.Labels[LabelVM], "pid", pid)
	}
	return orphans, errors.Join(errs...)
}
