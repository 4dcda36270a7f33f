// Package local provides a driver that runs commands directly on the host,
// each sandbox being a private work directory. It offers no isolation and is
// meant for development and tests.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/provision"
	"github.com/javanstorm/vmsandbox/internal/provision/workdir"
)

func init() {
	provision.Register(config.DriverLocal, func(r config.Resource, log logr.Logger) (pool.Driver, error) {
		return New(r.Name, r.Local.BaseDir, log)
	})
}

// exitNotFound is the shell convention for "command not found".
const exitNotFound = 127

// Driver implements pool.Driver with host work directories.
type Driver struct {
	resource string
	base     string
	log      logr.Logger
}

type handle struct {
	id  string
	dir string
}

// New creates a driver keeping its work directories under base.
func New(resource, base string, log logr.Logger) (*Driver, error) {
	if base == "" {
		return nil, errors.New("local: base directory is required")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("local: create base directory: %w", err)
	}
	return &Driver{resource: resource, base: base, log: log}, nil
}

// BaseDir returns the directory holding the work directories.
func (d *Driver) BaseDir() string {
	return d.base
}

func (d *Driver) Provision(ctx context.Context, img pool.Image) (pool.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dir, err := workdir.Create(d.base, id, workdir.Record{
		Resource: d.resource,
		Driver:   config.DriverLocal,
	})
	if err != nil {
		return nil, err
	}
	d.log.V(1).Info("work directory created", "dir", dir)
	return &handle{id: id, dir: dir}, nil
}

func (d *Driver) Execute(ctx context.Context, h pool.Handle, cmd pool.Command) (pool.Result, error) {
	hd, ok := h.(*handle)
	if !ok {
		return pool.Result{}, fmt.Errorf("local: unexpected handle %T", h)
	}
	if _, err := os.Stat(hd.dir); err != nil {
		return pool.Result{}, fmt.Errorf("local: work directory: %w", err)
	}

	dir := hd.dir
	if cmd.Dir != "" {
		if filepath.IsAbs(cmd.Dir) {
			dir = cmd.Dir
		} else {
			dir = filepath.Join(hd.dir, cmd.Dir)
		}
	}

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = dir
	c.Env = append(os.Environ(), "HOME="+hd.dir, "VMSANDBOX_VM="+hd.id)
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := pool.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("local: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		res.ExitCode = exitNotFound
		res.Stderr = append(res.Stderr, []byte(err.Error()+"\n")...)
	default:
		return res, fmt.Errorf("local: run %s: %w", cmd.Args[0], err)
	}
	return res, nil
}

func (d *Driver) Destroy(ctx context.Context, h pool.Handle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("local: unexpected handle %T", h)
	}
	return workdir.Remove(hd.dir)
}

// Sweep removes work directories left behind by dead processes.
func (d *Driver) Sweep(ctx context.Context, dryRun bool) ([]workdir.Orphan, error) {
	return workdir.Sweep(ctx, d.base, workdir.SweepOptions{DryRun: dryRun, Log: d.log})
}
