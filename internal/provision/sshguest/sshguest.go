// Package sshguest provides a driver for pre-booted guests reachable over
// SSH. Each sandbox leases one guest address for its lifetime; destroying
// the sandbox runs the reset command and returns the guest to the free list.
// A guest whose reset fails is quarantined until the process exits.
package sshguest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/provision"
)

func init() {
	provision.Register(config.DriverSSH, func(r config.Resource, log logr.Logger) (pool.Driver, error) {
		keys := NewKeyManager(r.SSH.KeyPath)
		if err := keys.EnsureKeyPair(); err != nil {
			return nil, err
		}
		signer, err := keys.Signer()
		if err != nil {
			return nil, err
		}
		hostKeys, err := HostKeyCallback(r.SSH.KnownHosts)
		if err != nil {
			return nil, err
		}
		return New(Options{
			Hosts:           r.SSH.Hosts,
			User:            r.SSH.User,
			Port:            r.SSH.Port,
			Signer:          signer,
			HostKeyCallback: hostKeys,
			ConnectTimeout:  r.SSH.ConnectTimeout,
			ResetCommand:    r.SSH.ResetCommand,
		}, log)
	})
}

// ErrNoFreeGuest is returned by Provision when every guest is leased.
var ErrNoFreeGuest = errors.New("sshguest: no free guest")

// Options configures a Driver.
type Options struct {
	// Hosts are guest addresses, "host" or "host:port".
	Hosts []string

	User string

	// Port is used for hosts without an explicit port.
	Port int

	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration

	// ResetCommand runs on the guest when its sandbox is destroyed.
	ResetCommand string
}

// Driver implements pool.Driver over SSH.
type Driver struct {
	opts  Options
	addrs []string
	log   logr.Logger

	mu     sync.Mutex
	leased map[string]bool
	next   int
}

type handle struct {
	addr   string
	client *ssh.Client
}

// New creates a driver for the given guests.
func New(opts Options, log logr.Logger) (*Driver, error) {
	if len(opts.Hosts) == 0 {
		return nil, errors.New("sshguest: at least one host is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("sshguest: signer is required")
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	addrs := make([]string, 0, len(opts.Hosts))
	for _, h := range opts.Hosts {
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, strconv.Itoa(opts.Port))
		}
		addrs = append(addrs, h)
	}
	return &Driver{opts: opts, addrs: addrs, log: log, leased: make(map[string]bool)}, nil
}

func (d *Driver) Provision(ctx context.Context, img pool.Image) (pool.Handle, error) {
	addr, err := d.lease()
	if err != nil {
		return nil, err
	}
	client, err := d.dial(ctx, addr)
	if err != nil {
		d.release(addr)
		return nil, err
	}
	d.log.V(1).Info("guest connected", "addr", addr)
	return &handle{addr: addr, client: client}, nil
}

// lease picks the next free guest, round robin.
func (d *Driver) lease() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.addrs {
		addr := d.addrs[(d.next+i)%len(d.addrs)]
		if !d.leased[addr] {
			d.leased[addr] = true
			d.next = (d.next + i + 1) % len(d.addrs)
			return addr, nil
		}
	}
	return "", ErrNoFreeGuest
}

func (d *Driver) release(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leased, addr)
}

func (d *Driver) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sshguest: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	cfg := &ssh.ClientConfig{
		User:            d.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.opts.Signer)},
		HostKeyCallback: d.opts.HostKeyCallback,
		Timeout:         d.opts.ConnectTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sshguest: handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (d *Driver) Execute(ctx context.Context, h pool.Handle, cmd pool.Command) (pool.Result, error) {
	hd, ok := h.(*handle)
	if !ok {
		return pool.Result{}, fmt.Errorf("sshguest: unexpected handle %T", h)
	}
	return run(ctx, hd.client, provision.ShellLine(cmd), cmd.Stdin)
}

// run executes line in a new session on client.
func run(ctx context.Context, client *ssh.Client, line string, stdin []byte) (pool.Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return pool.Result{}, fmt.Errorf("sshguest: open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return pool.Result{}, fmt.Errorf("sshguest: run: %w", ctx.Err())
	}

	res := pool.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		return res, fmt.Errorf("sshguest: run: %w", runErr)
	}
	return res, nil
}

func (d *Driver) Destroy(ctx context.Context, h pool.Handle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("sshguest: unexpected handle %T", h)
	}
	var resetErr error
	if d.opts.ResetCommand != "" {
		res, err := run(ctx, hd.client, d.opts.ResetCommand, nil)
		switch {
		case err != nil:
			resetErr = err
		case !res.Success():
			resetErr = fmt.Errorf("sshguest: reset command on %s: %w", hd.addr, res.Err())
		}
	}
	if err := hd.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		d.log.V(1).Info("closing ssh client", "addr", hd.addr, "error", err.Error())
	}
	if resetErr != nil {
		// A guest that could not be reset stays leased and is never reused.
		d.log.Error(resetErr, "guest quarantined", "addr", hd.addr)
		return resetErr
	}
	d.release(hd.addr)
	return nil
}

// Leased returns the number of guests currently leased.
func (d *Driver) Leased() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.leased)
}
