package hypervisor

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/vmsandbox/internal/pool"
	hv "github.com/javanstorm/vmsandbox/pkg/hypervisor"
)

// console runs shell command lines on a guest serial console.
//
// Each command is wrapped in a script that captures stdout and stderr to
// temporary files and prints them base64 encoded between marker lines
// carrying a fresh id. Anything else on the console (boot messages, the
// echo of the script itself, frames of abandoned commands) is skipped.
type console struct {
	in    io.Writer
	lines chan string
	done  chan struct{} // closed when the reader exits
	stop  chan struct{}
	once  sync.Once

	mu sync.Mutex // one command at a time
}

func newConsole(in io.Writer, out io.Reader) *console {
	c := &console{
		in:    in,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go c.read(out)
	return c
}

func (c *console) read(out io.Reader) {
	defer close(c.done)
	r := bufio.NewReader(out)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case c.lines <- strings.TrimRight(line, "\r\n"):
			case <-c.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// close stops the reader. The caller closes the underlying pipes.
func (c *console) close() {
	c.once.Do(func() { close(c.stop) })
}

// script renders the framed form of line.
func script(id, line string, stdin []byte) string {
	body := fmt.Sprintf("( %s ) </dev/null >$__vo 2>$__ve", line)
	if stdin != nil {
		body = fmt.Sprintf("printf '%%s' '%s' | base64 -d | ( %s ) >$__vo 2>$__ve",
			base64.StdEncoding.EncodeToString(stdin), line)
	}
	// The markers are printed with printf so the echoed script never
	// contains them verbatim.
	return fmt.Sprintf("{ __vo=$(mktemp); __ve=$(mktemp); %s; __vr=$?; "+
		"printf '%%s-%%s\\n' BEGIN %s; base64 $__vo; "+
		"printf '%%s-%%s\\n' SPLIT %s; base64 $__ve; "+
		"printf '%%s-%%s %%s\\n' END %s $__vr; rm -f $__vo $__ve; }\n",
		body, id, id, id)
}

// exec runs line on the guest and waits for its frame.
func (c *console) exec(ctx context.Context, line string, stdin []byte) (pool.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	start := time.Now()
	if _, err := io.WriteString(c.in, script(id, line, stdin)); err != nil {
		return pool.Result{}, fmt.Errorf("%w: %w", hv.ErrConsoleClosed, err)
	}

	begin, split, end := "BEGIN-"+id, "SPLIT-"+id, "END-"+id+" "
	var stdout, stderr strings.Builder
	section := 0 // 0 = before BEGIN, 1 = stdout, 2 = stderr
	for {
		var l string
		select {
		case <-ctx.Done():
			return pool.Result{}, fmt.Errorf("hypervisor: %w", ctx.Err())
		case <-c.done:
			// Drain lines read before the console closed.
			select {
			case l = <-c.lines:
			default:
				return pool.Result{}, hv.ErrConsoleClosed
			}
		case l = <-c.lines:
		}

		switch {
		case l == begin:
			section = 1
		case section == 1 && l == split:
			section = 2
		case section == 2 && strings.HasPrefix(l, end):
			code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(l, end)))
			if err != nil {
				return pool.Result{}, fmt.Errorf("hypervisor: malformed exit status %q", l)
			}
			out, err := base64.StdEncoding.DecodeString(stdout.String())
			if err != nil {
				return pool.Result{}, fmt.Errorf("hypervisor: decode stdout: %w", err)
			}
			errOut, err := base64.StdEncoding.DecodeString(stderr.String())
			if err != nil {
				return pool.Result{}, fmt.Errorf("hypervisor: decode stderr: %w", err)
			}
			return pool.Result{ExitCode: code, Stdout: out, Stderr: errOut, Duration: time.Since(start)}, nil
		case section == 1:
			stdout.WriteString(strings.TrimSpace(l))
		case section == 2:
			stderr.WriteString(strings.TrimSpace(l))
		}
	}
}

// waitReady probes the guest until a command completes or ctx ends.
func (c *console) waitReady(ctx context.Context, attempt time.Duration) error {
	for {
		probe, cancel := context.WithTimeout(ctx, attempt)
		res, err := c.exec(probe, "true", nil)
		cancel()
		if err == nil && res.Success() {
			return nil
		}
		if errors.Is(err, hv.ErrConsoleClosed) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("hypervisor: guest did not answer: %w", ctx.Err())
		}
	}
}
