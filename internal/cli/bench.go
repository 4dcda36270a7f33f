package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/task"
	"github.com/javanstorm/vmsandbox/internal/timing"
)

type benchOptions struct {
	resource    string
	tasks       int
	concurrency int
	metricsAddr string
	linger      time.Duration
}

// benchSummary is the outcome of a bench run.
type benchSummary struct {
	Resource    string `yaml:"resource"`
	Tasks       int    `yaml:"tasks"`
	Concurrency int    `yaml:"concurrency"`
	Succeeded   int    `yaml:"succeeded"`
	NonZeroExit int    `yaml:"non_zero_exit"`
	Errors      int    `yaml:"errors"`
	Broken      int    `yaml:"broken"`

	Wall    time.Duration  `yaml:"wall"`
	Borrow  latencySummary `yaml:"borrow"`
	Execute latencySummary `yaml:"execute"`

	Pools []pool.Stats `yaml:"pools"`
}

type latencySummary struct {
	P50 time.Duration `yaml:"p50"`
	P95 time.Duration `yaml:"p95"`
	Max time.Duration `yaml:"max"`
}

func newBenchCmd(a *app) *cobra.Command {
	o := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench [flags] -- command [args...]",
		Short: "Run a command many times concurrently against one resource",
		Long: `Run a command as many concurrent tasks against one resource and report
borrow and execution latencies.

With --metrics-addr the pool metrics are served in the Prometheus format at
/metrics while the benchmark runs (and for --linger afterwards).`,
		Example: `  vmsandbox bench -n 100 -c 8 -- true
  vmsandbox bench -r docker-alpine --metrics-addr :9100 -- sleep 0.1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBench(cmd, o, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.resource, "resource", "r", "", "resource to run on (default: default_resource)")
	f.IntVarP(&o.tasks, "tasks", "n", 20, "number of tasks to run")
	f.IntVarP(&o.concurrency, "concurrency", "c", 4, "tasks running at the same time")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.DurationVar(&o.linger, "linger", 0, "keep serving metrics this long after the run")
	return cmd
}

type benchResult struct {
	report *task.Report
	err    error
}

func (a *app) runBench(cmd *cobra.Command, o *benchOptions, args []string) error {
	if o.tasks < 1 || o.concurrency < 1 {
		return errors.New("--tasks and --concurrency must be at least 1")
	}
	res, err := a.cfg.Resource(o.resource)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pool.NewMetrics(reg)

	ctx := logr.NewContext(cmd.Context(), a.log)
	if o.metricsAddr != "" {
		stop, err := a.serveMetrics(o.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	registry := a.newRegistry(metrics)
	defer a.shutdown(ctx, registry)

	jobs := make(chan int)
	results := make([]benchResult, o.tasks)
	start := time.Now()

	var wg sync.WaitGroup
	for range min(o.concurrency, o.tasks) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rep, err := task.Run(ctx, registry, task.Task{
					Name:     fmt.Sprintf("bench-%d", i),
					Resource: res,
					Command:  pool.Command{Args: args},
				})
				results[i] = benchResult{report: rep, err: err}
			}
		}()
	}
feed:
	for i := range o.tasks {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	summary := summarize(res.Name, o, results, time.Since(start))
	summary.Pools = registry.Stats()

	if a.output == outputYAML {
		if err := writeYAML(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	} else {
		printBenchSummary(cmd.OutOrStdout(), summary)
	}

	if o.metricsAddr != "" && o.linger > 0 {
		a.log.Info("serving metrics", "addr", o.metricsAddr, "for", o.linger)
		select {
		case <-time.After(o.linger):
		case <-ctx.Done():
		}
	}
	if summary.Errors > 0 {
		return fmt.Errorf("%d of %d tasks failed", summary.Errors, summary.Tasks)
	}
	return ctx.Err()
}

// serveMetrics starts a /metrics endpoint. The returned func stops it.
func (a *app) serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(err, "metrics server stopped")
		}
	}()
	a.log.Info("metrics endpoint listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func summarize(resource string, o *benchOptions, results []benchResult, wall time.Duration) benchSummary {
	s := benchSummary{
		Resource:    resource,
		Tasks:       o.tasks,
		Concurrency: o.concurrency,
		Wall:        wall,
	}
	var borrow, execute []time.Duration
	for _, r := range results {
		if r.report == nil {
			// never started
			s.Errors++
			continue
		}
		if r.report.Broken {
			s.Broken++
		}
		switch {
		case r.err != nil:
			s.Errors++
		case !r.report.Result.Success():
			s.NonZeroExit++
		default:
			s.Succeeded++
		}
		for _, p := range r.report.Timings {
			switch p.Name {
			case timing.PhaseBorrow:
				borrow = append(borrow, p.Duration)
			case timing.PhaseExecute:
				execute = append(execute, p.Duration)
			}
		}
	}
	s.Borrow = latencies(borrow)
	s.Execute = latencies(execute)
	return s
}

func latencies(ds []time.Duration) latencySummary {
	if len(ds) == 0 {
		return latencySummary{}
	}
	slices.Sort(ds)
	return latencySummary{
		P50: percentile(ds, 0.50),
		P95: percentile(ds, 0.95),
		Max: ds[len(ds)-1],
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(i, 0)]
}

func printBenchSummary(w io.Writer, s benchSummary) {
	fmt.Fprintf(w, "Resource:    %s\n", s.Resource)
	fmt.Fprintf(w, "Tasks:       %d (concurrency %d)\n", s.Tasks, s.Concurrency)
	fmt.Fprintf(w, "Succeeded:   %d\n", s.Succeeded)
	fmt.Fprintf(w, "Non-zero:    %d\n", s.NonZeroExit)
	fmt.Fprintf(w, "Errors:      %d\n", s.Errors)
	fmt.Fprintf(w, "Broken VMs:  %d\n", s.Broken)
	fmt.Fprintf(w, "Wall time:   %s\n", timing.FormatDuration(s.Wall))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tP50\tP95\tMAX")
	for _, row := range []struct {
		name string
		l    latencySummary
	}{{"borrow", s.Borrow}, {"execute", s.Execute}} {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.name,
			timing.FormatDuration(row.l.P50), timing.FormatDuration(row.l.P95), timing.FormatDuration(row.l.Max))
	}
	tw.Flush()

	if len(s.Pools) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tCAPACITY\tIDLE\tIN USE\tPROVISIONED\tBORROWED\tBROKEN")
	for _, p := range s.Pools {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			p.Name, p.Capacity, p.Idle, p.InUse, p.Totals.Provisioned, p.Totals.Borrowed, p.Totals.Broken)
	}
	tw.Flush()
}
