package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/provision"
	"github.com/javanstorm/vmsandbox/internal/provision/workdir"
)

// sweeper is implemented by drivers that leave state outside work
// directories (containers).
type sweeper interface {
	Sweep(ctx context.Context, dryRun bool) ([]workdir.Orphan, error)
}

type sweepOptions struct {
	resource string
	dryRun   bool
}

type sweptResource struct {
	Resource string           `yaml:"resource"`
	Driver   string           `yaml:"driver"`
	Orphans  []workdir.Orphan `yaml:"orphans"`
	Error    string           `yaml:"error,omitempty"`
}

func newSweepCmd(a *app) *cobra.Command {
	o := &sweepOptions{}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove sandboxes left behind by crashed processes",
		Long: `Find sandboxes whose owning vmsandbox process on this host is gone and
destroy them: work directories of the local and hypervisor drivers, and
labelled containers of the docker driver.

Sandboxes owned by running processes or by other hosts are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSweep(cmd, o)
		},
	}
	cmd.Flags().StringVarP(&o.resource, "resource", "r", "", "only this resource (default: all)")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "report orphans without removing them")
	return cmd
}

func (a *app) runSweep(cmd *cobra.Command, o *sweepOptions) error {
	resources, err := a.selectResources(o.resource)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var swept []sweptResource
	var errs []error
	for _, r := range resources {
		orphans, err := a.sweepResource(ctx, r, o.dryRun)
		s := sweptResource{Resource: r.Name, Driver: r.Driver, Orphans: orphans}
		if err != nil {
			s.Error = err.Error()
			errs = append(errs, fmt.Errorf("resource %q: %w", r.Name, err))
		}
		swept = append(swept, s)
	}

	if a.output == outputYAML {
		if err := writeYAML(cmd.OutOrStdout(), swept); err != nil {
			return err
		}
	} else {
		printSweep(cmd.OutOrStdout(), swept, o.dryRun)
	}
	return errors.Join(errs...)
}

func (a *app) sweepResource(ctx context.Context, r config.Resource, dryRun bool) ([]workdir.Orphan, error) {
	opts := workdir.SweepOptions{DryRun: dryRun, Log: a.log.WithValues("resource", r.Name)}
	switch r.Driver {
	case config.DriverLocal:
		return workdir.Sweep(ctx, r.Local.BaseDir, opts)
	case config.DriverHypervisor:
		// Disk copies live in the work directories; the VMs died with
		// their process.
		return workdir.Sweep(ctx, r.Hypervisor.BaseDir, opts)
	case config.DriverSSH:
		// Guests are long-lived and reset on every release.
		return nil, nil
	}

	d, err := provision.New(r, a.log.WithValues("resource", r.Name))
	if err != nil {
		return nil, err
	}
	s, ok := d.(sweeper)
	if !ok {
		a.log.V(1).Info("driver keeps no state to sweep", "resource", r.Name, "driver", r.Driver)
		return nil, nil
	}
	return s.Sweep(ctx, dryRun)
}

func printSweep(w io.Writer, swept []sweptResource, dryRun bool) {
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}

	total := 0
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tDRIVER\tVM\tPID\tCREATED\tLOCATION")
	for _, s := range swept {
		for _, o := range s.Orphans {
			total++
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Resource, s.Driver, o.Record.ID, o.Record.PID,
				o.Record.CreatedAt.Format("2006-01-02 15:04:05"), o.Dir)
		}
	}
	if total > 0 {
		tw.Flush()
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d orphaned sandbox(es) %s\n", total, verb)

	for _, s := range swept {
		if s.Error != "" {
			fmt.Fprintf(w, "Error [%s]: %s\n", s.Resource, s.Error)
		}
	}
}
