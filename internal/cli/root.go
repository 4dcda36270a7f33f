// Package cli provides the command-line interface for vmsandbox.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/logging"
	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/resource"
	"github.com/javanstorm/vmsandbox/internal/version"
)

// shutdownTimeout bounds the teardown of every pool when a command ends.
const shutdownTimeout = 2 * time.Minute

// ExitError carries the exit status of a sandboxed command so that the
// binary can exit with it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

// app holds the state shared by all commands of one invocation.
type app struct {
	configPath string
	verbosity  int
	logFormat  string
	output     string

	cfg *config.Config
	log logr.Logger
}

// NewRootCmd builds the vmsandbox command tree.
func NewRootCmd() *cobra.Command {
	a := &app{log: logr.Discard()}

	root := &cobra.Command{
		Use:     "vmsandbox",
		Version: version.String(),
		Short:   "vmsandbox - run commands in pooled, disposable sandboxes",
		Long: `vmsandbox runs commands inside sandboxes borrowed from bounded pools.

Resources are declared in config.yaml. Each resource names a driver (local,
docker, ssh or hypervisor), a capacity and a sharing policy. Sandboxes are
provisioned on demand, reused between commands and destroyed when they
break or the pool shuts down.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that don't need it
			switch cmd.Name() {
			case "version", "completion", "help", "drivers":
				return checkOutputFormat(a.output)
			}
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().AddFlagSet(a.flags())

	root.AddCommand(newExecCmd(a))
	root.AddCommand(newBenchCmd(a))
	root.AddCommand(newResourcesCmd(a))
	root.AddCommand(newSweepCmd(a))
	root.AddCommand(newVersionCmd(a))
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("global", pflag.ContinueOnError)
	fs.StringVar(&a.configPath, "config", "", "config file (default: config.yaml in the data or config directory)")
	fs.CountVarP(&a.verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	fs.StringVar(&a.logFormat, "log-format", "", "log format: auto, text or json (default from config)")
	fs.StringVarP(&a.output, "output", "o", outputText, "output format: text or yaml")
	return fs
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := checkOutputFormat(a.output); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	format := cfg.LogFormat
	if a.logFormat != "" {
		format = a.logFormat
	}
	log, err := logging.New(logging.Options{
		Verbosity: max(cfg.LogLevel, a.verbosity),
		Format:    format,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log

	if f := cfg.ConfigFileUsed(); f != "" {
		log.V(1).Info("loaded configuration", "file", f)
	}

	problems := config.ValidateConfig(cfg)
	for _, p := range problems {
		if !p.Fatal {
			log.Info("configuration warning", "field", p.Field, "message", p.Message)
		}
	}
	// validate reports problems itself.
	if config.HasFatal(problems) && cmd.Name() != "validate" {
		return errors.New(config.FormatValidationErrors(problems))
	}
	return nil
}

func (a *app) newRegistry(metrics *pool.Metrics) *resource.Registry {
	return resource.NewRegistry(resource.WithLogger(a.log), resource.WithMetrics(metrics))
}

// shutdown tears down every pool of reg, even when ctx is already done.
func (a *app) shutdown(ctx context.Context, reg *resource.Registry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		a.log.Error(err, "shutting down pools")
	}
}

// selectResources returns the named resource, or every resource when
// name is empty.
func (a *app) selectResources(name string) ([]config.Resource, error) {
	if name == "" {
		return a.cfg.Resources, nil
	}
	r, err := a.cfg.Resource(name)
	if err != nil {
		return nil, err
	}
	return []config.Resource{r}, nil
}
