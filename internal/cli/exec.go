package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmsandbox/internal/pool"
	"github.com/javanstorm/vmsandbox/internal/task"
	"github.com/javanstorm/vmsandbox/internal/timing"
)

type execOptions struct {
	resource    string
	env         map[string]string
	dir         string
	interactive bool
	timeout     time.Duration
	timings     bool
}

// execOutput is the yaml form of an exec run.
type execOutput struct {
	Report   *task.Report `yaml:"report"`
	ExitCode int          `yaml:"exit_code"`
	Duration string       `yaml:"duration"`
	Stdout   string       `yaml:"stdout"`
	Stderr   string       `yaml:"stderr"`
}

func newExecCmd(a *app) *cobra.Command {
	o := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a command in a sandbox",
		Long: `Borrow a sandbox from a resource's pool, run one command in it and give it back.

The command's output is copied to this process and its exit status becomes
the exit status of vmsandbox. If the sandbox cannot be reached it is marked
broken and destroyed.`,
		Example: `  vmsandbox exec -- uname -a
  vmsandbox exec -r docker-alpine -e CI=1 -- sh -c 'echo $CI'
  echo hello | vmsandbox exec -i -- cat`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExec(cmd, o, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.resource, "resource", "r", "", "resource to run on (default: default_resource)")
	f.StringToStringVarP(&o.env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	f.StringVarP(&o.dir, "workdir", "w", "", "working directory inside the sandbox")
	f.BoolVarP(&o.interactive, "interactive", "i", false, "pass standard input to the command")
	f.DurationVar(&o.timeout, "timeout", 0, "abort the command after this long (0 = no limit)")
	f.BoolVar(&o.timings, "timings", false, "print phase timings to stderr")
	return cmd
}

func (a *app) runExec(cmd *cobra.Command, o *execOptions, args []string) error {
	res, err := a.cfg.Resource(o.resource)
	if err != nil {
		return err
	}

	var stdin []byte
	if o.interactive {
		if stdin, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	ctx := logr.NewContext(cmd.Context(), a.log)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	reg := a.newRegistry(nil)
	defer a.shutdown(ctx, reg)

	rep, err := task.Run(ctx, reg, task.Task{
		Name:     "exec",
		Resource: res,
		Command:  pool.Command{Args: args, Env: o.env, Dir: o.dir, Stdin: stdin},
	})
	if o.timings {
		timing.Report(cmd.ErrOrStderr(), "vmsandbox exec", rep.Timings)
	}
	if err != nil {
		return err
	}

	result := rep.Result
	if a.output == outputYAML {
		if err := writeYAML(cmd.OutOrStdout(), execOutput{
			Report:   rep,
			ExitCode: result.ExitCode,
			Duration: timing.FormatDuration(result.Duration),
			Stdout:   string(result.Stdout),
			Stderr:   string(result.Stderr),
		}); err != nil {
			return err
		}
	} else {
		cmd.OutOrStdout().Write(result.Stdout)
		cmd.ErrOrStderr().Write(result.Stderr)
	}

	if !result.Success() {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}
