package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmsandbox/internal/config"
	"github.com/javanstorm/vmsandbox/internal/provision"
	"github.com/javanstorm/vmsandbox/internal/provision/sshguest"
)

func newResourcesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"res"},
		Short:   "Inspect declared resources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listResources(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List declared resources",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.listResources(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration for problems",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.validate(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "drivers",
			Short: "List the drivers compiled into this binary",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if a.output == outputYAML {
					return writeYAML(cmd.OutOrStdout(), provision.List())
				}
				for _, name := range provision.List() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
		newKeygenCmd(a),
	)
	return cmd
}

func (a *app) listResources(w io.Writer) error {
	if a.output == outputYAML {
		return writeYAML(w, a.cfg.Resources)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDRIVER\tPOLICY\tPROVISIONING\tCAPACITY\tIMAGE")
	for _, r := range a.cfg.Resources {
		name := r.Name
		if name == a.cfg.DefaultResource {
			name += " (default)"
		}
		image := r.Image.Name
		if image == "" {
			image = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", name, r.Driver, r.Policy, r.Provisioning, r.Capacity, image)
	}
	return tw.Flush()
}

type validationReport struct {
	File     string                   `yaml:"file,omitempty"`
	Valid    bool                     `yaml:"valid"`
	Problems []config.ValidationError `yaml:"problems,omitempty"`
}

func (a *app) validate(w io.Writer) error {
	problems := config.ValidateConfig(a.cfg)
	fatal := config.HasFatal(problems)

	if a.output == outputYAML {
		if err := writeYAML(w, validationReport{File: a.cfg.ConfigFileUsed(), Valid: !fatal, Problems: problems}); err != nil {
			return err
		}
	} else {
		if f := a.cfg.ConfigFileUsed(); f != "" {
			fmt.Fprintf(w, "Config file: %s\n", f)
		} else {
			fmt.Fprintln(w, "Config file: none (built-in defaults)")
		}
		if len(problems) == 0 {
			fmt.Fprintf(w, "Configuration OK: %d resource(s)\n", len(a.cfg.Resources))
		} else {
			fmt.Fprint(w, config.FormatValidationErrors(problems))
		}
	}

	if fatal {
		return errors.New("configuration is invalid")
	}
	return nil
}

func newKeygenCmd(a *app) *cobra.Command {
	var resource string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the SSH key pairs of ssh resources",
		Long: `Create the SSH key pair of every ssh resource that does not have one yet
and print the public key to install on its guests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := a.selectResources(resource)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			found := false
			for _, r := range resources {
				if r.Driver != config.DriverSSH {
					continue
				}
				found = true
				if err := printKey(w, r); err != nil {
					return err
				}
			}
			if !found {
				fmt.Fprintln(w, "No ssh resources declared.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "only this resource")
	return cmd
}

func printKey(w io.Writer, r config.Resource) error {
	keys := sshguest.NewKeyManager(r.SSH.KeyPath)
	existed := keys.KeyPairExists()
	if err := keys.EnsureKeyPair(); err != nil {
		return fmt.Errorf("resource %q: %w", r.Name, err)
	}
	pub, err := keys.PublicKeyContent()
	if err != nil {
		return fmt.Errorf("resource %q: %w", r.Name, err)
	}

	state := "generated"
	if existed {
		state = "existing"
	}
	fmt.Fprintf(w, "Resource %s (%s key)\n", r.Name, state)
	fmt.Fprintf(w, "  Private key: %s\n", keys.PrivateKeyPath())
	fmt.Fprintf(w, "  Public key:  %s\n", keys.PublicKeyPath())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Add it to %s@<guest>:~/.ssh/authorized_keys on %s:\n", r.SSH.User, strings.Join(r.SSH.Hosts, ", "))
	fmt.Fprintf(w, "    echo '%s' >> ~/.ssh/authorized_keys\n", strings.TrimSpace(pub))
	fmt.Fprintln(w)
	return nil
}
