package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmsandbox/internal/version"
)

type versionInfo struct {
	Version   string `yaml:"version"`
	Commit    string `yaml:"commit"`
	BuildDate string `yaml:"build_date"`
	Platform  string `yaml:"platform"`
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, commit hash, and build date of vmsandbox.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:   version.Version,
				Commit:    version.Commit,
				BuildDate: version.BuildDate,
				Platform:  version.Platform(),
			}
			w := cmd.OutOrStdout()
			if a.output == outputYAML {
				return writeYAML(w, info)
			}
			fmt.Fprintf(w, "vmsandbox %s\n", info.Version)
			fmt.Fprintf(w, "  Commit:     %s\n", info.Commit)
			fmt.Fprintf(w, "  Build Date: %s\n", info.BuildDate)
			fmt.Fprintf(w, "  Platform:   %s\n", info.Platform)
			return nil
		},
	}
}
