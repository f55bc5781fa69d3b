package commands

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
				"go":         runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			}
			if jsonOutput {
				return writeJSON(os.Stdout, info)
			}
			fmt.Printf("modrunner %s (commit: %s, built: %s, %s %s)\n",
				version, commit, buildDate, info["go"], info["platform"])
			return nil
		},
	}
}
