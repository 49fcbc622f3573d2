package cli

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"built"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd(commit, date string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo{
				Version:   versionString(),
				Commit:    commit,
				BuiltAt:   date,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if asJSON {
				return printJSON(info)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "devicegate\t%s\n", info.Version)
			fmt.Fprintf(tw, "commit\t%s\n", info.Commit)
			fmt.Fprintf(tw, "built\t%s\n", info.BuiltAt)
			fmt.Fprintf(tw, "go\t%s\n", info.GoVersion)
			fmt.Fprintf(tw, "platform\t%s\n", info.Platform)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")
	return cmd
}
