package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/livesync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of livesync.",
		Long: "Print the version of livesync. A source and destination can " +
			"sync with each other if their major and minor versions match.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("livesync version: %s\n", version.Version)
		},
	}
}
