package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the canadapter version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("canadapter", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
