package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the shroud version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shroud %s\n", Version)
	},
}
