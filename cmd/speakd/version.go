package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/speakd/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		v := Version
		if v == "" {
			v = "dev"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "speakd %s (api %s)\n", v, app.Version)
	},
}
