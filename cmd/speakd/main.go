// Command speakd is the local text-to-speech queue daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version as provided by the release build.
var Version = ""

var (
	configFile string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "speakd",
		Short:         "Queue text for speech and play it on this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the YAML configuration file (default: per-user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, voicesCmd, cacheCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "speakd: %v\n", err)
		os.Exit(1)
	}
}
