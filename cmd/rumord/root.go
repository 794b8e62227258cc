package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rumord",
	Short: "rumormill gossip daemon",
	Long: `rumord runs one member of a rumormill cluster. Members spread membership,
service, configuration, election and zone rumors to each other by gossip.`,
	Version: version + " (" + gitSHA + ")",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
