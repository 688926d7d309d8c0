// Package main is the entry point for the netopt binary.
// It runs the policy-driven network optimization controller and its admin API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for netopt
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netopt",
		Short: "Policy-driven network optimization controller",
		Long: `netopt measures latency and bandwidth between registered endpoints,
evaluates traffic-engineering policies against those measurements and installs
reroute or QoS flow rules through the SDN controller.

Example:
  netopt serve --config netopt.yaml`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newPolicyCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the netopt version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "netopt %s (%s)\n", version, commit)
		},
	}
}
