package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/netopt/pkg/config"
)

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy file utilities",
	}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate policy seed files without starting the controller",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				policies, err := config.LoadPolicyFile(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d policies OK\n", path, len(policies))
			}
			return nil
		},
	})
	return policyCmd
}
