package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check registry, chunk store and vector index consistency",
	Long: `Cross-check every processed registry entry against its stored chunks and
index rows, and every index row against the registry. Inconsistencies are
reported, never repaired automatically.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.pipeline.Verify(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "registry, chunk store and vector index are consistent")
	return nil
}
