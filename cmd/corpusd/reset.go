package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var resetConfirm bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the registry, chunk store and vector index together",
	Long: `Delete all ingested state: registry, full text, chunk records and the
vector index. The stores are always wiped together; partial deletion is
not supported. Requires --confirm.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "confirm", false, "actually perform the reset")
}

func runReset(cmd *cobra.Command, _ []string) error {
	if !resetConfirm {
		return errors.New("refusing to reset without --confirm")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.pipeline.Reset(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "all stores reset")
	return nil
}
