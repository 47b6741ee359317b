package main

import (
	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint/internal/cli"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the store's tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)

		if err := a.engine.Setup(cmd.Context()); err != nil {
			return err
		}
		cli.PrintSystemMessage(cmd.OutOrStdout(), "%s store ready", a.cfg.Store.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
