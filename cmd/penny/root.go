package main

import (
	"github.com/spf13/cobra"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "penny",
	Short:         "Recurring transaction catch-up service",
	Long:          "penny materializes missed occurrences of recurring transactions and keeps account balances in step.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./penny.yaml", "path to config (json, yaml or toml)")
}
