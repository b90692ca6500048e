/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "makebreak",
	Short: "Account and session backend for the makebreak editor",
	Long: `Account and session backend for the makebreak editor.

It serves the /api/auth endpoints, runs database migrations, delivers
queued email jobs and publishes email templates to object storage.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
