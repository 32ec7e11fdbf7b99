// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fr4nsys/remedia/internal/app"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "remedia",
	Short: "Runbook-driven incident remediation engine",
	Long:  `remedia executes operational runbooks against infrastructure targets, with trigger matching, approval gates, and safety controls (blackout windows, rate limits, circuit breakers).`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long:  `Start the remedia API server, scheduler, and trigger matcher.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(cfgFile)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunMigrations(cfgFile, "up")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [N]",
	Short: "Rollback N migrations (default: 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := "1"
		if len(args) > 0 {
			steps = args[0]
		}
		return app.RunMigrations(cfgFile, "down:"+steps)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunMigrations(cfgFile, "status")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		app.PrintVersion()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.CheckConfig(cfgFile)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration (sensitive values masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg.PrintMasked()
		return nil
	},
}

var runbookCmd = &cobra.Command{
	Use:   "runbook",
	Short: "Runbook catalog commands",
}

var runbookLintCmd = &cobra.Command{
	Use:   "lint [DIR]",
	Short: "Validate runbook definitions in a directory",
	Long: `Load every runbook YAML definition under DIR and report validation
problems without touching the database. Defaults to the configured
catalog directory when DIR is omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		if dir == "" {
			cfg, err := app.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			dir = cfg.Catalog.Dir
		}
		if dir == "" {
			return fmt.Errorf("no directory given and no catalog.dir configured")
		}
		return app.LintRunbooks(dir)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: /etc/remedia/config.yaml or ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)

	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	runbookCmd.AddCommand(runbookLintCmd)
	rootCmd.AddCommand(runbookCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
