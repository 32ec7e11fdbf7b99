// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/fr4nsys/remedia/internal/catalog"
	"github.com/fr4nsys/remedia/internal/repository/postgres"
)

// RunMigrations runs database migrations
func RunMigrations(cfgFile, action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := postgres.New(ctx, cfg.Database.URL, postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	switch action {
	case "up":
		return db.Migrate(ctx)
	case "status":
		return db.MigrationStatus(ctx)
	default:
		// Handle down:N format
		if len(action) > 5 && action[:5] == "down:" {
			return db.MigrateDown(ctx, action[5:])
		}
		return fmt.Errorf("unknown migration action: %s", action)
	}
}

// LintRunbooks loads every runbook definition under dir and reports
// validation problems without touching the database.
func LintRunbooks(dir string) error {
	defs, err := catalog.LoadDir(dir)
	if err != nil {
		return err
	}

	bad := 0
	for _, def := range defs {
		if problems := def.Validate(); len(problems) > 0 {
			bad++
			fmt.Printf("FAIL %s (%s)\n", def.Name, def.File)
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
			continue
		}
		fmt.Printf("OK   %s (%d steps)\n", def.Name, len(def.Steps))
	}

	if bad > 0 {
		return fmt.Errorf("%d of %d runbook definitions failed validation", bad, len(defs))
	}
	fmt.Printf("%d runbook definitions valid\n", len(defs))
	return nil
}

// CheckConfig loads and validates the configuration, then prints it with
// secrets masked.
func CheckConfig(cfgFile string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.PrintMasked()
	fmt.Println("Configuration OK")
	return nil
}
