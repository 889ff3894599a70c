// Package main provides the database migration CLI utility.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"docucore/internal/config"
	"docucore/internal/logging"
	"docucore/internal/migration"
	"docucore/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		migrationsRoot = flag.String("migrations", "./migrations", "Path to the migrations directory (contains sqlite/ and postgres/ subdirectories)")
		command        = flag.String("command", "up", "Command to execute: status, up")
	)
	flag.Parse()

	logger := logging.NewEnhancedLogger("migrate")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err.Error())
		return 1
	}

	db, err := storage.OpenDatabase(&cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		return 1
	}
	defer func() { _ = db.Close() }()

	dir := filepath.Join(*migrationsRoot, cfg.Database.Type)
	m := migration.NewMigrator(db, dir, cfg.Database.Type)
	ctx := context.Background()

	switch *command {
	case "status":
		return runStatus(ctx, m, logger)
	case "up":
		return runUp(ctx, m, logger)
	default:
		logger.Error("unknown command", "command", *command)
		fmt.Fprintln(os.Stderr, "usage: migrate -command=status|up [-migrations=./migrations]")
		return 1
	}
}

func runStatus(ctx context.Context, m *migration.Migrator, logger *logging.EnhancedLogger) int {
	pending, err := m.Pending(ctx)
	if err != nil {
		logger.Error("failed to determine pending migrations", "error", err.Error())
		return 1
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		logger.Error("failed to determine current version", "error", err.Error())
		return 1
	}

	logger.Info("migration status", "current_version", version, "pending_count", len(pending))
	for _, mig := range pending {
		logger.Info("pending migration", "version", mig.Version, "description", mig.Description)
	}
	return 0
}

func runUp(ctx context.Context, m *migration.Migrator, logger *logging.EnhancedLogger) int {
	applied, err := m.Up(ctx)
	if err != nil {
		logger.Error("migration failed", "error", err.Error())
		return 1
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		logger.Error("failed to read current version after migrating", "error", err.Error())
		return 1
	}
	logger.Info("migrations applied", "applied_count", applied, "current_version", version)
	return 0
}
