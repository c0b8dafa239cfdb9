package main

import (
	"Bastion/internal/config"
	"Bastion/internal/observability"
	"Bastion/internal/persistence"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config file] [-migrations-dir dir] <up|down|version>")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  version - print the latest applied migration")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  BASTION_DATABASE_EVENT_LOG_DSN - Postgres connection string (required)")
}

func main() {
	configFile := flag.String("config", "", "path to config file")
	envPath := flag.String("env-path", "", "directory holding .env files")
	migrationsDir := flag.String("migrations-dir", "migrations", "path to SQL migrations")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.LoadBastionConfig(*configFile, *envPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Database.EventLogDSN == "" {
		logger.Fatal().Msg("database.event_log_dsn is required")
	}

	db, err := sql.Open("postgres", cfg.Database.EventLogDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, *migrationsDir)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "version":
		version, err := migrator.Version(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read version")
		}
		if version == "" {
			version = "none"
		}
		fmt.Println(version)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'version')\n", flag.Arg(0))
		os.Exit(1)
	}
}
