package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|rebuild-projections>")
	fmt.Println("  up                   - apply all pending migrations")
	fmt.Println("  down                 - roll back the last migration")
	fmt.Println("  status               - list migrations and whether they are applied")
	fmt.Println("  rebuild-projections  - rebuild projection tables from the event log")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CDP_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  CDP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
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

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range status {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s\n", mark, s.Filename)
		}

	case "rebuild-projections":
		if err := projection.RebuildProjections(ctx, db, logger); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
