package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"ConsolLedger/internal/config"
	"ConsolLedger/internal/persistence"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list applied migrations")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CONSOL_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  CONSOL_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	configPath := flag.String("config", os.Getenv("CONSOL_CONFIG"), "path to the TOML config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	ctx := context.Background()
	db, err := persistence.OpenDB(ctx, cfg.Postgres.DSN, 2)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "status":
		versions, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		if len(versions) == 0 {
			fmt.Println("no migrations applied")
			return
		}
		fmt.Println("applied: " + strings.Join(versions, ", "))

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
