// Command migrate manages the deals schema with the embedded goose migrations.
//
// Usage:
//
//	migrate up              apply pending migrations
//	migrate down            roll back the latest migration
//	migrate up-to <n>       apply up to version n
//	migrate down-to <n>     roll back to version n
//	migrate status          list migrations and whether they are applied
//	migrate version         print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/migrations"
)

var errUsage = errors.New("usage: migrate up|down|up-to <n>|down-to <n>|status|version")

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := run(context.Background(), logger, os.Args[1:]); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	p, err := migrations.Provider(db)
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		results, err := p.Up(ctx)
		logResults(logger, results)
		return err
	case "down":
		res, err := p.Down(ctx)
		if res != nil {
			logResults(logger, []*goose.MigrationResult{res})
		}
		return err
	case "up-to", "down-to":
		if len(args) < 2 {
			return errUsage
		}
		version, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		var results []*goose.MigrationResult
		if args[0] == "up-to" {
			results, err = p.UpTo(ctx, version)
		} else {
			results, err = p.DownTo(ctx, version)
		}
		logResults(logger, results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := ""
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			logger.Info("migration", "version", st.Source.Version, "file", st.Source.Path, "state", st.State, "applied_at", applied)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", v)
		return nil
	default:
		return errUsage
	}
}

func logResults(logger *slog.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("no migrations to apply")
		return
	}
	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"file", r.Source.Path,
			"direction", r.Direction,
			"duration", r.Duration,
		)
	}
}
