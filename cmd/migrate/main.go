package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/config"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/telemetry"
)

// migrator is the subset of database.Migrator the commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
}

type command struct {
	action string
	steps  int
}

func parseCommand(args []string) (command, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	action := fs.String("action", "up", "Migration action: up, down, steps, version")
	steps := fs.Int("steps", 0, "Number of migrations for the steps action; negative reverts")
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	switch *action {
	case "up", "down", "version":
	case "steps":
		if *steps == 0 {
			return command{}, fmt.Errorf("steps action requires a non-zero -steps")
		}
	default:
		return command{}, fmt.Errorf("unknown action %q", *action)
	}
	return command{action: *action, steps: *steps}, nil
}

func (c command) run(m migrator, logger *zap.Logger) error {
	switch c.action {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "steps":
		return m.Steps(c.steps)
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
	}
	return nil
}

func main() {
	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	m, err := database.NewMigrator(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to create migrator", zap.Error(err))
	}
	runErr := cmd.run(m, logger)
	if err := m.Close(); err != nil {
		logger.Warn("failed to close migrator", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("migration failed", zap.String("action", cmd.action), zap.Error(runErr))
	}
}
