package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/config"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/database"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/telemetry"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "Path to configuration file")
		databaseURL = fs.String("database-url", "", "PostgreSQL URL (overrides storage.database_url)")
		action      = fs.String("action", "up", "Migration action: up, down, version")
		steps       = fs.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	url := *databaseURL
	logger := zap.NewNop()
	if url == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		url = cfg.Storage.DatabaseURL
		if logger, err = telemetry.NewLogger(cfg.LogLevel, cfg.Environment); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}
	if url == "" {
		return fmt.Errorf("no database url: set storage.database_url or -database-url")
	}

	m, err := database.NewMigrator(url, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	switch *action {
	case "up":
		err = m.Up(*steps)
	case "down":
		err = m.Down(*steps)
	case "version":
	default:
		return fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "version=%d dirty=%t\n", v, dirty)
	return nil
}
