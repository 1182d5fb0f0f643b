// Command ledgerctl is the administrative client for the compliance ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidleathers/edu-compliance-ledger/internal/app"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/config"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/telemetry"
)

const usage = `usage: ledgerctl [-config path] <command> [flags]

commands:
  record        append an audit event
  get           print one record
  query         print matching records
  verify        re-verify the hash chain
  report        generate, fetch or verify a compliance report
  export        write a signed export, optionally delivering it to S3
  dsr-submit    submit a data subject request
  dsr-advance   move a data subject request to a new status
  dsr-history   print a request's transitions from the ledger
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Keep stdout clean for command output.
	logger, err := telemetry.NewLogger("warn", cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return (&cli{app: a, out: stdout, errOut: stderr}).exec(ctx, fs.Args())
}
