package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("querypilot-migrate", flag.ContinueOnError)
	flags.SetOutput(stderr)
	command := flags.String("command", "up", "up|down|status")
	steps := flags.Int("steps", 0, "migrations to apply (0 = all) or roll back (0 = one)")
	timeout := flags.Duration("timeout", time.Minute, "overall deadline")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadFromEnv("querypilot-migrate")
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}
	if cfg.Examples.DSN == "" {
		fmt.Fprintln(stderr, "QUERYPILOT_EXAMPLES_DSN is required")
		return 1
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.Examples.DSN)
	if err != nil {
		fmt.Fprintf(stderr, "open example store: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(stderr, "ping example store: %v\n", err)
		return 1
	}

	runner := migrations.NewRunner()
	switch *command {
	case "up":
		n, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(stderr, "up failed after %d migration(s): %v\n", n, err)
			return 1
		}
		fmt.Fprintf(stdout, "applied %d migration(s)\n", n)
	case "down":
		n, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(stderr, "down failed after %d migration(s): %v\n", n, err)
			return 1
		}
		fmt.Fprintf(stdout, "rolled back %d migration(s)\n", n)
	case "status":
		status, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(stderr, "status failed: %v\n", err)
			return 1
		}
		for _, m := range status.Applied {
			fmt.Fprintf(stdout, "applied  %s  %s\n", m, m.Checksum[:12])
		}
		for _, m := range status.Pending {
			fmt.Fprintf(stdout, "pending  %s  %s\n", m, m.Checksum[:12])
		}
		if !status.Current() {
			return 3
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", *command)
		return 2
	}
	return 0
}
