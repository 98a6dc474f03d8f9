package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"userpipe/internal/platform/config"
	"userpipe/internal/platform/httpserver"
	"userpipe/internal/platform/logger"
)

const usage = `usage: userpipe <command> [flags]

commands:
  run     execute one pipeline run (-logical-date=RFC3339, default now)
  setup   create the destination table if it does not exist
  serve   start the admin API (manual triggers, run lookup, metrics)
`

// main dispatches to a subcommand. The external scheduler invokes
// "userpipe run" once per slot; everything else is operational tooling.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "run":
		code = runCommand(ctx, cfg, log, os.Args[2:])
	case "setup":
		code = setupCommand(ctx, cfg, log)
	case "serve":
		code = serveCommand(ctx, cfg, log)
	default:
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func runCommand(ctx context.Context, cfg config.Config, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	logicalDate := fs.String("logical-date", "", "schedule slot timestamp (RFC3339); defaults to now")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	slot := time.Now().UTC().Truncate(time.Second)
	if *logicalDate != "" {
		parsed, err := time.Parse(time.RFC3339, *logicalDate)
		if err != nil {
			log.Error("invalid -logical-date", "value", *logicalDate, "error", err)
			return 2
		}
		slot = parsed
	}

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}
	defer app.Close()

	outcome := app.Runner.Run(ctx, slot)
	if !outcome.Succeeded() {
		return 1
	}
	return 0
}

func setupCommand(ctx context.Context, cfg config.Config, log *slog.Logger) int {
	dest, db, err := openDestination(ctx, cfg)
	if err != nil {
		log.Error("connect destination", "error", err)
		return 1
	}
	defer db.Close()
	if err := dest.EnsureSchema(ctx); err != nil {
		log.Error("create destination table", "table", cfg.Destination.Table, "error", err)
		return 1
	}
	log.Info("destination table ready", "table", cfg.Destination.Table)
	return 0
}

func serveCommand(ctx context.Context, cfg config.Config, log *slog.Logger) int {
	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}
	defer app.Close()

	router, err := app.adminRouter(ctx, cfg)
	if err != nil {
		log.Error("build admin api", "error", err)
		return 1
	}
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, srv, log)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("admin server stopped", "error", err)
		return 1
	}
	return 0
}
