package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/app"
	"github.com/atvirokodosprendimai/dbaspect/internal/config"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/usecase"
	"github.com/atvirokodosprendimai/dbaspect/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:  "dbaspect",
		Usage: "SQLite-backed JSON KV store with an audited, versioned data model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("DBASPECT_CONFIG"),
				Usage:   "Optional YAML config file",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "SQLite file path (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply ledger migrations and register the data model, then exit",
				Action: migrate,
			},
			{
				Name:  "snapshot",
				Usage: "Inspect model snapshots",
				Commands: []*cli.Command{
					{
						Name:  "latest",
						Usage: "Print the newest snapshot document",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "accessor", Usage: "Accessor name (defaults to config)"},
						},
						Action: snapshotLatest,
					},
				},
			},
			{
				Name:  "audit",
				Usage: "Read the audit trail",
				Commands: []*cli.Command{
					{
						Name:  "export",
						Usage: "Stream audit records as JSON lines, oldest first",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "table", Usage: "Only records for this table"},
							&cli.StringFlag{Name: "entity-id", Usage: "Only records for this entity"},
							&cli.StringFlag{Name: "after", Usage: "Resume after this audit record id"},
							&cli.IntFlag{Name: "batch", Value: 500, Usage: "Records per page"},
						},
						Action: auditExport,
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("db-path"); v != "" {
		cfg.DBPath = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, c *cli.Command) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	server, closer, err := app.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Error("close resources", zap.Error(closeErr))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func open(ctx context.Context, c *cli.Command) (*app.App, *zap.Logger, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func migrate(ctx context.Context, c *cli.Command) error {
	a, logger, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	latest, err := a.Snapshots.Latest(ctx, a.Config.AccessorName)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Info("migrated, snapshots disabled", zap.String("accessor", a.Config.AccessorName))
	case err != nil:
		return err
	default:
		logger.Info("migrated",
			zap.String("accessor", a.Config.AccessorName),
			zap.Int64("snapshot_version", latest.Version),
			zap.String("content_hash", latest.ContentHash))
	}
	return nil
}

func snapshotLatest(ctx context.Context, c *cli.Command) error {
	a, _, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	accessor := c.String("accessor")
	if accessor == "" {
		accessor = a.Config.AccessorName
	}
	rec, err := a.Snapshots.Latest(ctx, accessor)
	if err != nil {
		return fmt.Errorf("latest snapshot for %s: %w", accessor, err)
	}
	doc, err := a.Snapshots.Decode(rec)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func auditExport(ctx context.Context, c *cli.Command) error {
	a, _, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(os.Stdout)
	filter := domain.AuditFilter{
		TableName: c.String("table"),
		EntityID:  c.String("entity-id"),
		After:     c.String("after"),
	}
	return usecase.ReplayAudit(ctx, a.Audit, filter, int(c.Int("batch")), func(rec domain.AuditRecord) error {
		return enc.Encode(rec)
	})
}
