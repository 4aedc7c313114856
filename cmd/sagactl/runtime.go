package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/fortressi/saga/internal/config"
	"github.com/fortressi/saga/internal/logging"
	"github.com/fortressi/saga/internal/telemetry"
	"github.com/fortressi/saga/storage/sqlite"
)

// runtime is what every command needs: configuration, logging, tracing and
// the open database.
type runtime struct {
	cfg      config.Config
	handler  slog.Handler
	logger   *slog.Logger
	tracer   trace.TracerProvider
	shutdown telemetry.ShutdownFunc
	store    *sqlite.Store
	out      io.Writer
}

func openRuntime(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cmd.String("db"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	handler := logging.NewHandler(cfg.Log.Format, cfg.Log.Level, cmd.Root().ErrWriter)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	tp, shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(ctx, cfg.SQLite.Path)
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}

	logger.Debug("Runtime ready", "db", cfg.SQLite.Path, "tracing", cfg.Telemetry.Endpoint != "")
	return &runtime{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		tracer:   tp,
		shutdown: shutdown,
		store:    store,
		out:      cmd.Root().Writer,
	}, nil
}

func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := rt.shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// withRuntime wraps an action so it runs with an open runtime that is closed
// afterwards.
func withRuntime(action func(context.Context, *cli.Command, *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) (err error) {
		rt, err := openRuntime(ctx, cmd)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := rt.Close(ctx); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}()
		return action(ctx, cmd, rt)
	}
}
