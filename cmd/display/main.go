// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/aggregator"
	"github.com/VILLASframework/heartrelay/pkg/config"
	"github.com/VILLASframework/heartrelay/pkg/playback"
	"github.com/VILLASframework/heartrelay/pkg/relay"
	"github.com/VILLASframework/heartrelay/pkg/store"
	"github.com/VILLASframework/heartrelay/pkg/transport"
)

func main() {
	fs := pflag.NewFlagSet("display", pflag.ExitOnError)
	flags := config.NewFlags(fs,
		func(c *config.Config) *string { return &c.Display.Addr },
		func(c *config.Config) *string { return &c.Display.Endpoint })
	fs.Parse(os.Args[1:]) //nolint:errcheck

	cfg, err := flags.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Display failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (aggregator.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}

		st, err := store.OpenSQLite(store.SQLiteConfig{
			Path:     cfg.Path,
			PoolSize: cfg.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}

		return st, st.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown store driver: '%s'", cfg.Driver)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.DefaultRegisterer

	endpoint, err := pkg.ParseEndpoint(cfg.Display.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	loc, err := cfg.Display.Location()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg.Display.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Failed to close store", slog.Any("error", err))
		}
	}()

	tp, err := transport.New(transport.Config{
		Endpoint:    endpoint,
		QueueLength: cfg.Display.QueueLength,
		Registerer:  reg,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer tp.Close()

	agg, err := aggregator.New(aggregator.Config{
		Store:    st,
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// The agent outlives ctx so that the open session is persisted on
	// shutdown.
	agent, err := relay.NewDisplayAgent(context.Background(), relay.DisplayAgentConfig{
		Transport:  tp,
		Aggregator: agg,
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(context.Background()); err != nil {
			logger.Error("Failed to persist session", slog.Any("error", err))
		}
	}()

	sleep, err := playback.NewSleepTimer(playback.SleepTimerConfig{
		Player: playback.NewTimedPlayer(playback.TimedPlayerConfig{
			Length: cfg.Display.TrackLength,
			Logger: logger,
		}),
		OnEnd: func() {
			if err := agent.StopHeartRate(context.Background()); err != nil {
				logger.Warn("Failed to stop heart rate after sleep timer", slog.Any("error", err))
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	agent.Activate(ctx)

	go agent.RunCheckpoints(ctx, cfg.Display.CheckpointInterval)

	r := mux.NewRouter()

	r.Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())

	a := &api{
		agent:      agent,
		aggregator: agg,
		sleep:      sleep,
		location:   loc,
	}
	a.register(r, reg)

	server := &http.Server{
		Addr:              cfg.Display.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown HTTP server", slog.Any("error", err))
		}
	}()

	logger.Info("Listening",
		slog.String("addr", cfg.Display.Addr),
		slog.String("endpoint", endpoint.String()))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen and serve: %w", err)
	}

	return nil
}
