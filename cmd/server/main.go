// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/VILLASframework/heartrelay/pkg/config"
	"github.com/VILLASframework/heartrelay/pkg/hub"
)

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	flags := config.NewFlags(fs, func(c *config.Config) *string { return &c.Hub.Addr }, nil)
	fs.Parse(os.Args[1:]) //nolint:errcheck

	cfg, err := flags.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	h := hub.New(hub.Config{
		SessionExpiry: cfg.Hub.SessionExpiry,
		OutboxLength:  cfg.Hub.OutboxLength,
		Registerer:    prometheus.DefaultRegisterer,
		Logger:        logger,
	})

	r := mux.NewRouter()

	r.Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())

	h.Register(r)

	server := &http.Server{
		Addr:              cfg.Hub.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)

		h.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown HTTP server", slog.Any("error", err))
		}
	}()

	logger.Info("Listening", slog.String("addr", cfg.Hub.Addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Failed to listen and serve", slog.Any("error", err))
		os.Exit(1)
	}

	<-done
}
