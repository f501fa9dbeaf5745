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
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/config"
	"github.com/VILLASframework/heartrelay/pkg/httpapi"
	"github.com/VILLASframework/heartrelay/pkg/relay"
	"github.com/VILLASframework/heartrelay/pkg/sensor"
	"github.com/VILLASframework/heartrelay/pkg/transport"
)

func main() {
	fs := pflag.NewFlagSet("sensor", pflag.ExitOnError)
	flags := config.NewFlags(fs,
		func(c *config.Config) *string { return &c.Sensor.MetricsAddr },
		func(c *config.Config) *string { return &c.Sensor.Endpoint })
	fs.Parse(os.Args[1:]) //nolint:errcheck

	cfg, err := flags.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Sensor failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.DefaultRegisterer

	endpoint, err := pkg.ParseEndpoint(cfg.Sensor.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	simCfg := cfg.Sensor.Simulator
	simCfg.Logger = logger
	source := sensor.NewSimulator(simCfg)

	tp, err := transport.New(transport.Config{
		Endpoint:    endpoint,
		QueueLength: cfg.Sensor.QueueLength,
		Registerer:  reg,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer tp.Close()

	// The agent outlives ctx so that Close ends the measurement session.
	agent, err := relay.NewSensorAgent(context.Background(), relay.SensorAgentConfig{
		Transport:      tp,
		Source:         source,
		Session:        cfg.Sensor.Session,
		StatusInterval: cfg.Sensor.StatusInterval,
		Registerer:     reg,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	agent.Activate(ctx)

	r := mux.NewRouter()

	r.Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())

	httpapi.Health(r)

	server := &http.Server{
		Addr:              cfg.Sensor.MetricsAddr,
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
		slog.String("addr", cfg.Sensor.MetricsAddr),
		slog.String("endpoint", endpoint.String()))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen and serve: %w", err)
	}

	return nil
}
