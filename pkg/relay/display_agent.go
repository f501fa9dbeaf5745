// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/aggregator"
	"github.com/VILLASframework/heartrelay/pkg/clock"
	"github.com/VILLASframework/heartrelay/pkg/loop"
)

type DisplayAgentConfig struct {
	Transport  Transport
	Aggregator *aggregator.Aggregator

	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// DisplayAgent runs on the phone. It commands the sensor and feeds the
// samples it receives into the session aggregator.
type DisplayAgent struct {
	transport  Transport
	aggregator *aggregator.Aggregator
	clock      clock.Clock

	loop *loop.Loop

	// Owned by the loop.
	bpm    float64
	hasBPM bool

	metrics *displayMetrics
	logger  *slog.Logger
}

func NewDisplayAgent(ctx context.Context, cfg DisplayAgentConfig) (*DisplayAgent, error) {
	if cfg.Transport == nil {
		return nil, errors.New("display agent: Transport is required")
	}
	if cfg.Aggregator == nil {
		return nil, errors.New("display agent: Aggregator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &DisplayAgent{
		transport:  cfg.Transport,
		aggregator: cfg.Aggregator,
		clock:      cfg.Clock,
		loop:       loop.New(ctx),
		metrics:    newDisplayMetrics(cfg.Registerer),
		logger:     cfg.Logger.With(slog.String("component", "display-agent")),
	}

	a.transport.OnSampleMessage(func(m pkg.SampleMessage) {
		a.loop.Post(func() { a.sampleReceived(m.BPM) })
	})

	a.transport.OnStatusMessage(func(m pkg.StatusMessage) {
		a.logger.Debug("Received status", slog.String("status", m.Status))
	})

	a.transport.OnReachabilityChanged(func(reachable bool) {
		a.logger.Info("Sensor reachability changed", slog.Bool("reachable", reachable))
	})

	return a, nil
}

// Activate brings up the transport session.
func (a *DisplayAgent) Activate(ctx context.Context) {
	a.transport.Activate(ctx)
}

// StartHeartRate opens a new telemetry session, replacing any session
// recorded earlier the same day, and tells the sensor to start.
func (a *DisplayAgent) StartHeartRate(ctx context.Context) error {
	var err error
	if lerr := a.loop.Do(func() { err = a.startHeartRate(ctx) }); lerr != nil {
		return lerr
	}

	return err
}

func (a *DisplayAgent) startHeartRate(ctx context.Context) error {
	if !a.transport.IsReachable() {
		a.logger.Warn("Cannot start heart rate, sensor unreachable")
		a.metrics.commands.WithLabelValues(string(pkg.CommandStart), "unreachable").Inc()
		return ErrTransportUnreachable
	}

	if _, err := a.aggregator.Begin(ctx); err != nil {
		a.metrics.commands.WithLabelValues(string(pkg.CommandStart), "error").Inc()
		return fmt.Errorf("failed to begin session: %w", err)
	}

	a.transport.Send(pkg.ControlMessage{Command: pkg.CommandStart})
	a.metrics.commands.WithLabelValues(string(pkg.CommandStart), "sent").Inc()

	return nil
}

// StopHeartRate closes the open telemetry session and tells the sensor
// to stop. While the sensor is unreachable nothing happens and it keeps
// streaming.
func (a *DisplayAgent) StopHeartRate(ctx context.Context) error {
	var err error
	if lerr := a.loop.Do(func() { err = a.stopHeartRate(ctx) }); lerr != nil {
		return lerr
	}

	return err
}

func (a *DisplayAgent) stopHeartRate(ctx context.Context) error {
	if !a.transport.IsReachable() {
		a.logger.Warn("Cannot stop heart rate, sensor unreachable")
		a.metrics.commands.WithLabelValues(string(pkg.CommandStop), "unreachable").Inc()
		return ErrTransportUnreachable
	}

	_, err := a.aggregator.Close(ctx)

	a.transport.Send(pkg.ControlMessage{Command: pkg.CommandStop})
	a.metrics.commands.WithLabelValues(string(pkg.CommandStop), "sent").Inc()

	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	return nil
}

// BPM returns the most recent heart rate. ok is false if no sample has
// been received yet.
func (a *DisplayAgent) BPM() (bpm float64, ok bool) {
	a.loop.Do(func() { bpm, ok = a.bpm, a.hasBPM }) //nolint:errcheck
	return bpm, ok
}

func (a *DisplayAgent) IsReachable() bool {
	return a.transport.IsReachable()
}

// CurrentSession returns a copy of the open session, or nil.
func (a *DisplayAgent) CurrentSession() *pkg.TelemetrySession {
	var sess *pkg.TelemetrySession
	a.loop.Do(func() { //nolint:errcheck
		if cur := a.aggregator.Current(); cur != nil {
			sess = cur.Clone()
		}
	})

	return sess
}

// Checkpoint persists the open session.
func (a *DisplayAgent) Checkpoint(ctx context.Context) error {
	var err error
	if lerr := a.loop.Do(func() { err = a.aggregator.Checkpoint(ctx) }); lerr != nil {
		return lerr
	}

	return err
}

// RunCheckpoints persists the open session every interval until ctx is
// cancelled. It returns immediately if interval is not positive.
func (a *DisplayAgent) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C():
			if err := a.Checkpoint(ctx); err != nil {
				a.logger.Warn("Failed to checkpoint session", slog.Any("error", err))
			}
		}
	}
}

// Close persists the open session and stops the agent loop. The stored
// session stays open until the next Begin closes it.
func (a *DisplayAgent) Close(ctx context.Context) error {
	err := a.Checkpoint(ctx)
	a.loop.Stop()

	if errors.Is(err, loop.ErrStopped) {
		return nil
	}

	return err
}

func (a *DisplayAgent) sampleReceived(bpm float64) {
	a.bpm = bpm
	a.hasBPM = true
	a.metrics.samples.Inc()

	a.aggregator.Append(bpm)
}
