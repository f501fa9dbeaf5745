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
	"github.com/VILLASframework/heartrelay/pkg/clock"
	"github.com/VILLASframework/heartrelay/pkg/loop"
	"github.com/VILLASframework/heartrelay/pkg/sensor"
)

type SensorState int

const (
	SensorIdle SensorState = iota
	SensorStarting
	SensorStreaming
)

func (s SensorState) String() string {
	switch s {
	case SensorIdle:
		return "idle"
	case SensorStarting:
		return "starting"
	case SensorStreaming:
		return "streaming"
	}

	return "unknown"
}

type SensorAgentConfig struct {
	Transport Transport
	Source    sensor.Source
	Session   sensor.SessionConfig

	// StatusInterval enables a periodic "awake" status while streaming.
	StatusInterval time.Duration

	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// SensorAgent runs on the wearable. It starts and stops measurement
// sessions on command and forwards their samples to the display.
type SensorAgent struct {
	transport      Transport
	source         sensor.Source
	sessionConfig  sensor.SessionConfig
	statusInterval time.Duration
	clock          clock.Clock

	ctx  context.Context
	loop *loop.Loop

	// Owned by the loop.
	state      SensorState
	session    sensor.Session
	generation uint64
	authorized bool
	status     clock.Timer

	metrics *sensorMetrics
	logger  *slog.Logger
}

func NewSensorAgent(ctx context.Context, cfg SensorAgentConfig) (*SensorAgent, error) {
	if cfg.Transport == nil {
		return nil, errors.New("sensor agent: Transport is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("sensor agent: Source is required")
	}
	if cfg.Session == (sensor.SessionConfig{}) {
		cfg.Session = sensor.DefaultSessionConfig()
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

	a := &SensorAgent{
		transport:      cfg.Transport,
		source:         cfg.Source,
		sessionConfig:  cfg.Session,
		statusInterval: cfg.StatusInterval,
		clock:          cfg.Clock,
		ctx:            ctx,
		loop:           loop.New(ctx),
		metrics:        newSensorMetrics(cfg.Registerer),
		logger:         cfg.Logger.With(slog.String("component", "sensor-agent")),
	}

	a.transport.OnControlMessage(func(m pkg.ControlMessage) {
		switch m.Command {
		case pkg.CommandStart:
			a.Start()
		case pkg.CommandStop:
			a.Stop()
		}
	})

	a.transport.OnReachabilityChanged(func(reachable bool) {
		a.logger.Info("Display reachability changed", slog.Bool("reachable", reachable))
	})

	return a, nil
}

// Activate brings up the transport session.
func (a *SensorAgent) Activate(ctx context.Context) {
	a.transport.Activate(ctx)
}

// Start requests a measurement session. It is a no-op while one is
// starting or streaming.
func (a *SensorAgent) Start() {
	a.loop.Post(a.start)
}

// Stop ends the measurement session. It is a no-op while idle.
func (a *SensorAgent) Stop() {
	a.loop.Post(a.stop)
}

// State returns the current state once all previously posted work has
// been processed.
func (a *SensorAgent) State() SensorState {
	var s SensorState
	if err := a.loop.Do(func() { s = a.state }); err != nil {
		return SensorIdle
	}

	return s
}

// Close ends any measurement session and stops the agent loop. It also
// tears the session down when the loop already exited with its context.
func (a *SensorAgent) Close() {
	if err := a.loop.Do(a.stop); err != nil {
		// The loop goroutine is gone, so its state is no longer shared.
		<-a.loop.Done()
		a.stop()
	}

	a.loop.Stop()
}

func (a *SensorAgent) setState(s SensorState) {
	if a.state == s {
		return
	}

	a.logger.Info("State changed",
		slog.String("from", a.state.String()),
		slog.String("to", s.String()))

	a.state = s
	a.metrics.state.Set(float64(s))
}

func (a *SensorAgent) start() {
	if a.state != SensorIdle {
		a.logger.Warn("Start ignored, measurement already in progress",
			slog.String("state", a.state.String()))
		return
	}

	a.generation++
	gen := a.generation

	a.setState(SensorStarting)

	if a.authorized {
		a.begin(gen)
		return
	}

	go func() {
		granted, err := a.source.RequestAuthorization(a.ctx)
		a.loop.Post(func() {
			a.authorizationCompleted(gen, granted, err)
		})
	}()
}

func (a *SensorAgent) authorizationCompleted(gen uint64, granted bool, err error) {
	if gen != a.generation || a.state != SensorStarting {
		return
	}

	if err == nil && !granted {
		err = sensor.ErrNotAuthorized
	}

	if err != nil {
		a.fail("authorization", fmt.Errorf("%w: %w", ErrSensorAuthorizationDenied, err))
		return
	}

	a.authorized = true
	a.begin(gen)
}

func (a *SensorAgent) begin(gen uint64) {
	h := sensor.Handlers{
		OnStateChange: func(s sensor.State) {
			a.loop.Post(func() { a.sessionStateChanged(gen, s) })
		},
		OnSample: func(s sensor.Sample) {
			a.loop.Post(func() { a.sampleReceived(gen, s) })
		},
		OnError: func(err error) {
			a.loop.Post(func() {
				if gen == a.generation {
					a.fail("session", fmt.Errorf("%w: %w", ErrSensorSessionFailure, err))
				}
			})
		},
	}

	sess, err := a.source.BeginMeasurementSession(a.sessionConfig, h)
	if err != nil {
		a.fail("begin", fmt.Errorf("%w: %w", ErrSensorSessionFailure, err))
		return
	}

	a.session = sess
	a.metrics.sessions.Inc()
}

func (a *SensorAgent) sessionStateChanged(gen uint64, s sensor.State) {
	if gen != a.generation {
		return
	}

	switch s {
	case sensor.StateRunning:
		if a.state == SensorStarting {
			a.setState(SensorStreaming)
			a.scheduleStatus(gen)
		}

	case sensor.StateFailed:
		a.fail("session", ErrSensorSessionFailure)

	case sensor.StateEnded:
		if a.state != SensorIdle {
			a.logger.Warn("Measurement session ended unexpectedly")
			a.session = nil
			a.reset()
		}
	}
}

func (a *SensorAgent) sampleReceived(gen uint64, s sensor.Sample) {
	if gen != a.generation || a.state == SensorIdle {
		a.logger.Debug("Discarding sample of superseded session", slog.Float64("bpm", s.BPM))
		return
	}

	a.transport.Send(pkg.SampleMessage{BPM: s.BPM})
	a.metrics.samples.Inc()
}

func (a *SensorAgent) scheduleStatus(gen uint64) {
	if a.statusInterval <= 0 {
		return
	}

	a.status = a.clock.AfterFunc(a.statusInterval, func() {
		a.loop.Post(func() {
			if gen != a.generation || a.state != SensorStreaming {
				return
			}

			a.transport.Send(pkg.StatusMessage{Status: pkg.StatusAwake})
			a.scheduleStatus(gen)
		})
	})
}

func (a *SensorAgent) stop() {
	if a.state == SensorIdle {
		a.logger.Debug("Stop ignored, not measuring")
		return
	}

	sess := a.session
	a.session = nil
	a.reset()

	if sess == nil {
		return
	}

	sess.End()
	sess.EndCollection(func(err error) {
		if err != nil {
			a.logger.Warn("Failed to finalise collection", slog.Any("error", err))
		}
	})
}

// fail tears down the current session and reverts to idle. Nothing is
// reported to the display.
func (a *SensorAgent) fail(reason string, err error) {
	a.logger.Error("Measurement failed", slog.Any("error", err))
	a.metrics.failures.WithLabelValues(reason).Inc()

	sess := a.session
	a.session = nil
	a.reset()

	if sess != nil {
		sess.End()
	}
}

// reset supersedes all callbacks of the current session and goes idle.
func (a *SensorAgent) reset() {
	a.generation++

	if a.status != nil {
		a.status.Stop()
		a.status = nil
	}

	a.setState(SensorIdle)
}
