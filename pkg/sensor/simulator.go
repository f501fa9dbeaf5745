// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/VILLASframework/heartrelay/pkg/clock"
)

type SimulatorConfig struct {
	// StartupDelay is the time between a session being requested and
	// it reporting StateRunning.
	StartupDelay time.Duration `yaml:"startup_delay"`

	// Interval between two samples.
	Interval time.Duration `yaml:"interval"`

	RestingBPM float64 `yaml:"resting_bpm"`

	// Variability is the largest change between two samples.
	Variability float64 `yaml:"variability"`

	DenyAuthorization bool  `yaml:"deny_authorization"`
	Seed              int64 `yaml:"seed"`

	Clock  clock.Clock  `yaml:"-"`
	Logger *slog.Logger `yaml:"-"`
}

func (c *SimulatorConfig) ApplyDefaults() {
	if c.StartupDelay <= 0 {
		c.StartupDelay = 1500 * time.Millisecond
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.RestingBPM <= 0 {
		c.RestingBPM = 62
	}
	if c.Variability <= 0 {
		c.Variability = 3
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Simulator produces a bounded random walk of heart-rate samples.
// It supports one measurement session at a time.
type Simulator struct {
	cfg    SimulatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	rand    *rand.Rand
	active  *simSession
	begun   int
	failure error
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg.ApplyDefaults()

	seed := uint64(cfg.Seed)
	if cfg.Seed == 0 {
		seed = uint64(cfg.Clock.Now().UnixNano())
	}

	return &Simulator{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "simulator")),
		rand:   rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

func (s *Simulator) RequestAuthorization(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if s.cfg.DenyAuthorization {
		return false, nil
	}

	return true, nil
}

// FailNextBegin makes the next BeginMeasurementSession return err.
func (s *Simulator) FailNextBegin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failure = err
}

// Begun returns the number of measurement sessions opened so far.
func (s *Simulator) Begun() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.begun
}

// Active reports whether a measurement session is open.
func (s *Simulator) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active != nil
}

func (s *Simulator) BeginMeasurementSession(cfg SessionConfig, h Handlers) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure; err != nil {
		s.failure = nil
		return nil, fmt.Errorf("failed to begin measurement session: %w", err)
	}

	if s.active != nil {
		return nil, ErrBusy
	}

	sess := &simSession{
		sim:      s,
		handlers: h,
		bpm:      s.cfg.RestingBPM,
	}

	s.active = sess
	s.begun++

	s.logger.Info("Measurement session requested",
		slog.String("activity", cfg.Activity),
		slog.String("location", cfg.Location))

	sess.mu.Lock()
	sess.timer = s.cfg.Clock.AfterFunc(s.cfg.StartupDelay, sess.started)
	sess.mu.Unlock()

	return sess, nil
}

func (s *Simulator) release(sess *simSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == sess {
		s.active = nil
	}
}

func (s *Simulator) next(current float64) float64 {
	s.mu.Lock()
	step := (s.rand.Float64()*2 - 1) * s.cfg.Variability
	s.mu.Unlock()

	low := s.cfg.RestingBPM - 15
	high := s.cfg.RestingBPM + 25

	return math.Round(math.Max(low, math.Min(high, current+step))*10) / 10
}

type simSession struct {
	sim      *Simulator
	handlers Handlers

	mu      sync.Mutex
	timer   clock.Timer
	bpm     float64
	running bool
	ended   bool
}

func (ss *simSession) started() {
	ss.mu.Lock()
	if ss.ended {
		ss.mu.Unlock()
		return
	}
	ss.running = true
	ss.timer = ss.sim.cfg.Clock.AfterFunc(ss.sim.cfg.Interval, ss.tick)
	ss.mu.Unlock()

	if ss.handlers.OnStateChange != nil {
		ss.handlers.OnStateChange(StateRunning)
	}
}

func (ss *simSession) tick() {
	ss.mu.Lock()
	if ss.ended {
		ss.mu.Unlock()
		return
	}
	ss.bpm = ss.sim.next(ss.bpm)
	sample := Sample{
		Timestamp: ss.sim.cfg.Clock.Now(),
		BPM:       ss.bpm,
	}
	ss.timer = ss.sim.cfg.Clock.AfterFunc(ss.sim.cfg.Interval, ss.tick)
	ss.mu.Unlock()

	if ss.handlers.OnSample != nil {
		ss.handlers.OnSample(sample)
	}
}

func (ss *simSession) End() {
	ss.mu.Lock()
	if ss.ended {
		ss.mu.Unlock()
		return
	}
	ss.ended = true
	ss.timer.Stop()
	ss.mu.Unlock()

	ss.sim.release(ss)
	ss.sim.logger.Info("Measurement session ended")

	if ss.handlers.OnStateChange != nil {
		ss.handlers.OnStateChange(StateEnded)
	}
}

func (ss *simSession) EndCollection(done func(error)) {
	ss.mu.Lock()
	running := ss.running
	ss.mu.Unlock()

	var err error
	if !running {
		err = fmt.Errorf("collection never began")
	}

	if done != nil {
		done(err)
	}
}
