// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package sensor defines the physiological measurement framework used
// on the wearable side and a clock-driven simulator implementing it.
package sensor

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBusy          = errors.New("sensor is busy with another measurement session")
	ErrNotAuthorized = errors.New("sensor access not authorized")
)

type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

type SessionConfig struct {
	Activity string `yaml:"activity"`
	Location string `yaml:"location"`
}

// DefaultSessionConfig matches a resting, indoor measurement.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Activity: "mind_and_body",
		Location: "indoor",
	}
}

type Sample struct {
	Timestamp time.Time
	BPM       float64
}

// Handlers receive session events. They are called from the source's
// own goroutines.
type Handlers struct {
	OnStateChange func(State)
	OnSample      func(Sample)
	OnError       func(error)
}

// Source is the measurement framework of the wearable.
type Source interface {
	RequestAuthorization(ctx context.Context) (bool, error)

	// BeginMeasurementSession requests a new session. The session is
	// not running when this returns; StateRunning is reported later
	// through Handlers.OnStateChange.
	BeginMeasurementSession(cfg SessionConfig, h Handlers) (Session, error)
}

type Session interface {
	// End stops the measurement session.
	End()

	// EndCollection finalises collected data. done is called with the
	// outcome once finalisation completes.
	EndCollection(done func(error))
}
