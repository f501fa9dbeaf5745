// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VILLASframework/heartrelay/pkg/clock"
)

func newTestSimulator(t *testing.T) (*Simulator, *clock.Fake) {
	t.Helper()

	c := clock.NewFake(time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC))
	sim := NewSimulator(SimulatorConfig{
		StartupDelay: time.Second,
		Interval:     5 * time.Second,
		RestingBPM:   60,
		Seed:         42,
		Clock:        c,
	})

	return sim, c
}

func TestSimulatorReportsRunningBeforeSamples(t *testing.T) {
	sim, c := newTestSimulator(t)

	var events []string
	sess, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{
		OnStateChange: func(s State) { events = append(events, s.String()) },
		OnSample: func(s Sample) {
			if s.BPM < 45 || s.BPM > 85 {
				t.Errorf("sample out of range: %v", s.BPM)
			}
			events = append(events, "sample")
		},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	c.Advance(500 * time.Millisecond)
	if len(events) != 0 {
		t.Fatalf("events before startup delay: %v", events)
	}

	c.Advance(500 * time.Millisecond)
	c.Advance(5 * time.Second)
	c.Advance(5 * time.Second)

	want := []string{"running", "sample", "sample"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	sess.End()
	c.Advance(time.Minute)
	if events[len(events)-1] != "ended" {
		t.Fatalf("expected ended as last event, got %v", events)
	}
	if sim.Active() {
		t.Fatalf("simulator still has an active session")
	}
}

func TestSimulatorSingleSession(t *testing.T) {
	sim, _ := newTestSimulator(t)

	first, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second begin = %v, want ErrBusy", err)
	}

	first.End()
	if _, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{}); err != nil {
		t.Fatalf("begin after end: %v", err)
	}
	if sim.Begun() != 2 {
		t.Fatalf("begun = %d, want 2", sim.Begun())
	}
}

func TestSimulatorEndCollectionBeforeRunning(t *testing.T) {
	sim, c := newTestSimulator(t)

	sess, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	var got error
	sess.EndCollection(func(err error) { got = err })
	if got == nil {
		t.Fatalf("expected an error finalising a session that never ran")
	}

	c.Advance(time.Second)
	sess.EndCollection(func(err error) { got = err })
	if got != nil {
		t.Fatalf("EndCollection: %v", got)
	}
}

func TestSimulatorAuthorizationAndFailures(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{DenyAuthorization: true, Seed: 1})

	ok, err := sim.RequestAuthorization(context.Background())
	if err != nil || ok {
		t.Fatalf("authorization = %v, %v; want denied", ok, err)
	}

	busy := errors.New("hardware busy")
	sim.FailNextBegin(busy)
	if _, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{}); !errors.Is(err, busy) {
		t.Fatalf("begin = %v, want %v", err, busy)
	}
	if sim.Begun() != 0 {
		t.Fatalf("failed begin should not count")
	}
}

func TestSimulatorNegativeDurationsUseDefaults(t *testing.T) {
	c := clock.NewFake(time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC))
	sim := NewSimulator(SimulatorConfig{
		StartupDelay: -time.Second,
		Interval:     -time.Second,
		Seed:         7,
		Clock:        c,
	})

	samples := 0
	sess, err := sim.BeginMeasurementSession(DefaultSessionConfig(), Handlers{
		OnSample: func(Sample) { samples++ },
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer sess.End()

	if n := c.Pending(); n != 1 {
		t.Fatalf("%d timers pending, want 1", n)
	}

	c.Advance(1500 * time.Millisecond)
	c.Advance(5 * time.Second)

	if samples != 1 {
		t.Fatalf("%d samples, want 1", samples)
	}
}
