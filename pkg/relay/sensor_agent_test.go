// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/clock"
	"github.com/VILLASframework/heartrelay/pkg/sensor"
)

const (
	startupDelay   = 1500 * time.Millisecond
	sampleInterval = 5 * time.Second
)

type sensorFixture struct {
	agent     *SensorAgent
	transport *fakeTransport
	sim       *sensor.Simulator
	source    *spySource
	clock     *clock.Fake
}

func newSensorFixture(t *testing.T, mutate func(*sensor.SimulatorConfig, *SensorAgentConfig)) *sensorFixture {
	t.Helper()

	return newSensorFixtureContext(t, context.Background(), mutate)
}

func newSensorFixtureContext(t *testing.T, ctx context.Context, mutate func(*sensor.SimulatorConfig, *SensorAgentConfig)) *sensorFixture {
	t.Helper()

	f := &sensorFixture{
		transport: &fakeTransport{reachable: true},
		clock:     clock.NewFake(time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)),
	}

	simCfg := sensor.SimulatorConfig{
		StartupDelay: startupDelay,
		Interval:     sampleInterval,
		Seed:         1,
		Clock:        f.clock,
	}
	agentCfg := SensorAgentConfig{
		Transport: f.transport,
		Clock:     f.clock,
	}

	if mutate != nil {
		mutate(&simCfg, &agentCfg)
	}

	f.sim = sensor.NewSimulator(simCfg)
	f.source = &spySource{Source: f.sim}
	agentCfg.Source = f.source

	agent, err := NewSensorAgent(ctx, agentCfg)
	if err != nil {
		t.Fatalf("new sensor agent: %v", err)
	}
	t.Cleanup(agent.Close)

	f.agent = agent

	return f
}

// streaming starts the agent and advances the clock until the
// measurement session reports running.
func (f *sensorFixture) streaming(t *testing.T) {
	t.Helper()

	f.agent.Start()
	f.clock.WaitForTimers(1)
	f.clock.Advance(startupDelay)

	if s := f.agent.State(); s != SensorStreaming {
		t.Fatalf("state = %s, want streaming", s)
	}
}

func TestSensorStartStreamsSamples(t *testing.T) {
	f := newSensorFixture(t, nil)

	f.transport.control(pkg.CommandStart)
	f.clock.WaitForTimers(1)

	if s := f.agent.State(); s != SensorStarting {
		t.Fatalf("state = %s, want starting", s)
	}

	f.clock.Advance(startupDelay)
	if s := f.agent.State(); s != SensorStreaming {
		t.Fatalf("state = %s, want streaming", s)
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(sampleInterval)
	}
	f.agent.State()

	if n := f.transport.count("sample"); n != 3 {
		t.Fatalf("forwarded %d samples, want 3", n)
	}
	if got := testutil.ToFloat64(f.agent.metrics.samples); got != 3 {
		t.Fatalf("samples metric = %v, want 3", got)
	}
}

func TestSensorDuplicateStartWhileStreaming(t *testing.T) {
	f := newSensorFixture(t, nil)
	f.streaming(t)

	f.transport.control(pkg.CommandStart)

	if s := f.agent.State(); s != SensorStreaming {
		t.Fatalf("state = %s, want streaming", s)
	}
	if n := f.sim.Begun(); n != 1 {
		t.Fatalf("%d measurement sessions, want 1", n)
	}
}

func TestSensorRapidDuplicateStart(t *testing.T) {
	f := newSensorFixture(t, nil)

	f.agent.Start()
	f.agent.Start()
	f.clock.WaitForTimers(1)

	if s := f.agent.State(); s != SensorStarting {
		t.Fatalf("state = %s, want starting", s)
	}

	f.clock.Advance(startupDelay)
	f.agent.Start()

	if s := f.agent.State(); s != SensorStreaming {
		t.Fatalf("state = %s, want streaming", s)
	}
	if n := f.sim.Begun(); n != 1 {
		t.Fatalf("%d measurement sessions, want 1", n)
	}
}

func TestSensorStopWhileIdle(t *testing.T) {
	f := newSensorFixture(t, nil)

	f.transport.control(pkg.CommandStop)

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}

	_, sessions, ends, collections := f.source.stats()
	if sessions != 0 || ends != 0 || collections != 0 {
		t.Fatalf("unexpected teardown: sessions=%d ends=%d collections=%d", sessions, ends, collections)
	}
}

func TestSensorStopEndsSession(t *testing.T) {
	f := newSensorFixture(t, nil)
	f.streaming(t)

	f.clock.Advance(sampleInterval)
	f.transport.control(pkg.CommandStop)

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}
	if f.sim.Active() {
		t.Fatalf("measurement session still active")
	}

	_, _, ends, collections := f.source.stats()
	if ends != 1 || collections != 1 {
		t.Fatalf("ends=%d collections=%d, want 1 each", ends, collections)
	}

	before := f.transport.count("sample")
	f.clock.Advance(10 * sampleInterval)
	f.agent.State()

	if after := f.transport.count("sample"); after != before {
		t.Fatalf("samples forwarded after stop: %d -> %d", before, after)
	}
}

func TestSensorCloseAfterContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSensorFixtureContext(t, ctx, nil)
	f.streaming(t)

	cancel()
	<-f.agent.loop.Done()

	f.agent.Close()

	_, _, ends, collections := f.source.stats()
	if ends != 1 || collections != 1 {
		t.Fatalf("ends=%d collections=%d, want 1 each", ends, collections)
	}
	if f.sim.Active() {
		t.Fatalf("measurement session still active after close")
	}
}

func TestSensorStopWhileStarting(t *testing.T) {
	f := newSensorFixture(t, nil)

	f.agent.Start()
	f.clock.WaitForTimers(1)
	f.agent.Stop()

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}

	// The finalisation error of a session that never ran is only logged.
	_, _, ends, collections := f.source.stats()
	if ends != 1 || collections != 1 {
		t.Fatalf("ends=%d collections=%d, want 1 each", ends, collections)
	}

	f.clock.Advance(startupDelay + sampleInterval)
	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s after timers, want idle", s)
	}
}

func TestSensorDiscardsSamplesOfSupersededSession(t *testing.T) {
	f := newSensorFixture(t, nil)
	f.streaming(t)

	f.agent.Stop()
	f.agent.State()
	f.streaming(t)

	before := f.transport.count("sample")

	f.source.sessionHandlers(0).OnSample(sensor.Sample{BPM: 99})
	f.agent.State()

	if after := f.transport.count("sample"); after != before {
		t.Fatalf("stale sample forwarded")
	}

	f.source.sessionHandlers(1).OnSample(sensor.Sample{BPM: 61})
	f.agent.State()

	if after := f.transport.count("sample"); after != before+1 {
		t.Fatalf("current sample not forwarded")
	}
}

func TestSensorForwardsSamplesWhileStarting(t *testing.T) {
	f := newSensorFixture(t, nil)

	f.agent.Start()
	f.clock.WaitForTimers(1)

	f.source.sessionHandlers(0).OnSample(sensor.Sample{BPM: 64})

	if s := f.agent.State(); s != SensorStarting {
		t.Fatalf("state = %s, want starting", s)
	}
	if n := f.transport.count("sample"); n != 1 {
		t.Fatalf("forwarded %d samples, want 1", n)
	}
}

func TestSensorAuthorizationDenied(t *testing.T) {
	f := newSensorFixture(t, func(c *sensor.SimulatorConfig, _ *SensorAgentConfig) {
		c.DenyAuthorization = true
	})

	f.agent.Start()

	eventually(t, "authorization failure", func() bool {
		return testutil.ToFloat64(f.agent.metrics.failures.WithLabelValues("authorization")) == 1
	})

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}
	if n := f.sim.Begun(); n != 0 {
		t.Fatalf("%d measurement sessions, want 0", n)
	}
	if n := len(f.transport.messages()); n != 0 {
		t.Fatalf("%d messages sent to display, want 0", n)
	}
}

func TestSensorBeginFailure(t *testing.T) {
	f := newSensorFixture(t, nil)

	f.sim.FailNextBegin(errors.New("sensor unavailable"))
	f.agent.Start()

	eventually(t, "begin failure", func() bool {
		return testutil.ToFloat64(f.agent.metrics.failures.WithLabelValues("begin")) == 1
	})

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}

	// A later start succeeds and reuses the granted authorization.
	f.streaming(t)

	if auths, _, _, _ := f.source.stats(); auths != 1 {
		t.Fatalf("%d authorization requests, want 1", auths)
	}
}

func TestSensorSessionFailureReverts(t *testing.T) {
	f := newSensorFixture(t, nil)
	f.streaming(t)

	f.source.sessionHandlers(0).OnError(errors.New("sensor detached"))

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}
	if f.sim.Active() {
		t.Fatalf("failed session not ended")
	}
	if got := testutil.ToFloat64(f.agent.metrics.failures.WithLabelValues("session")); got != 1 {
		t.Fatalf("session failures = %v, want 1", got)
	}
}

func TestSensorUnexpectedEnd(t *testing.T) {
	f := newSensorFixture(t, nil)
	f.streaming(t)

	f.source.sessionHandlers(0).OnStateChange(sensor.StateEnded)

	if s := f.agent.State(); s != SensorIdle {
		t.Fatalf("state = %s, want idle", s)
	}
}

func TestSensorStatusInterval(t *testing.T) {
	f := newSensorFixture(t, func(_ *sensor.SimulatorConfig, c *SensorAgentConfig) {
		c.StatusInterval = 30 * time.Second
	})
	f.streaming(t)

	f.clock.Advance(30 * time.Second)
	f.agent.State()
	f.clock.Advance(30 * time.Second)
	f.agent.State()

	if n := f.transport.count("status"); n != 2 {
		t.Fatalf("sent %d status messages, want 2", n)
	}

	f.agent.Stop()
	f.agent.State()
	f.clock.Advance(time.Minute)
	f.agent.State()

	if n := f.transport.count("status"); n != 2 {
		t.Fatalf("status sent after stop")
	}
}

func TestSensorSendWhileUnreachableDoesNotBlock(t *testing.T) {
	f := newSensorFixture(t, nil)
	f.transport.setReachable(false)
	f.streaming(t)

	for i := 0; i < 5; i++ {
		f.clock.Advance(sampleInterval)
	}

	if s := f.agent.State(); s != SensorStreaming {
		t.Fatalf("state = %s, want streaming", s)
	}
	if got := testutil.ToFloat64(f.agent.metrics.samples); got != 5 {
		t.Fatalf("samples handed to transport = %v, want 5", got)
	}
}
