// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/sensor"
)

type fakeTransport struct {
	mu        sync.Mutex
	reachable bool
	activated int
	sent      []pkg.Message

	onControl      []func(pkg.ControlMessage)
	onSample       []func(pkg.SampleMessage)
	onStatus       []func(pkg.StatusMessage)
	onReachability []func(bool)
}

func (t *fakeTransport) Activate(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activated++
}

func (t *fakeTransport) IsReachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reachable
}

func (t *fakeTransport) Send(msg pkg.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reachable {
		t.sent = append(t.sent, msg)
	}
}

func (t *fakeTransport) OnControlMessage(h func(pkg.ControlMessage)) { t.onControl = append(t.onControl, h) }
func (t *fakeTransport) OnSampleMessage(h func(pkg.SampleMessage))   { t.onSample = append(t.onSample, h) }
func (t *fakeTransport) OnStatusMessage(h func(pkg.StatusMessage))   { t.onStatus = append(t.onStatus, h) }
func (t *fakeTransport) OnReachabilityChanged(h func(bool)) {
	t.onReachability = append(t.onReachability, h)
}

func (t *fakeTransport) setReachable(r bool) {
	t.mu.Lock()
	t.reachable = r
	t.mu.Unlock()

	for _, h := range t.onReachability {
		h(r)
	}
}

func (t *fakeTransport) control(cmd pkg.Command) {
	for _, h := range t.onControl {
		h(pkg.ControlMessage{Command: cmd})
	}
}

func (t *fakeTransport) sample(bpm float64) {
	for _, h := range t.onSample {
		h(pkg.SampleMessage{BPM: bpm})
	}
}

func (t *fakeTransport) messages() []pkg.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]pkg.Message{}, t.sent...)
}

func (t *fakeTransport) count(kind string) int {
	n := 0
	for _, m := range t.messages() {
		if m.Kind() == kind {
			n++
		}
	}

	return n
}

// spySource wraps a sensor.Source and records how it is used.
type spySource struct {
	sensor.Source

	mu             sync.Mutex
	authorizations int
	handlers       []sensor.Handlers
	ends           int
	collections    int
}

func (s *spySource) RequestAuthorization(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.authorizations++
	s.mu.Unlock()

	return s.Source.RequestAuthorization(ctx)
}

func (s *spySource) BeginMeasurementSession(cfg sensor.SessionConfig, h sensor.Handlers) (sensor.Session, error) {
	sess, err := s.Source.BeginMeasurementSession(cfg, h)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()

	return &spySession{Session: sess, spy: s}, nil
}

func (s *spySource) stats() (authorizations, sessions, ends, collections int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.authorizations, len(s.handlers), s.ends, s.collections
}

func (s *spySource) sessionHandlers(i int) sensor.Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handlers[i]
}

type spySession struct {
	sensor.Session
	spy *spySource
}

func (s *spySession) End() {
	s.spy.mu.Lock()
	s.spy.ends++
	s.spy.mu.Unlock()

	s.Session.End()
}

func (s *spySession) EndCollection(done func(error)) {
	s.spy.mu.Lock()
	s.spy.collections++
	s.spy.mu.Unlock()

	s.Session.EndCollection(done)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
