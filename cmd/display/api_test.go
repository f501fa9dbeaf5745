// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/aggregator"
	"github.com/VILLASframework/heartrelay/pkg/clock"
	"github.com/VILLASframework/heartrelay/pkg/playback"
	"github.com/VILLASframework/heartrelay/pkg/relay"
	"github.com/VILLASframework/heartrelay/pkg/store"
	"github.com/VILLASframework/heartrelay/pkg/transport"
)

var now = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	server *httptest.Server
	store  *store.Memory
	clock  *clock.Fake
	ended  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: store.NewMemory(),
		clock: clock.NewFake(now),
		ended: make(chan struct{}, 1),
	}

	// Never activated, so the sensor is unreachable.
	tp, err := transport.New(transport.Config{
		Endpoint: pkg.Endpoint{
			URL:     "ws://127.0.0.1:1",
			Session: "night",
			Peer:    "phone",
			Role:    pkg.RoleDisplay,
		},
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	agg, err := aggregator.New(aggregator.Config{
		Store:    f.store,
		Clock:    f.clock,
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	agent, err := relay.NewDisplayAgent(context.Background(), relay.DisplayAgentConfig{
		Transport:  tp,
		Aggregator: agg,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { agent.Close(context.Background()) })

	sleep, err := playback.NewSleepTimer(playback.SleepTimerConfig{
		Player: playback.NewTimedPlayer(playback.TimedPlayerConfig{Clock: f.clock}),
		Clock:  f.clock,
		OnEnd:  func() { f.ended <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("new sleep timer: %v", err)
	}

	r := mux.NewRouter()
	a := &api{
		agent:      agent,
		aggregator: agg,
		sleep:      sleep,
		location:   time.UTC,
	}
	a.register(r, prometheus.NewRegistry())

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)

	return f
}

func (f *fixture) seed(t *testing.T, start time.Time, bpms ...float64) {
	t.Helper()

	s := pkg.NewTelemetrySession(start)
	for i, bpm := range bpms {
		s.Append(start.Add(time.Duration(i+1)*time.Minute), bpm)
	}
	end := start.Add(8 * time.Hour)
	s.EndDate = &end

	if err := f.store.Insert(context.Background(), s); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, resp any) int {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer r.Body.Close()

	if resp != nil {
		if err := json.NewDecoder(r.Body).Decode(resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}

	return r.StatusCode
}

func TestStartWhileUnreachable(t *testing.T) {
	f := newFixture(t)

	var resp pkg.APIErrorResponse
	if code := f.do(t, "POST", "/api/v1/heartrate/start", "", &resp); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Error == "" {
		t.Fatalf("missing error message")
	}

	if code := f.do(t, "GET", "/api/v1/sessions/current", "", nil); code != http.StatusNotFound {
		t.Fatalf("current session status = %d, want 404", code)
	}
}

func TestHeartRateWithoutSample(t *testing.T) {
	f := newFixture(t)

	var resp pkg.APIHeartRateResponse
	if code := f.do(t, "GET", "/api/v1/heartrate", "", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.BPM != nil || resp.Reachable {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSessionQueries(t *testing.T) {
	f := newFixture(t)

	f.seed(t, time.Date(2025, 6, 9, 22, 0, 0, 0, time.UTC), 58, 71)
	f.seed(t, time.Date(2025, 6, 5, 23, 0, 0, 0, time.UTC), 52, 64)
	f.seed(t, time.Date(2025, 5, 20, 22, 0, 0, 0, time.UTC), 40, 99)

	var sessions pkg.APITelemetrySessionsResponse
	if code := f.do(t, "GET", "/api/v1/sessions?days=7", "", &sessions); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(sessions.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions.Sessions))
	}

	// The session of the 9th lasts into the 10th.
	if code := f.do(t, "GET", "/api/v1/sessions?day=2025-06-10", "", &sessions); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(sessions.Sessions) != 1 {
		t.Fatalf("got %d sessions on the 10th, want 1", len(sessions.Sessions))
	}

	var rng pkg.APIRangeResponse
	if code := f.do(t, "GET", "/api/v1/sessions/range?days=7", "", &rng); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if rng.Sessions != 2 || *rng.MinBPM != 52 || *rng.MaxBPM != 71 {
		t.Fatalf("unexpected range: %d [%v, %v]", rng.Sessions, *rng.MinBPM, *rng.MaxBPM)
	}

	if code := f.do(t, "GET", "/api/v1/sessions/range?days=0", "", &rng); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if rng.Sessions != 0 || rng.MinBPM != nil {
		t.Fatalf("unexpected empty range: %+v", rng)
	}

	for _, q := range []string{"?day=yesterday", "?days=-1", "?days=many"} {
		if code := f.do(t, "GET", "/api/v1/sessions"+q, "", nil); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, code)
		}
	}
}

func TestSleepTimer(t *testing.T) {
	f := newFixture(t)

	var resp pkg.APISleepResponse
	if code := f.do(t, "POST", "/api/v1/sleep", `{"track": "rain", "minutes": 20}`, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Track != "rain" || !resp.Running {
		t.Fatalf("unexpected response: %+v", resp)
	}

	f.clock.Advance(20 * time.Minute)

	select {
	case <-f.ended:
	default:
		t.Fatalf("sleep timer did not end")
	}

	if code := f.do(t, "POST", "/api/v1/sleep", `{"track": "rain", "minutes": 20}`, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if code := f.do(t, "DELETE", "/api/v1/sleep", "", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Running {
		t.Fatalf("still running after delete")
	}

	select {
	case <-f.ended:
	default:
		t.Fatalf("delete did not end the sleep timer")
	}

	if code := f.do(t, "POST", "/api/v1/sleep", `{"track": "", "minutes": 20}`, nil); code != http.StatusBadRequest {
		t.Fatalf("empty track status = %d, want 400", code)
	}
	if code := f.do(t, "POST", "/api/v1/sleep", `{"track": "rain"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing minutes status = %d, want 400", code)
	}
}
