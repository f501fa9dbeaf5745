// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/aggregator"
	"github.com/VILLASframework/heartrelay/pkg/httpapi"
	"github.com/VILLASframework/heartrelay/pkg/playback"
	"github.com/VILLASframework/heartrelay/pkg/relay"
)

const defaultDays = 7

type api struct {
	agent      *relay.DisplayAgent
	aggregator *aggregator.Aggregator
	sleep      *playback.SleepTimer
	location   *time.Location
}

func (a *api) register(r *mux.Router, reg prometheus.Registerer) {
	s := r.PathPrefix("/api/v1").Subrouter()
	httpapi.Instrument(s, prometheus.WrapRegistererWithPrefix("heartrelay_display_", reg))

	s.Path("/heartrate").
		Methods("GET").
		HandlerFunc(a.handleHeartRate)

	s.Path("/heartrate/start").
		Methods("POST").
		HandlerFunc(a.handleStart)

	s.Path("/heartrate/stop").
		Methods("POST").
		HandlerFunc(a.handleStop)

	s.Path("/sessions/current").
		Methods("GET").
		HandlerFunc(a.handleCurrentSession)

	s.Path("/sessions/range").
		Methods("GET").
		HandlerFunc(a.handleRange)

	s.Path("/sessions").
		Methods("GET").
		HandlerFunc(a.handleSessions)

	s.Path("/sleep").
		Methods("GET", "POST", "DELETE").
		HandlerFunc(a.handleSleep)

	httpapi.Health(r)
}

func (a *api) handleHeartRate(w http.ResponseWriter, r *http.Request) {
	resp := &pkg.APIHeartRateResponse{
		Reachable: a.agent.IsReachable(),
	}

	if bpm, ok := a.agent.BPM(); ok {
		resp.BPM = &bpm
	}

	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.agent.StartHeartRate(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APITelemetrySessionResponse{
		Session: a.agent.CurrentSession(),
	})
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.agent.StopHeartRate(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APITelemetrySessionResponse{})
}

func writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, relay.ErrTransportUnreachable) {
		httpapi.WriteError(w, http.StatusServiceUnavailable, err)
	} else {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
	}
}

func (a *api) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess := a.agent.CurrentSession()
	if sess == nil {
		httpapi.WriteError(w, http.StatusNotFound, errors.New("no session in progress"))
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APITelemetrySessionResponse{
		Session: sess,
	})
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []pkg.TelemetrySession
		err      error
	)

	q := r.URL.Query()

	if d := q.Get("day"); d != "" {
		day, perr := time.ParseInLocation(time.DateOnly, d, a.location)
		if perr != nil {
			httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid day: %w", perr))
			return
		}

		sessions, err = a.aggregator.SessionsOn(r.Context(), day)
	} else {
		days, ok := parseDays(w, r)
		if !ok {
			return
		}

		sessions, err = a.aggregator.SessionsInLastDays(r.Context(), days)
	}

	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APITelemetrySessionsResponse{
		Sessions: sessions,
	})
}

func (a *api) handleRange(w http.ResponseWriter, r *http.Request) {
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	sessions, err := a.aggregator.SessionsInLastDays(r.Context(), days)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	resp := &pkg.APIRangeResponse{
		Sessions: len(sessions),
	}

	if rng, ok := aggregator.CombinedRange(sessions); ok {
		resp.MinBPM = &rng.Min
		resp.MaxBPM = &rng.Max
	}

	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("days")
	if s == "" {
		return defaultDays, true
	}

	days, err := strconv.Atoi(s)
	if err != nil || days < 0 {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid number of days: '%s'", s))
		return 0, false
	}

	return days, true
}

func (a *api) handleSleep(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req := &pkg.APISleepRequest{}
		if !httpapi.ReadJSON(w, r, req) {
			return
		}

		if req.Minutes <= 0 {
			httpapi.WriteError(w, http.StatusBadRequest, errors.New("minutes must be positive"))
			return
		}

		if err := a.sleep.Begin(req.Track, time.Duration(req.Minutes)*time.Minute); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, err)
			return
		}

	case http.MethodDelete:
		a.sleep.End()
	}

	track, running := a.sleep.Running()

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APISleepResponse{
		Track:   track,
		Running: running,
	})
}
