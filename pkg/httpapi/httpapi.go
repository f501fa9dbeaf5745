// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package httpapi contains the JSON helpers and middleware shared by the
// REST APIs of the hub and the display process.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VILLASframework/heartrelay/pkg"
)

func WriteJSON(w http.ResponseWriter, code int, resp any) bool {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode API response",
			slog.Any("error", err),
			slog.Any("resp", resp))

		return false
	}

	return true
}

func ReadJSON(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("failed to parse request body: %w", err))
		return false
	}

	return true
}

func WriteError(w http.ResponseWriter, code int, err error) bool {
	resp := &pkg.APIErrorResponse{
		Error:  err.Error(),
		Status: http.StatusText(code),
	}

	level := slog.LevelError
	if code < http.StatusInternalServerError {
		level = slog.LevelWarn
	}

	slog.Log(context.Background(), level, "Request failed",
		slog.Int("code", code),
		slog.Any("error", err))

	return WriteJSON(w, code, resp)
}

// Instrument adds request counters and duration histograms registered
// with reg to all routes of r.
func Instrument(r *mux.Router, reg prometheus.Registerer) {
	f := promauto.With(reg)

	requests := f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests",
	}, []string{"code", "method"})

	duration := f.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "Duration of all HTTP requests",
	}, []string{"code", "method"})

	r.Use(
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerCounter(requests, next)
		},
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerDuration(duration, next)
		},
	)
}

// Health registers the liveness endpoint and a 404 for favicon requests.
func Health(r *mux.Router) {
	r.Path("/favicon.ico").
		Methods("GET").
		HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			http.Error(rw, "Not found", http.StatusNotFound)
		})

	r.Path("/healthz").
		Methods("GET", "OPTIONS").
		HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.Write([]byte("OK")) //nolint:errcheck
		})
}
