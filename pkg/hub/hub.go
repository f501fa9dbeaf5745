// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package hub implements the relay server peers join to exchange
// messages. A session pairs a sensor with a display; every frame a peer
// sends is forwarded, best effort, to the other peers of its session.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VILLASframework/heartrelay/pkg/clock"
	"github.com/VILLASframework/heartrelay/pkg/httpapi"
)

const (
	DefaultSessionExpiry = 5 * time.Minute
	DefaultOutboxLength  = 64

	expiryInterval = 10 * time.Second
)

type Config struct {
	// SessionExpiry is how long an empty session is kept around.
	SessionExpiry time.Duration

	// OutboxLength bounds the frames queued for a slow peer. Frames
	// beyond it are dropped.
	OutboxLength int

	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

type Hub struct {
	sessions      map[string]*Session
	sessionsMutex sync.RWMutex

	expiry       time.Duration
	outboxLength int
	clock        clock.Clock

	upgrader   websocket.Upgrader
	registerer prometheus.Registerer
	metrics    *metrics
	logger     *slog.Logger
}

func New(cfg Config) *Hub {
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = DefaultSessionExpiry
	}
	if cfg.OutboxLength <= 0 {
		cfg.OutboxLength = DefaultOutboxLength
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

	h := &Hub{
		sessions:     map[string]*Session{},
		expiry:       cfg.SessionExpiry,
		outboxLength: cfg.OutboxLength,
		clock:        cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registerer: cfg.Registerer,
		logger:     cfg.Logger.With(slog.String("component", "hub")),
	}

	h.metrics = newMetrics(h, cfg.Registerer)

	return h
}

// Register adds the REST API, health and websocket routes to r.
func (h *Hub) Register(r *mux.Router) {
	a := r.PathPrefix("/api/v1").Subrouter()
	httpapi.Instrument(a, prometheus.WrapRegistererWithPrefix("heartrelay_hub_", h.registerer))

	a.Path("/sessions").
		Methods("GET").
		HandlerFunc(h.handleAPISessions)

	a.Path("/session/{session}").
		Methods("GET").
		HandlerFunc(h.handleAPISession)

	a.Path("/peer/{session}/{peer}").
		Methods("GET", "DELETE").
		HandlerFunc(h.handleAPIPeer)

	httpapi.Health(r)

	r.Path("/{session}/{peer}").
		HandlerFunc(h.handleWebsocket)

	r.Path("/{session}").
		HandlerFunc(h.handleWebsocket)
}

func (h *Hub) GetSession(name string) *Session {
	h.sessionsMutex.RLock()
	defer h.sessionsMutex.RUnlock()

	return h.sessions[name]
}

func (h *Hub) GetOrCreateSession(name string) *Session {
	h.sessionsMutex.Lock()
	defer h.sessionsMutex.Unlock()

	if s, ok := h.sessions[name]; ok {
		return s
	}

	s := newSession(h, name)
	h.sessions[name] = s

	h.metrics.sessionsCreated.Inc()

	return s
}

func (h *Hub) Sessions() []*Session {
	h.sessionsMutex.RLock()
	defer h.sessionsMutex.RUnlock()

	ss := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		ss = append(ss, s)
	}

	return ss
}

// ExpireSessions removes sessions which have been empty for longer than
// the configured expiry.
func (h *Hub) ExpireSessions(now time.Time) {
	h.sessionsMutex.Lock()
	defer h.sessionsMutex.Unlock()

	for name, s := range h.sessions {
		if s.expired(now, h.expiry) {
			delete(h.sessions, name)
			s.stop()

			h.logger.Info("Session expired", slog.String("session", name))
		}
	}
}

// Run expires sessions periodically until ctx is cancelled, then
// closes all sessions.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C():
			h.ExpireSessions(now)

		case <-ctx.Done():
			h.Close()
			return
		}
	}
}

func (h *Hub) Close() {
	h.sessionsMutex.Lock()
	sessions := h.sessions
	h.sessions = map[string]*Session{}
	h.sessionsMutex.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			h.logger.Error("Failed to close session",
				slog.String("session", s.Name),
				slog.Any("error", err))
		}
	}
}
