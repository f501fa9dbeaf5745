// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package store provides persistence for telemetry sessions.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/aggregator"
)

// Memory is an in-memory Store. Sessions are copied on the way in and
// out, so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*pkg.TelemetrySession
}

func NewMemory() *Memory {
	return &Memory{
		sessions: map[uuid.UUID]*pkg.TelemetrySession{},
	}
}

func (m *Memory) Insert(ctx context.Context, s *pkg.TelemetrySession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s.Clone()

	return nil
}

func (m *Memory) Query(ctx context.Context, f aggregator.Filter, order aggregator.Sort) ([]pkg.TelemetrySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []pkg.TelemetrySession{}
	for _, s := range m.sessions {
		if f.Match(s) {
			out = append(out, *s.Clone())
		}
	}

	sortSessions(out, order)

	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)

	return nil
}

func sortSessions(s []pkg.TelemetrySession, order aggregator.Sort) {
	sort.SliceStable(s, func(i, j int) bool {
		if order == aggregator.SortStartDescending {
			return s[i].StartDate.After(s[j].StartDate)
		}

		return s[i].StartDate.Before(s[j].StartDate)
	})
}

var _ aggregator.Store = (*Memory)(nil)
