// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/VILLASframework/heartrelay/pkg"
)

// Store persists telemetry sessions.
type Store interface {
	// Insert stores s, replacing any session with the same ID.
	Insert(ctx context.Context, s *pkg.TelemetrySession) error
	Query(ctx context.Context, f Filter, order Sort) ([]pkg.TelemetrySession, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Filter selects sessions. Zero-valued fields do not constrain the
// result.
type Filter struct {
	// StartFrom and StartBefore bound the start date to [StartFrom, StartBefore).
	StartFrom   time.Time
	StartBefore time.Time

	// OverlapFrom and OverlapTo select sessions intersecting
	// [OverlapFrom, OverlapTo). Both must be set.
	OverlapFrom time.Time
	OverlapTo   time.Time

	OpenOnly bool
}

func (f Filter) Match(s *pkg.TelemetrySession) bool {
	if !f.StartFrom.IsZero() && s.StartDate.Before(f.StartFrom) {
		return false
	}
	if !f.StartBefore.IsZero() && !s.StartDate.Before(f.StartBefore) {
		return false
	}
	if !f.OverlapFrom.IsZero() && !f.OverlapTo.IsZero() && !s.Overlaps(f.OverlapFrom, f.OverlapTo) {
		return false
	}
	if f.OpenOnly && !s.Open() {
		return false
	}

	return true
}

type Sort int

const (
	SortStartAscending Sort = iota
	SortStartDescending
)
