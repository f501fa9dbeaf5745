// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package aggregator builds telemetry session records from the stream
// of heart-rate samples received on the display side.
//
// An Aggregator is not safe for concurrent use. It is owned by the
// display agent's loop, which is its only writer. Query methods only
// touch the store and may be called from anywhere.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/clock"
)

type Config struct {
	Store    Store
	Clock    clock.Clock
	Location *time.Location
	Logger   *slog.Logger
}

type Aggregator struct {
	store    Store
	clock    clock.Clock
	location *time.Location
	logger   *slog.Logger

	current *pkg.TelemetrySession
}

func New(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("aggregator: Store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Aggregator{
		store:    cfg.Store,
		clock:    cfg.Clock,
		location: cfg.Location,
		logger:   cfg.Logger.With(slog.String("component", "aggregator")),
	}, nil
}

// Current returns the open session, or nil.
func (a *Aggregator) Current() *pkg.TelemetrySession {
	return a.current
}

// Begin opens a new session. Open sessions are closed first, and all
// sessions that started on the current calendar day are deleted so that
// a day holds a single record.
func (a *Aggregator) Begin(ctx context.Context) (*pkg.TelemetrySession, error) {
	now := a.clock.Now()

	if a.current != nil {
		if _, err := a.Close(ctx); err != nil {
			a.logger.Warn("Failed to close previous session", slog.Any("error", err))
		}
	}

	if err := a.closeOrphans(ctx); err != nil {
		return nil, err
	}

	today := StartOfDay(now, a.location)
	stale, err := a.store.Query(ctx, Filter{
		StartFrom:   today,
		StartBefore: today.AddDate(0, 0, 1),
	}, SortStartAscending)
	if err != nil {
		return nil, fmt.Errorf("failed to query today's sessions: %w", err)
	}

	for _, s := range stale {
		if err := a.store.Delete(ctx, s.ID); err != nil {
			return nil, fmt.Errorf("failed to delete session %s: %w", s.ID, err)
		}

		a.logger.Info("Replaced session of the same day", slog.Any("id", s.ID))
	}

	sess := pkg.NewTelemetrySession(now)
	if err := a.store.Insert(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	a.current = sess

	a.logger.Info("Session opened", slog.Any("id", sess.ID))

	return sess.Clone(), nil
}

// closeOrphans terminates stored sessions left open by an earlier run.
// Their end date is the last sample, or the start if there is none.
func (a *Aggregator) closeOrphans(ctx context.Context) error {
	open, err := a.store.Query(ctx, Filter{OpenOnly: true}, SortStartAscending)
	if err != nil {
		return fmt.Errorf("failed to query open sessions: %w", err)
	}

	for i := range open {
		s := &open[i]

		end := s.StartDate
		if n := len(s.Samples); n > 0 {
			end = s.Samples[n-1].Timestamp
		}
		s.EndDate = &end

		if err := a.store.Insert(ctx, s); err != nil {
			return fmt.Errorf("failed to close session %s: %w", s.ID, err)
		}

		a.logger.Info("Closed orphaned session",
			slog.Any("id", s.ID),
			slog.Time("end", end))
	}

	return nil
}

// Append records a sample received now into the open session. Samples
// received while no session is open are dropped.
func (a *Aggregator) Append(bpm float64) bool {
	if a.current == nil {
		a.logger.Debug("Dropping sample without open session", slog.Float64("bpm", bpm))
		return false
	}

	a.current.Append(a.clock.Now(), bpm)

	return true
}

// Checkpoint persists the open session without closing it.
func (a *Aggregator) Checkpoint(ctx context.Context) error {
	if a.current == nil {
		return nil
	}

	if err := a.store.Insert(ctx, a.current.Clone()); err != nil {
		return fmt.Errorf("failed to checkpoint session: %w", err)
	}

	return nil
}

// Close sets the end date of the open session and persists it. It
// returns nil if no session is open.
func (a *Aggregator) Close(ctx context.Context) (*pkg.TelemetrySession, error) {
	if a.current == nil {
		return nil, nil
	}

	sess := a.current
	a.current = nil

	end := a.clock.Now()
	sess.EndDate = &end

	if err := a.store.Insert(ctx, sess); err != nil {
		return sess.Clone(), fmt.Errorf("failed to persist session: %w", err)
	}

	a.logger.Info("Session closed",
		slog.Any("id", sess.ID),
		slog.Int("samples", len(sess.Samples)))

	return sess.Clone(), nil
}

// SessionsOn returns the sessions overlapping the calendar day of day.
func (a *Aggregator) SessionsOn(ctx context.Context, day time.Time) ([]pkg.TelemetrySession, error) {
	from := StartOfDay(day, a.location)

	return a.store.Query(ctx, Filter{
		OverlapFrom: from,
		OverlapTo:   from.AddDate(0, 0, 1),
	}, SortStartAscending)
}

// SessionsInLastDays returns the sessions started within the last n
// calendar days, today included.
func (a *Aggregator) SessionsInLastDays(ctx context.Context, n int) ([]pkg.TelemetrySession, error) {
	if n <= 0 {
		return []pkg.TelemetrySession{}, nil
	}

	from := StartOfDay(a.clock.Now(), a.location).AddDate(0, 0, -(n - 1))

	return a.store.Query(ctx, Filter{
		StartFrom: from,
	}, SortStartAscending)
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

type Range struct {
	Min float64
	Max float64
}

// CombinedRange folds the per-session ranges: the minimum of the minima
// and the maximum of the maxima. Sessions without samples contribute
// nothing. ok is false when no session has data.
func CombinedRange(sessions []pkg.TelemetrySession) (r Range, ok bool) {
	for _, s := range sessions {
		if s.MinBPM == nil || s.MaxBPM == nil {
			continue
		}

		if !ok {
			r = Range{Min: *s.MinBPM, Max: *s.MaxBPM}
			ok = true
			continue
		}

		r.Min = min(r.Min, *s.MinBPM)
		r.Max = max(r.Max, *s.MaxBPM)
	}

	return r, ok
}
