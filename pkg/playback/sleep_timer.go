// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VILLASframework/heartrelay/pkg/clock"
)

type SleepTimerConfig struct {
	Player Player
	Clock  clock.Clock

	// OnEnd is called once per Begin, when the track completes, the
	// timer fires or End is called, whichever happens first.
	OnEnd func()

	Logger *slog.Logger
}

// SleepTimer plays a track and stops it after a fixed duration.
type SleepTimer struct {
	player    Player
	scheduler *Scheduler
	onEnd     func()
	logger    *slog.Logger

	mu         sync.Mutex
	track      string
	running    bool
	generation uint64
}

func NewSleepTimer(cfg SleepTimerConfig) (*SleepTimer, error) {
	if cfg.Player == nil {
		return nil, errors.New("sleep timer: Player is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &SleepTimer{
		player:    cfg.Player,
		scheduler: NewScheduler(cfg.Clock),
		onEnd:     cfg.OnEnd,
		logger:    cfg.Logger.With(slog.String("component", "sleep-timer")),
	}

	t.player.OnPlaybackComplete(func() {
		t.mu.Lock()
		gen := t.generation
		t.mu.Unlock()

		t.end(gen, "playback complete")
	})

	return t, nil
}

// Begin plays track and schedules it to stop after d. A timer that is
// already running is replaced without calling OnEnd.
func (t *SleepTimer) Begin(track string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid sleep timer duration: %s", d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.scheduler.CancelAll()
	if t.running {
		t.player.Stop()
		t.running = false
	}

	t.generation++
	gen := t.generation

	if err := t.player.Load(track); err != nil {
		return fmt.Errorf("failed to load track '%s': %w", track, err)
	}
	if err := t.player.Play(); err != nil {
		return fmt.Errorf("failed to play track '%s': %w", track, err)
	}

	t.running = true
	t.track = track

	t.scheduler.Schedule(d, func() {
		t.end(gen, "timer expired")
	})

	t.logger.Info("Sleep timer started",
		slog.String("track", track),
		slog.Duration("duration", d))

	return nil
}

// End stops playback early.
func (t *SleepTimer) End() {
	t.mu.Lock()
	gen := t.generation
	t.mu.Unlock()

	t.end(gen, "ended")
}

// Running returns the current track and whether it is playing.
func (t *SleepTimer) Running() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.track, t.running
}

func (t *SleepTimer) end(gen uint64, reason string) {
	t.mu.Lock()
	if !t.running || gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.scheduler.CancelAll()
	t.player.Stop()

	t.logger.Info("Sleep timer ended", slog.String("reason", reason))

	if t.onEnd != nil {
		t.onEnd()
	}
}
