// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package playback contains the sleep-sound player contract and the
// sleep timer which ends heart-rate monitoring when playback is over.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/VILLASframework/heartrelay/pkg/clock"
)

var ErrNoTrack = errors.New("no track loaded")

// Player is an audio backend.
type Player interface {
	Load(track string) error
	Play() error

	// Stop halts playback. It does not trigger the completion callback.
	Stop()

	// OnPlaybackComplete registers f to be called when a track has been
	// played to its end.
	OnPlaybackComplete(f func())
}

type TimedPlayerConfig struct {
	// Length is the duration of every track.
	Length time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// TimedPlayer is a Player without audio output. A track completes once
// Length has elapsed on the clock.
type TimedPlayer struct {
	length time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	track      string
	playing    bool
	generation uint64
	timer      clock.Timer
	onComplete func()
}

func NewTimedPlayer(cfg TimedPlayerConfig) *TimedPlayer {
	if cfg.Length <= 0 {
		cfg.Length = 45 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &TimedPlayer{
		length: cfg.Length,
		clock:  cfg.Clock,
		logger: cfg.Logger.With(slog.String("component", "player")),
	}
}

func (p *TimedPlayer) Load(track string) error {
	if track == "" {
		return ErrNoTrack
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stop()
	p.track = track

	p.logger.Debug("Track loaded", slog.String("track", track))

	return nil
}

func (p *TimedPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.track == "" {
		return ErrNoTrack
	}
	if p.playing {
		return nil
	}

	p.playing = true
	p.generation++
	gen := p.generation
	p.timer = p.clock.AfterFunc(p.length, func() { p.completed(gen) })

	p.logger.Info("Playing", slog.String("track", p.track))

	return nil
}

func (p *TimedPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stop()
}

func (p *TimedPlayer) OnPlaybackComplete(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onComplete = f
}

func (p *TimedPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.playing
}

func (p *TimedPlayer) Track() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.track
}

func (p *TimedPlayer) stop() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	p.playing = false
}

func (p *TimedPlayer) completed(gen uint64) {
	p.mu.Lock()
	if !p.playing || gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.timer = nil
	f := p.onComplete
	p.mu.Unlock()

	p.logger.Info("Playback complete")

	if f != nil {
		f()
	}
}
