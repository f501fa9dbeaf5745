// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package playback

import (
	"sync"
	"time"

	"github.com/VILLASframework/heartrelay/pkg/clock"
)

// Scheduler runs functions after a delay. Every scheduled function can
// be cancelled individually through its Handle or together with all
// others through CancelAll.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

type Handle struct {
	scheduler *Scheduler

	mu        sync.Mutex
	timer     clock.Timer
	cancelled bool
	fired     bool
}

func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real()
	}

	return &Scheduler{
		clock:   c,
		handles: map[*Handle]struct{}{},
	}
}

// Schedule runs fn after delay unless the returned handle is cancelled
// first.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Handle {
	h := &Handle{
		scheduler: s,
	}

	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	t := s.clock.AfterFunc(delay, func() {
		h.mu.Lock()
		if h.cancelled || h.fired {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()

		s.remove(h)

		fn()
	})

	h.mu.Lock()
	h.timer = t
	h.mu.Unlock()

	return h
}

// Cancel prevents the function from running. It reports false if the
// function already ran or the handle was cancelled before.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	if h.cancelled || h.fired {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	t := h.timer
	h.mu.Unlock()

	if t != nil {
		t.Stop()
	}

	h.scheduler.remove(h)

	return true
}

// CancelAll cancels every outstanding handle.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Pending returns the number of functions waiting to run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

func (s *Scheduler) remove(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.handles, h)
}
