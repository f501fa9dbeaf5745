// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package loop provides the single-writer execution context that owns
// the state of a relay agent. Callbacks arriving from transport, sensor
// or timer goroutines are posted onto the loop and run one at a time.
package loop

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("loop stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a loop and starts its goroutine. The loop stops when ctx
// is cancelled or Stop is called.
func New(ctx context.Context) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go l.run(ctx)

	return l
}

// Post enqueues fn without blocking. It returns false if the loop has
// already stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)

	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.mu.Unlock()

	return true
}

// Do runs fn on the loop and waits for it to complete. It must not be
// called from the loop itself.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop discards pending work and waits for the loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.wake)
	}
	l.mu.Unlock()

	<-l.done
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if !l.stopped {
				l.stopped = true
				close(l.wake)
			}
			l.mu.Unlock()
			return

		case _, ok := <-l.wake:
			if !ok {
				return
			}

			for {
				l.mu.Lock()
				if len(l.queue) == 0 || l.stopped {
					l.mu.Unlock()
					break
				}
				fn := l.queue[0]
				l.queue[0] = nil
				l.queue = l.queue[1:]
				l.mu.Unlock()

				fn()
			}
		}
	}
}
