// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestPostRunsInOrderOnOneGoroutine(t *testing.T) {
	l := New(context.Background())
	defer l.Stop()

	var got []int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		i := i
		l.Post(func() {
			defer wg.Done()
			got = append(got, i)
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestConcurrentPostersAreSerialised(t *testing.T) {
	l := New(context.Background())
	defer l.Stop()

	counter := 0
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = l.Do(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	if err := l.Do(func() { final = counter }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if final != 2000 {
		t.Fatalf("counter = %d, want 2000", final)
	}
}

func TestStoppedLoopRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(ctx)
	cancel()
	<-l.Done()

	if l.Post(func() {}) {
		t.Fatalf("Post after cancel should fail")
	}
	if err := l.Do(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after cancel = %v, want ErrStopped", err)
	}

	l.Stop()
}
