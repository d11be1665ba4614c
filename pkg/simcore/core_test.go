// Copyright 2024 The Timescope Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package simcore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/testthread"
)

func runToQuiescence(t *testing.T, c *Core, threads []*testthread.TesterThread) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(threads) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run did not quiesce in time")
		}
		blocked, _ := c.RunThreads(threads)
		c.Timestep()
		c.CurrentTimestep++

		threads = threads[:0]
		for _, waiters := range blocked {
			threads = append(threads, waiters...)
		}
	}
}

// A parent opens a scope, pokes x=5, forks a child which peeks x before
// the parent yields; the child must observe the drive from the parent's
// scope through ThreadRoot transparency.
func TestForkInheritsDriveFromSpawningScope(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	var seenX any
	var seenOK bool

	parent := c.Spawn(func() error {
		_, err := c.WithTimescope(func() error {
			c.DoPoke("x", 5, "poke")
			c.DoFork(func() error {
				seenX, seenOK = c.DoPeek("x", "peek")
				return nil
			})
			c.WaitForClock("clk")
			return nil
		})
		return err
	})

	runToQuiescence(t, c, []*testthread.TesterThread{parent})

	if !seenOK || seenX != 5 {
		t.Fatalf("forked child want to observe x=5 via parent's scope, got (%v, %v)", seenX, seenOK)
	}
}

// A parent forks a child then joins it; the parent must not resume until
// the child's completion requeues it.
func TestJoinBlocksUntilTargetFinishes(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	parent := c.Spawn(func() error {
		child := c.DoFork(func() error {
			record("child-ran")
			return nil
		})
		record("parent-forked")
		if err := c.DoJoin(child); err != nil {
			return err
		}
		record("parent-resumed")
		return nil
	})

	runToQuiescence(t, c, []*testthread.TesterThread{parent})

	if len(order) != 3 || order[0] != "parent-forked" || order[1] != "child-ran" || order[2] != "parent-resumed" {
		t.Fatalf("want [parent-forked child-ran parent-resumed], got %v", order)
	}
}

// A user exception inside a forked thread surfaces from
// RunThreads immediately — even leaving a runnable sibling undispatched —
// and the next RunThreads call resumes and drains it cleanly.
func TestExceptionPropagatesFromThreadBody(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	boom := errors.New("boom")
	var secondRan bool

	parent := c.Spawn(func() error {
		c.DoFork(func() error { return boom })
		c.DoFork(func() error { secondRan = true; return nil })
		c.WaitForClock("clk")
		return nil
	})

	blocked, err := c.RunThreads([]*testthread.TesterThread{parent})
	if err == nil {
		t.Fatalf("want the pending exception raised from the first RunThreads call")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("want the raised error to wrap boom, got %v", err)
	}
	if secondRan {
		t.Fatalf("the exception must pause dispatch before the sibling thread gets to run")
	}
	if c.Idle() {
		t.Fatalf("the core must not report quiescence while the sibling is still queued")
	}

	c.Timestep()
	c.CurrentTimestep++

	var threads []*testthread.TesterThread
	for _, waiters := range blocked {
		threads = append(threads, waiters...)
	}
	runToQuiescence(t, c, threads)

	if !secondRan {
		t.Fatalf("want the sibling thread dispatched and run to completion on the following call")
	}
	if !c.Idle() {
		t.Fatalf("want the core quiescent once every thread has drained")
	}
}

// Teardown interrupts every parked thread at its suspension point: here one
// blocked on a clock and one parked in DoJoin on it. Neither runs any
// further user code, neither surfaces an error, and both unwind.
func TestTeardownAbortsParkedThreads(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	var resumedAfterClock, resumedAfterJoin bool
	var child *testthread.TesterThread

	parent := c.Spawn(func() error {
		child = c.DoFork(func() error {
			c.WaitForClock("clk")
			resumedAfterClock = true
			return nil
		})
		if err := c.DoJoin(child); err != nil {
			return err
		}
		resumedAfterJoin = true
		return nil
	})

	blocked, err := c.RunThreads([]*testthread.TesterThread{parent})
	if err != nil {
		t.Fatalf("RunThreads: unexpected error %v", err)
	}
	if len(blocked["clk"]) != 1 {
		t.Fatalf("want the child parked on clk, got %+v", blocked)
	}

	done := make(chan struct{})
	go func() {
		c.Teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Teardown did not complete")
	}

	if !parent.Done() || !child.Done() {
		t.Fatalf("want both threads unwound by teardown, got parent=%v child=%v", parent.Done(), child.Done())
	}
	if resumedAfterClock || resumedAfterJoin {
		t.Fatalf("teardown must not resume user code past the suspension point")
	}
}

// A thread parked in DoJoin on a target that exits with an exception stays
// parked — threadFinished only runs on normal completion — until the driver
// tears the test down.
func TestTeardownReleasesJoinerOfFailedThread(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	boom := errors.New("boom")
	parent := c.Spawn(func() error {
		child := c.DoFork(func() error { return boom })
		return c.DoJoin(child)
	})

	_, err := c.RunThreads([]*testthread.TesterThread{parent})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom surfaced from RunThreads, got %v", err)
	}
	if parent.Done() {
		t.Fatalf("the joiner must stay parked after its target fails")
	}

	done := make(chan struct{})
	go func() {
		c.Teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Teardown did not complete")
	}
	if !parent.Done() {
		t.Fatalf("teardown must unwind the stranded joiner")
	}
}

// DoPoke with no thread holding the virtual CPU is
// a core bug — runBody always opens a timescope before the closure runs,
// so this exercises the guard directly rather than through a live thread.
func TestDoPokeRequiresCurrentThread(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	defer func() {
		if recover() == nil {
			t.Fatalf("want a panic when no thread holds the virtual CPU")
		}
	}()
	c.DoPoke("x", 1, "poke")
}

// Closing a timescope reverts the bridge-facing value to the nearest
// still-open ancestor's poke, end-to-end through the core.
func TestWithTimescopeRevertsOnClose(t *testing.T) {
	desc := circuit.NewDescription()
	c := New(desc, nil)

	var innerReverts map[circuit.Signal]bool
	parent := c.Spawn(func() error {
		_, err := c.WithTimescope(func() error {
			c.DoPoke("x", 1, "pokeA")
			reverts, _ := c.WithTimescope(func() error {
				c.DoPoke("x", 2, "pokeB")
				return nil
			})
			innerReverts = map[circuit.Signal]bool{}
			for s, rv := range reverts {
				innerReverts[s] = rv.Release
			}
			return nil
		})
		return err
	})

	runToQuiescence(t, c, []*testthread.TesterThread{parent})

	if release, ok := innerReverts["x"]; !ok || release {
		t.Fatalf("closing the inner scope must revert x to the outer scope's poke (not release), got %v present=%v", release, ok)
	}
}
