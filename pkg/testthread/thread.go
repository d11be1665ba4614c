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

// Package testthread defines the user-thread handle the scheduler
// dispatches: a level, a blocking semaphore, and the timescope stack head.
// It deliberately knows nothing about scheduling or the global thread
// tables; pkg/simcore owns the state machine that drives a thread's
// goroutine, keeping task data and the run-state machine that drives it in
// separate concerns.
package testthread

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/talismancer/timescope/pkg/timescope"
)

var nextID uint64

// TesterThread is the core's handle for one user thread: a goroutine
// standing in for the OS thread a real test driver would spawn, parked on
// sem whenever it is not the one thread holding the virtual CPU.
type TesterThread struct {
	id    uint64
	Level int

	sem *semaphore.Weighted

	done atomic.Bool

	Bottom *timescope.ThreadRoot
	Top    timescope.Scope

	// Err is the outcome of the thread body: nil on a clean finish, set by
	// pkg/simcore before MarkDone on any other exit. DoJoin returns it to
	// waiters.
	Err error
}

// New constructs a TesterThread at the given level with a fresh,
// zero-permit blocking semaphore. bottom may be nil; pkg/simcore fills in
// Bottom and Top once it has built the thread's ThreadRoot, which itself
// needs this TesterThread as its owner.
func New(level int, bottom *timescope.ThreadRoot) *TesterThread {
	t := &TesterThread{
		id:     atomic.AddUint64(&nextID, 1),
		Level:  level,
		sem:    semaphore.NewWeighted(1),
		Bottom: bottom,
		Top:    bottom,
	}
	// The semaphore starts with zero permits available: acquire it once
	// up front so the thread goroutine's first Acquire call blocks until
	// the scheduler releases it.
	t.sem.Acquire(context.Background(), 1)
	return t
}

// OwnerLevel implements timescope.Owner.
func (t *TesterThread) OwnerLevel() int { return t.Level }

// OwnerID implements timescope.Owner.
func (t *TesterThread) OwnerID() string { return fmt.Sprintf("T%d@L%d", t.id, t.Level) }

// ID returns a stable numeric identifier for the thread, assigned in
// creation order.
func (t *TesterThread) ID() uint64 { return t.id }

// Done reports whether the thread has finished (normally or otherwise).
func (t *TesterThread) Done() bool { return t.done.Load() }

// MarkDone records that the thread has finished.
func (t *TesterThread) MarkDone() { t.done.Store(true) }

// Block parks the calling goroutine on the thread's semaphore until the
// scheduler releases it. It must only ever be called by the thread's own
// goroutine.
func (t *TesterThread) Block() {
	t.sem.Acquire(context.Background(), 1)
}

// Unblock releases the thread's semaphore, handing it the virtual CPU.
func (t *TesterThread) Unblock() {
	t.sem.Release(1)
}

// String implements fmt.Stringer for logging.
func (t *TesterThread) String() string { return t.OwnerID() }
