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

// Package scheduler implements the level-descending, FIFO-within-level
// cooperative dispatcher. It owns the per-run scheduling
// state (activeThreads, blockedThreads, currentLevel) and the record of
// which thread currently holds the virtual CPU; the global thread tables
// (allThreads, joinedThreads) belong to pkg/simcore, which is also where
// fork/join/threadFinished live since they touch both.
package scheduler

import (
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/simerr"
	"github.com/talismancer/timescope/pkg/testthread"
)

// levelItem adapts an int level into a btree.Item so Scheduler can ask for
// the maximum populated level in O(log n) instead of scanning
// activeThreads.
type levelItem int

func (l levelItem) Less(than btree.Item) bool { return l < than.(levelItem) }

// Scheduler is the per-RunThreads-invocation dispatcher state: the current
// dispatch level, the run queue per level, and the threads parked on clock
// edges. It is not safe for concurrent use: only the
// thread currently holding the virtual CPU, or the driver goroutine while
// no thread does, may call its methods.
type Scheduler struct {
	log logrus.FieldLogger

	currentLevel int // -1 when idle
	levels       *btree.BTree
	active       map[int][]*testthread.TesterThread
	blocked      map[circuit.ClockID][]*testthread.TesterThread

	// current is the thread presently holding the virtual CPU, or nil
	// when only the driver does.
	current *testthread.TesterThread

	// pausedOnException is set when Dispatch hands control back to the
	// driver because an exception is pending while activeThreads still has
	// runnable entries left over from the interrupted phase. This is not
	// the quiescent idle state — Prime tolerates it on the next call
	// instead of rejecting it, so those leftover threads get a chance to
	// run on the following RunThreads call.
	pausedOnException bool
}

// New returns an idle Scheduler.
func New(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		log:          log,
		currentLevel: -1,
		levels:       btree.New(8),
		active:       make(map[int][]*testthread.TesterThread),
		blocked:      make(map[circuit.ClockID][]*testthread.TesterThread),
	}
}

// Current returns the thread currently holding the virtual CPU, or nil.
func (s *Scheduler) Current() *testthread.TesterThread { return s.current }

// Idle reports whether the scheduler has returned to its quiescent state:
// no run queues populated and no thread holding the virtual CPU.
func (s *Scheduler) Idle() bool {
	return s.currentLevel == -1 && len(s.active) == 0 && s.current == nil
}

// Enqueue adds t to the tail of its level's run queue (used by both
// Prime's initial grouping and DoFork, which queues a new child at its own
// level, one deeper than its spawner's).
func (s *Scheduler) Enqueue(t *testthread.TesterThread) {
	if _, ok := s.active[t.Level]; !ok {
		s.levels.ReplaceOrInsert(levelItem(t.Level))
	}
	s.active[t.Level] = append(s.active[t.Level], t)
}

// BlockOnClock parks t awaiting clock, removing it from any run queue
// consideration until the driver resolves the clock between runThreads
// invocations.
func (s *Scheduler) BlockOnClock(clock circuit.ClockID, t *testthread.TesterThread) {
	s.blocked[clock] = append(s.blocked[clock], t)
}

// maxLevel returns the highest populated level, or -1 if none.
func (s *Scheduler) maxLevel() int {
	max := s.levels.Max()
	if max == nil {
		return -1
	}
	return int(max.(levelItem))
}

// Dispatch pops the next runnable thread — highest level first, FIFO
// within a level — and hands it the virtual CPU, or releases the driver if
// none remain. exceptionPending lets the caller (pkg/simcore) force the
// hand-back-to-driver path without this package knowing about the
// exception queue's representation.
func (s *Scheduler) Dispatch(exceptionPending bool) {
	for {
		if len(s.active) == 0 {
			s.current = nil
			s.currentLevel = -1
			s.pausedOnException = false
			return
		}

		if exceptionPending {
			// Hand control back without touching the run queues: threads
			// still queued at this or another level never got to run this
			// phase, but they are not lost — Prime tolerates resuming into
			// them on the next RunThreads call instead of requiring a
			// freshly idle scheduler.
			s.current = nil
			s.pausedOnException = true
			return
		}

		// Recompute the populated max on every dispatch, not just when
		// currentLevel's own queue drains. A fork started by the thread
		// that just ran can have planted a new, higher level since the
		// last dispatch; picking up that level immediately is what makes a
		// forked child run before its parent resumes.
		s.currentLevel = s.maxLevel()

		queue := s.active[s.currentLevel]
		next := queue[0]
		if len(queue) == 1 {
			delete(s.active, s.currentLevel)
			s.levels.Delete(levelItem(s.currentLevel))
		} else {
			s.active[s.currentLevel] = queue[1:]
		}

		if next.Done() {
			// Interrupted for teardown while still queued: its goroutine
			// has already unwound and will never yield, so handing it the
			// virtual CPU would strand the driver.
			continue
		}

		s.current = next
		s.log.WithFields(logrus.Fields{"thread": next.OwnerID(), "level": s.currentLevel}).Debug("dispatching thread")
		next.Unblock()
		return
	}
}

// Prime merges threads into the run queues, grouped by level, and
// recomputes currentLevel as the highest level now populated — the setup
// half of RunThreads; pkg/simcore calls Dispatch next to start
// execution. The scheduler must be idle (no current level, no run queues,
// no blocked threads) — relaxed to tolerate a scheduler left non-idle by
// Dispatch pausing on a pending exception (pausedOnException), so the
// leftover runnable threads from an interrupted phase are merged with
// whatever the driver resubmits rather than rejected.
func (s *Scheduler) Prime(grouped map[int][]*testthread.TesterThread) {
	if !s.pausedOnException && (s.currentLevel != -1 || len(s.active) != 0 || len(s.blocked) != 0) {
		panic(simerr.NewInvariantViolation("RunThreads called with non-idle scheduler"))
	}
	s.pausedOnException = false
	for _, threads := range grouped {
		for _, t := range threads {
			s.Enqueue(t)
		}
	}
	s.currentLevel = s.maxLevel()
}

// Requeue re-adds a thread to its level's run queue (used by
// threadFinished to wake joiners).
func (s *Scheduler) Requeue(t *testthread.TesterThread) {
	s.Enqueue(t)
}

// DrainBlocked extracts and clears blockedThreads, handing ownership of the
// clock->threads mapping to the driver as RunThreads' return
// value. It does not otherwise touch scheduler state: by the time
// RunThreads calls this, Dispatch has already left the scheduler idle (the
// common case) or paused on a pending exception (pausedOnException), and
// either way blockedThreads is independent of that.
func (s *Scheduler) DrainBlocked() map[circuit.ClockID][]*testthread.TesterThread {
	out := s.blocked
	s.blocked = make(map[circuit.ClockID][]*testthread.TesterThread)
	return out
}
