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

// Package simcore wires pkg/timescope, pkg/actionlog, pkg/testthread and
// pkg/scheduler into the core operations a test body and a driver actually
// call: DoPoke, DoPeek, NewTimescope/CloseTimescope/WithTimescope, DoFork,
// DoJoin, RunThreads and Timestep.
//
// Core is not safe for concurrent use by more than one goroutine issuing
// operations at once — by construction only the thread currently holding
// the virtual CPU (or the driver goroutine, while none does) ever calls
// into it, and the semaphore handoff in yield/Dispatch is the only
// synchronization point. Release-then-Acquire on that semaphore gives every
// field below a happens-before edge across the handoff, so no further
// locking guards this struct: exactly one goroutine ever runs kernel code
// at a time.
package simcore

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/talismancer/timescope/pkg/actionlog"
	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/scheduler"
	"github.com/talismancer/timescope/pkg/simerr"
	"github.com/talismancer/timescope/pkg/testthread"
	"github.com/talismancer/timescope/pkg/timescope"
)

// Core is the scheduling core's single point of entry.
type Core struct {
	log     logrus.FieldLogger
	desc    *circuit.Description
	sched   *scheduler.Scheduler
	actions *actionlog.Log

	// CurrentTimestep is simulated time, assignable by the driver. The
	// driver advances it between Timestep and the next RunThreads call.
	CurrentTimestep timescope.Timestep

	driverSem *semaphore.Weighted

	allThreads    map[uint64]*testthread.TesterThread
	joinedThreads map[uint64][]*testthread.TesterThread

	exceptions  []error
	onException func(error)

	// tearingDown makes every thread wake-up point panic with the teardown
	// signal instead of resuming user code. Set only by Teardown, while the
	// driver holds control.
	tearingDown bool
}

// New returns an idle Core over desc. A nil logger falls back to logrus's
// standard logger.
func New(desc *circuit.Description, log logrus.FieldLogger) *Core {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Core{
		log:           log,
		desc:          desc,
		sched:         scheduler.New(log),
		actions:       actionlog.New(log),
		driverSem:     semaphore.NewWeighted(1),
		allThreads:    make(map[uint64]*testthread.TesterThread),
		joinedThreads: make(map[uint64][]*testthread.TesterThread),
	}
	c.driverSem.Acquire(context.Background(), 1)
	return c
}

// OnException registers fn to be called, synchronously and from whichever
// goroutine observed the failure, every time a thread body exits with a
// non-nil error.
func (c *Core) OnException(fn func(error)) { c.onException = fn }

func (c *Core) current() *testthread.TesterThread {
	t := c.sched.Current()
	if t == nil {
		panic(simerr.NewInvariantViolation("core operation called with no thread holding the virtual CPU"))
	}
	return t
}

func nextActionID(scope timescope.Scope) timescope.ActionID {
	if ts, ok := scope.(*timescope.Timescope); ok {
		return ts.NextAction()
	}
	return 0
}

// ---- Non-suspending operations ----

// DoPoke records a poke of signal within the calling thread's current
// timescope.
func (c *Core) DoPoke(signal circuit.Signal, value any, trace timescope.Trace) timescope.PokeRecord {
	t := c.current()
	ts, ok := t.Top.(*timescope.Timescope)
	if !ok {
		panic(simerr.NewInvariantViolation("doPoke: %s has no open timescope", t.OwnerID()))
	}
	rec := ts.Poke(signal, value, trace, c.CurrentTimestep)
	c.actions.RecordPoke(signal, ts)
	return rec
}

// DoPeek returns the value signal is presently driven to from the calling
// thread's point of view — its own scope's poke, or the nearest ancestor's
// (crossing ThreadRoots transparently) — and records the peek for conflict
// detection. The second return is false if nothing drives signal at all.
func (c *Core) DoPeek(signal circuit.Signal, trace timescope.Trace) (any, bool) {
	t := c.current()
	rec, driven := timescope.NearestAncestorPoke(t.Top, signal)

	c.actions.RecordPeek(signal, actionlog.PeekRecord{
		Scope:    t.Top,
		Timestep: c.CurrentTimestep,
		ActionID: nextActionID(t.Top),
		Trace:    trace,
	})
	if !driven {
		return nil, false
	}
	return rec.Value, true
}

// NewTimescope opens a child timescope of the calling thread's current
// scope and pushes it onto that thread's stack.
func (c *Core) NewTimescope() *timescope.Timescope {
	t := c.current()
	ts := timescope.Open(t, t.Top, c.CurrentTimestep)
	t.Top = ts
	return ts
}

// CloseTimescope closes ts, which must be the calling thread's current
// top-of-stack scope, pops it, and returns the reverts the caller should
// apply to the simulator bridge.
func (c *Core) CloseTimescope(ts *timescope.Timescope) map[circuit.Signal]timescope.RevertValue {
	t := c.current()
	if t.Top != timescope.Scope(ts) {
		panic(simerr.NewInvariantViolation("closeTimescope: out-of-order close on %s", t.OwnerID()))
	}
	reverts := timescope.Close(ts, c.CurrentTimestep)
	t.Top = ts.Parent()
	return reverts
}

// WithTimescope opens a timescope, runs body, and closes it on both normal
// and exceptional exit, returning the reverts and whatever body
// returned. A teardown interrupt is the one exception that is NOT caught
// here: it re-panics without closing, so that — as it propagates through
// every enclosing WithTimescope call on the stack — no cleanup runs at all,
// matching the thread-body boundary's own handling of the same signal.
func (c *Core) WithTimescope(body func() error) (reverts map[circuit.Signal]timescope.RevertValue, err error) {
	ts := c.NewTimescope()
	defer func() {
		if r := recover(); r != nil {
			if simerr.IsTeardown(r) {
				panic(r)
			}
			reverts = c.CloseTimescope(ts)
			err = simerr.NewUserException(r)
			return
		}
		reverts = c.CloseTimescope(ts)
	}()
	err = body()
	return
}

// ---- Suspending operations ----

// DoFork spawns a child thread at the caller's level plus one and starts its
// goroutine. The child is pushed to the tail of its own level's run queue;
// the caller keeps running until it next yields, so a freshly forked child
// never preempts its spawner mid-operation.
func (c *Core) DoFork(body func() error) *testthread.TesterThread {
	parent := c.current()
	parentActionID := nextActionID(parent.Top)

	child := testthread.New(parent.Level+1, nil)
	root := timescope.NewThreadRoot(child, parent.Top, c.CurrentTimestep, parentActionID)
	child.Bottom = root
	child.Top = root

	c.allThreads[child.ID()] = child
	c.sched.Enqueue(child)
	go c.runThread(child, body)
	return child
}

// Spawn creates a top-level thread (level 0), rooted directly under Root,
// for the driver to hand to RunThreads. It starts the thread's goroutine
// immediately (it parks on its own semaphore until dispatched) but does not
// enqueue it — RunThreads does that once the driver has assembled a batch.
func (c *Core) Spawn(body func() error) *testthread.TesterThread {
	child := testthread.New(0, nil)
	root := timescope.NewThreadRoot(child, timescope.TheRoot(), c.CurrentTimestep, 0)
	child.Bottom = root
	child.Top = root

	c.allThreads[child.ID()] = child
	go c.runThread(child, body)
	return child
}

// DoJoin blocks the calling thread until target finishes, returning
// whatever error target's body exited with. The caller's level must be
// strictly below target's — true of every thread DoFork ever produces,
// since a child's level is always its spawner's plus one — otherwise the
// join can never be satisfied and it is a core bug.
func (c *Core) DoJoin(target *testthread.TesterThread) error {
	caller := c.current()
	if caller.Level >= target.Level {
		panic(simerr.NewInvariantViolation(
			"doJoin: caller level %d is not below target level %d", caller.Level, target.Level))
	}
	if !target.Done() {
		c.joinedThreads[target.ID()] = append(c.joinedThreads[target.ID()], caller)
		c.yield()
		caller.Block()
		c.checkTeardown()
	}
	return target.Err
}

// WaitForClock blocks the calling thread until the driver resolves clock:
// it registers the thread in blockedThreads[clock], yields, then parks on
// its own semaphore. The driver decides which blocked queues advance by
// stepping simulated time between RunThreads invocations.
func (c *Core) WaitForClock(clock circuit.ClockID) {
	t := c.current()
	c.sched.BlockOnClock(clock, t)
	c.yield()
	t.Block()
	c.checkTeardown()
}

// yield implements scheduler(): dispatch the next runnable thread, or hand
// control back to the driver if none remain. It never blocks the calling
// goroutine itself — callers that need to stop running block afterward, on
// whichever semaphore is theirs to wait on.
func (c *Core) yield() {
	c.sched.Dispatch(c.hasException())
	if c.sched.Current() == nil {
		c.driverSem.Release(1)
	}
}

func (c *Core) runThread(t *testthread.TesterThread, body func() error) {
	t.Block()
	if c.tearingDown {
		// Torn down before ever being dispatched: the body never runs.
		t.MarkDone()
		c.yield()
		return
	}
	err, teardown := c.runBody(t, body)
	t.Err = err
	t.MarkDone()
	switch {
	case teardown:
		// Silent abort; waiters stay parked for Teardown to interrupt.
	case err != nil:
		c.pushException(err)
	default:
		c.threadFinished(t)
	}
	c.yield()
}

// threadFinished handles a thread's normal completion: the
// thread leaves allThreads and every waiter parked in DoJoin on it is
// requeued onto its own level's run queue. The exceptional exit path never
// reaches here — a failed thread's waiters stay parked until the driver
// tears the test down, and later DoJoin calls on it return immediately
// since Done is already set.
func (c *Core) threadFinished(t *testthread.TesterThread) {
	delete(c.allThreads, t.ID())
	for _, waiter := range c.joinedThreads[t.ID()] {
		if waiter.Level >= t.Level {
			panic(simerr.NewInvariantViolation(
				"threadFinished: waiter %s is not below finished thread %s", waiter.OwnerID(), t.OwnerID()))
		}
		c.sched.Requeue(waiter)
	}
	delete(c.joinedThreads, t.ID())
}

// checkTeardown panics with the teardown signal if the driver is tearing
// the core down. Every wake-up point inside a user thread calls it right
// after reacquiring the thread's semaphore, so a parked thread dies at the
// point it was suspended without running any further user code or cleanup.
func (c *Core) checkTeardown() {
	if c.tearingDown {
		panic(simerr.InterruptedForTeardown)
	}
}

// Teardown aborts every live user thread: each one
// is woken in turn and unwinds via the teardown signal, skipping all
// cleanup — timescope and action-log state are deliberately left as they
// were, the test is considered aborted. Must be called while the driver
// holds control (between RunThreads invocations).
func (c *Core) Teardown() {
	c.tearingDown = true
	for {
		var victim *testthread.TesterThread
		for _, t := range c.allThreads {
			if !t.Done() {
				victim = t
				break
			}
		}
		if victim == nil {
			break
		}
		c.log.WithField("thread", victim.OwnerID()).Debug("interrupting thread for teardown")
		victim.Unblock()
		c.driverSem.Acquire(context.Background(), 1)
	}
	c.tearingDown = false
}

// runBody opens the thread's user-visible root timescope, runs body to
// completion, and — only on a clean exit — closes that timescope and
// asserts the stack unwound to Bottom. A panic or a returned error
// translates to the thread's exit error, and the
// unwinding assertions are skipped entirely in that case: whatever
// timescopes the body left open stay open, unreverted, for the conflict
// scan to see. A genuine teardown interrupt is reported back via the
// teardown flag rather than as an error: the thread is being torn down
// from outside, not failing, so runThread neither queues it as a user
// exception nor calls threadFinished.
func (c *Core) runBody(t *testthread.TesterThread, body func() error) (err error, teardown bool) {
	ts := c.NewTimescope()
	defer func() {
		if r := recover(); r != nil {
			if simerr.IsTeardown(r) {
				teardown = true
				return
			}
			err = simerr.NewUserException(r)
			return
		}
		if err != nil {
			return
		}
		c.CloseTimescope(ts)
		if t.Top != timescope.Scope(t.Bottom) {
			err = simerr.NewInvariantViolation("thread %s finished with %s still open", t.OwnerID(), timescope.String(t.Top))
		}
	}()
	if bodyErr := body(); bodyErr != nil {
		err = simerr.NewUserException(bodyErr)
	}
	return
}

func (c *Core) pushException(err error) {
	c.exceptions = append(c.exceptions, err)
	c.log.WithField("thread", "exception-queue").Warn(err.Error())
	if c.onException != nil {
		c.onException(err)
	}
}

func (c *Core) hasException() bool { return len(c.exceptions) > 0 }

// popException removes and returns the oldest pending exception, or nil.
// Only one is surfaced per RunThreads call; the rest stay enqueued for the
// following calls.
func (c *Core) popException() error {
	if len(c.exceptions) == 0 {
		return nil
	}
	err := c.exceptions[0]
	c.exceptions = c.exceptions[1:]
	return err
}

// ---- Driver-facing operations ----

// RunThreads is the driver entry point for one
// execution phase. Preconditions: the scheduler is idle, or was left
// paused by a pending exception in the previous call. It groups threads
// by level, primes the scheduler, dispatches until every thread has either
// finished or blocked on a clock or an exception halts the phase, then
// returns the clocks threads are now waiting on together with the first
// pending exception, if any.
func (c *Core) RunThreads(threads []*testthread.TesterThread) (map[circuit.ClockID][]*testthread.TesterThread, error) {
	grouped := make(map[int][]*testthread.TesterThread, len(threads))
	for _, t := range threads {
		grouped[t.Level] = append(grouped[t.Level], t)
	}
	c.sched.Prime(grouped)
	c.yield()
	c.driverSem.Acquire(context.Background(), 1)

	blocked := c.sched.DrainBlocked()
	return blocked, c.popException()
}

// Idle reports whether the scheduler has fully quiesced: no thread holds
// the virtual CPU and no run queue still has entries. It is false after a
// RunThreads call that was cut short by a pending exception while sibling
// threads were still queued — the driver should keep calling RunThreads
// (with an empty slice, if no blocked threads woke) until Idle is true, so
// the stranded threads get to finish.
func (c *Core) Idle() bool { return c.sched.Idle() }

// Timestep runs the timestep-boundary scan. The driver calls it once it
// has applied the phase's reverts/pokes to the simulator bridge, before
// advancing CurrentTimestep and resolving which blocked clocks fire next.
// It prunes the action log and runs both conflict checks over the step
// that just ended.
func (c *Core) Timestep() []*actionlog.ConflictError {
	return c.actions.PruneAndCheck(c.CurrentTimestep, c.desc)
}

// Thread looks up a previously spawned or forked thread by id, for driver
// code that only kept a numeric handle. A thread that finished normally has
// left allThreads and is not found.
func (c *Core) Thread(id uint64) (*testthread.TesterThread, bool) {
	t, ok := c.allThreads[id]
	return t, ok
}
