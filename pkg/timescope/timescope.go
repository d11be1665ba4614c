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

// Package timescope implements the parented tree of signal-drive scopes
// described by the core's data model. A Timescope is a lexically scoped
// region that records the most recent poke of each signal made within it;
// closing a Timescope reverts those signals to whatever an ancestor scope
// still drives, or releases them.
//
// The tree is a forest of plain pointers: Timescopes point only toward
// their parent, never toward children, so there are no reference cycles to
// break and no arena bookkeeping is needed.
package timescope

import (
	"fmt"

	"github.com/talismancer/timescope/pkg/circuit"
)

// Timestep is simulated time as tracked by the driver, which owns advancing
// it between execution phases.
type Timestep uint64

// ActionID orders every action recorded within a single Timescope. It is
// assigned from the enclosing scope's nextActionId counter at the moment
// the action is recorded, then the counter advances.
type ActionID uint64

// Owner is the opaque identity of the thread that owns a scope. The
// scheduler/thread packages supply concrete Owner values; timescope itself
// never needs more than identity comparison and a Level for diagnostics.
type Owner interface {
	// OwnerLevel returns the fork depth of the owning thread.
	OwnerLevel() int
	// OwnerID returns a stable, human-readable identifier for logging.
	OwnerID() string
}

// Scope is the tagged union of the three timescope variants: *Root,
// *ThreadRoot, and *Timescope. Only *Timescope carries pokes; all three
// can appear as a parent.
type Scope interface {
	isScope()
	// Parent returns the enclosing scope, or nil for the singleton Root.
	Parent() Scope
}

// Root is the singleton ancestor of every top-level thread. It owns no
// pokes and has no parent.
type Root struct{}

func (*Root) isScope()      {}
func (*Root) Parent() Scope { return nil }

// theRoot is the single Root instance; there is never a reason to allocate
// more than one.
var theRoot = &Root{}

// TheRoot returns the singleton Root scope.
func TheRoot() *Root { return theRoot }

// ThreadRoot is the sentinel at the bottom of every user thread's scope
// stack. It carries no pokes of its own but records where the thread was
// spawned from, so the ancestor search run at close time can cross thread
// boundaries transparently: a forked thread inherits the drive state of its
// spawning scope.
type ThreadRoot struct {
	owner          Owner
	parent         Scope // *Root or *Timescope in the spawning thread
	openedAt       Timestep
	parentActionID ActionID
}

func (*ThreadRoot) isScope() {}

// Parent implements Scope.
func (t *ThreadRoot) Parent() Scope { return t.parent }

// NewThreadRoot constructs the ThreadRoot for a freshly created thread.
// parent is the spawning scope (Root for a top-level thread, or the
// spawning thread's current Timescope for a forked child); parentActionID
// is that scope's nextActionId at the moment of spawn (0 if parent is
// itself a ThreadRoot/Root).
func NewThreadRoot(owner Owner, parent Scope, openedAt Timestep, parentActionID ActionID) *ThreadRoot {
	if parent == nil {
		parent = theRoot
	}
	return &ThreadRoot{
		owner:          owner,
		parent:         parent,
		openedAt:       openedAt,
		parentActionID: parentActionID,
	}
}

// Owner returns the thread that owns this ThreadRoot.
func (t *ThreadRoot) Owner() Owner { return t.owner }

// OpenedAt returns the timestep in which the owning thread was spawned.
func (t *ThreadRoot) OpenedAt() Timestep { return t.openedAt }

// PokeRecord is the latest poke of a signal recorded within a single
// Timescope: its timestep, the actionId assigned by the enclosing scope,
// the poked value, and an opaque trace of the call site.
type PokeRecord struct {
	Timestep Timestep
	ActionID ActionID
	Value    any
	Trace    Trace
}

// Trace is an opaque, captured call-site description attached to pokes and
// peeks for diagnostics. It is produced by the caller (see pkg/simcore),
// never interpreted by this package.
type Trace string

// Timescope is a mutable, lexically scoped signal-drive region opened by
// NewTimescope and closed by CloseTimescope. It records only the latest
// poke on each signal made directly within it.
type Timescope struct {
	owner          Owner
	parent         Scope
	openedAt       Timestep
	parentActionID ActionID
	nextActionID   ActionID
	closedAt       *Timestep
	pokes          map[circuit.Signal]PokeRecord
}

func (*Timescope) isScope() {}

// Parent implements Scope.
func (t *Timescope) Parent() Scope { return t.parent }

// Open creates a new child Timescope of parent, owned by the same thread
// as parent (parent must be the thread's current top-of-stack scope; the
// caller, pkg/simcore, enforces that invariant). It returns the new scope
// and leaves parent's nextActionID advanced by one.
func Open(owner Owner, parent Scope, now Timestep) *Timescope {
	var parentActionID ActionID
	if p, ok := parent.(*Timescope); ok {
		parentActionID = p.nextActionID
		p.nextActionID++
	}
	// parentActionID stays 0 when parent is a *ThreadRoot or *Root: the
	// first timescope of a thread has no preceding actions to order
	// against.
	return &Timescope{
		owner:          owner,
		parent:         parent,
		openedAt:       now,
		parentActionID: parentActionID,
		pokes:          make(map[circuit.Signal]PokeRecord),
	}
}

// Owner returns the thread that owns this scope.
func (t *Timescope) Owner() Owner { return t.owner }

// Closed reports whether Close has already been called on t.
func (t *Timescope) Closed() bool { return t.closedAt != nil }

// ClosedAt returns the timestep t was closed in, if it has been closed.
func (t *Timescope) ClosedAt() (Timestep, bool) {
	if t.closedAt == nil {
		return 0, false
	}
	return *t.closedAt, true
}

// ParentActionID returns the actionId assigned to t within its parent
// scope at the moment it was opened (0 if the parent was a ThreadRoot or
// Root).
func (t *Timescope) ParentActionID() ActionID { return t.parentActionID }

// NextActionID returns the next actionId that will be assigned to an
// action recorded directly within t.
func (t *Timescope) NextActionID() ActionID { return t.nextActionID }

// Poke records a poke of signal within t, returning the PokeRecord so the
// caller (pkg/actionlog) can also index it for conflict detection. It
// overwrites any earlier poke of the same signal within this scope.
func (t *Timescope) Poke(signal circuit.Signal, value any, trace Trace, now Timestep) PokeRecord {
	rec := PokeRecord{
		Timestep: now,
		ActionID: t.nextActionID,
		Value:    value,
		Trace:    trace,
	}
	t.nextActionID++
	t.pokes[signal] = rec
	return rec
}

// NextAction consumes and returns the next actionId for a non-poke action
// (a peek) recorded directly within t.
func (t *Timescope) NextAction() ActionID {
	id := t.nextActionID
	t.nextActionID++
	return id
}

// PokeOf returns the latest PokeRecord for signal recorded directly within
// t, if any.
func (t *Timescope) PokeOf(signal circuit.Signal) (PokeRecord, bool) {
	rec, ok := t.pokes[signal]
	return rec, ok
}

// PokedSignals returns every signal t itself has an active poke entry for.
func (t *Timescope) PokedSignals() []circuit.Signal {
	out := make([]circuit.Signal, 0, len(t.pokes))
	for s := range t.pokes {
		out = append(out, s)
	}
	return out
}

// RevertValue is the result of resolving what a signal should become after
// a Timescope driving it closes: either Value from the nearest ancestor's
// still-live poke, or Release set when no ancestor drives the signal at all
// and the simulator should stop driving it.
type RevertValue struct {
	Value   any
	Release bool
}

// Close closes t, which must be the caller's current top-of-stack scope.
// It returns, for every signal t itself poked, the value the simulator
// bridge should revert that signal to (or Release if nothing still drives
// it), resolved by walking the parent chain and treating ThreadRoot as
// transparent.
func Close(t *Timescope, now Timestep) map[circuit.Signal]RevertValue {
	step := now
	t.closedAt = &step
	reverts := make(map[circuit.Signal]RevertValue, len(t.pokes))
	for signal := range t.pokes {
		if rec, ok := NearestAncestorPoke(t.parent, signal); ok {
			reverts[signal] = RevertValue{Value: rec.Value}
		} else {
			reverts[signal] = RevertValue{Release: true}
		}
	}
	return reverts
}

// NearestAncestorPoke walks from scope upward (scope is typically a
// Timescope's parent), skipping ThreadRoots transparently, and returns the
// nearest ancestor Timescope's poke of signal, if one exists before Root
// is reached.
func NearestAncestorPoke(scope Scope, signal circuit.Signal) (PokeRecord, bool) {
	for s := scope; s != nil; s = s.Parent() {
		switch v := s.(type) {
		case *Timescope:
			if rec, ok := v.pokes[signal]; ok {
				return rec, true
			}
		case *ThreadRoot:
			// Transparent: keep climbing into the spawning scope.
		case *Root:
			return PokeRecord{}, false
		}
	}
	return PokeRecord{}, false
}

// ContainsAncestor reports whether ancestor appears somewhere in scope's
// own chain (scope itself counts), walking through ThreadRoots
// transparently. It is the primitive used by conflict detection to decide
// whether one open scope's drive is "covered by" another's lineage.
func ContainsAncestor(scope Scope, ancestor Scope) bool {
	for s := scope; s != nil; s = s.Parent() {
		if s == ancestor {
			return true
		}
	}
	return false
}

// String gives a short diagnostic rendering of a scope, used only in
// ConflictError messages.
func String(s Scope) string {
	switch v := s.(type) {
	case *Root:
		return "root"
	case *ThreadRoot:
		return fmt.Sprintf("thread-root(owner=%s)", v.owner.OwnerID())
	case *Timescope:
		return fmt.Sprintf("scope(owner=%s)", v.owner.OwnerID())
	default:
		return "unknown-scope"
	}
}
