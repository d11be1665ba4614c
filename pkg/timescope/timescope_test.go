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

package timescope

import (
	"testing"

	"github.com/talismancer/timescope/pkg/circuit"
)

type fakeOwner struct {
	level int
	id    string
}

func (o *fakeOwner) OwnerLevel() int { return o.level }
func (o *fakeOwner) OwnerID() string { return o.id }

const sigX circuit.Signal = "x"

// Open scope A, poke x=1, open scope B, poke x=2, close B (expect revert
// to A's value 1), close A (expect release).
func TestCloseRevertsToAncestorPoke(t *testing.T) {
	owner := &fakeOwner{level: 0, id: "t0"}
	root := NewThreadRoot(owner, TheRoot(), 0, 0)

	a := Open(owner, root, 0)
	a.Poke(sigX, 1, "pokeA", 0)

	b := Open(owner, a, 0)
	b.Poke(sigX, 2, "pokeB", 0)

	reverts := Close(b, 0)
	rv, ok := reverts[sigX]
	if !ok || rv.Release || rv.Value != 1 {
		t.Fatalf("closing B: want revert to Some(1), got %+v (present=%v)", rv, ok)
	}

	reverts = Close(a, 0)
	rv, ok = reverts[sigX]
	if !ok || !rv.Release {
		t.Fatalf("closing A: want Release, got %+v (present=%v)", rv, ok)
	}
}

// After the outermost close on a thread's scope stack, the stack head is
// back at the ThreadRoot — simulated here by walking the parent chain.
func TestStackUnwindsToThreadRoot(t *testing.T) {
	owner := &fakeOwner{level: 0, id: "t0"}
	root := NewThreadRoot(owner, TheRoot(), 0, 0)

	a := Open(owner, root, 0)
	b := Open(owner, a, 0)
	Close(b, 1)
	Close(a, 1)
	top := a.Parent()

	if top != Scope(root) {
		t.Fatalf("expected stack to unwind to ThreadRoot, got %v", String(top))
	}
}

// Action ids are assigned in the order poke, peek, child-open, strictly
// increasing within the scope that records them.
func TestActionIDMonotonic(t *testing.T) {
	owner := &fakeOwner{level: 0, id: "t0"}
	root := NewThreadRoot(owner, TheRoot(), 0, 0)

	a := Open(owner, root, 0) // a.parentActionID == 0 (parent is ThreadRoot)
	if a.ParentActionID() != 0 {
		t.Fatalf("first timescope off a ThreadRoot must have parentActionID 0, got %d", a.ParentActionID())
	}

	pokeRec := a.Poke(sigX, 5, "poke", 0) // nextActionID 0 -> 1
	if pokeRec.ActionID != 0 {
		t.Fatalf("poke actionId: want 0, got %d", pokeRec.ActionID)
	}

	peekID := a.NextAction() // nextActionID 1 -> 2
	if peekID != 1 {
		t.Fatalf("peek actionId: want 1, got %d", peekID)
	}

	b := Open(owner, a, 0) // records b's parentActionID = 2; a.nextActionID 2 -> 3
	if b.ParentActionID() != 2 {
		t.Fatalf("child parentActionID: want 2, got %d", b.ParentActionID())
	}
	if a.NextActionID() != 3 {
		t.Fatalf("a.nextActionID after child open: want 3, got %d", a.NextActionID())
	}
}

// A forked child's ThreadRoot parent is the spawning thread's top scope at
// fork time, and ThreadRoot traversal is transparent when searching for an
// ancestor poke — fork inheritance.
func TestForkInheritsSpawningScopeDrive(t *testing.T) {
	parentOwner := &fakeOwner{level: 0, id: "t0"}
	parentRoot := NewThreadRoot(parentOwner, TheRoot(), 0, 0)
	a := Open(parentOwner, parentRoot, 0)
	a.Poke(sigX, 5, "poke", 0)

	childOwner := &fakeOwner{level: 1, id: "t1"}
	childRoot := NewThreadRoot(childOwner, a, 0, a.NextActionID())

	if childRoot.Parent() != Scope(a) {
		t.Fatalf("child ThreadRoot parent must be the spawning Timescope")
	}

	rec, ok := NearestAncestorPoke(childRoot, sigX)
	if !ok || rec.Value != 5 {
		t.Fatalf("child should observe parent's drive through ThreadRoot transparency, got %+v (present=%v)", rec, ok)
	}
}

// The revert value for any closed Timescope's poke is the nearest
// ancestor's poke of that signal, walking through ThreadRoots, or Release
// if none exists all the way to Root.
func TestNearestAncestorPokeStopsAtRoot(t *testing.T) {
	owner := &fakeOwner{level: 0, id: "t0"}
	root := NewThreadRoot(owner, TheRoot(), 0, 0)
	a := Open(owner, root, 0)
	a.Poke("y", "only-here", "poke", 0)

	if _, ok := NearestAncestorPoke(root, sigX); ok {
		t.Fatalf("signal never poked anywhere must not resolve an ancestor")
	}

	b := Open(owner, a, 0)
	rec, ok := NearestAncestorPoke(b.Parent(), "y")
	if !ok || rec.Value != "only-here" {
		t.Fatalf("expected to find a's poke of y, got %+v (present=%v)", rec, ok)
	}
}

func TestContainsAncestor(t *testing.T) {
	owner := &fakeOwner{level: 0, id: "t0"}
	root := NewThreadRoot(owner, TheRoot(), 0, 0)
	a := Open(owner, root, 0)
	b := Open(owner, a, 0)

	if !ContainsAncestor(b, a) {
		t.Fatalf("b's chain must contain a")
	}
	if ContainsAncestor(a, b) {
		t.Fatalf("a's chain must not contain its own child b")
	}
	if !ContainsAncestor(b, b) {
		t.Fatalf("a scope's chain contains itself")
	}
}
