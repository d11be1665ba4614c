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

package simbridge

import (
	"testing"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/timescope"
)

func TestApplyPokeThenRead(t *testing.T) {
	b := New(nil)
	b.ApplyPoke("x", 5)
	v, ok := b.Read("x")
	if !ok || v != 5 {
		t.Fatalf("want (5, true), got (%v, %v)", v, ok)
	}
}

func TestApplyRevertReleaseDeletesSignal(t *testing.T) {
	b := New(nil)
	b.ApplyPoke("x", 5)
	b.ApplyRevert(map[circuit.Signal]timescope.RevertValue{"x": {Release: true}})

	if _, ok := b.Read("x"); ok {
		t.Fatalf("released signal must no longer be present")
	}
}

func TestApplyRevertSetsValue(t *testing.T) {
	b := New(nil)
	b.ApplyRevert(map[circuit.Signal]timescope.RevertValue{"x": {Value: 9}})

	v, ok := b.Read("x")
	if !ok || v != 9 {
		t.Fatalf("want (9, true), got (%v, %v)", v, ok)
	}
}

func TestAdvanceClocksIncrementsEdges(t *testing.T) {
	b := New(nil)
	b.AdvanceClocks([]circuit.ClockID{"clk", "clk"})
	if got := b.Edges("clk"); got != 2 {
		t.Fatalf("want 2 edges after two advances in one call, got %d", got)
	}

	b.AdvanceClocks([]circuit.ClockID{"clk"})
	if got := b.Edges("clk"); got != 3 {
		t.Fatalf("want 3 edges after a further advance, got %d", got)
	}
}
