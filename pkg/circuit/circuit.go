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

// Package circuit holds the read-only description of the design under test
// that the scheduling core consumes: signal names and the combinational
// fan-in between them. Nothing in this package mutates simulator state; it
// is pure data, owned by whatever builds a test (see pkg/simbridge and
// cmd/simdriver for a concrete user).
package circuit

import "sort"

// Signal names a single wire in the design under test.
type Signal string

// ClockID names a clock domain that user threads can block on between
// timesteps.
type ClockID string

// Description is the external, read-only view of the design under test
// queried by action-log conflict checking.
type Description struct {
	// CombinationalPaths maps an output signal to the set of inputs it is
	// combinationally derived from. A peek of an output is, for conflict
	// detection purposes, also a peek of every one of its inputs.
	CombinationalPaths map[Signal][]Signal

	// DataNames gives a human-readable name for a signal, used only in
	// diagnostic messages.
	DataNames map[Signal]string
}

// NewDescription returns an empty, ready-to-populate Description.
func NewDescription() *Description {
	return &Description{
		CombinationalPaths: make(map[Signal][]Signal),
		DataNames:          make(map[Signal]string),
	}
}

// Name returns the diagnostic name for s, falling back to the signal's own
// identifier when DataNames has no entry.
func (d *Description) Name(s Signal) string {
	if d == nil {
		return string(s)
	}
	if n, ok := d.DataNames[s]; ok {
		return n
	}
	return string(s)
}

// FanIn returns s followed by the signals listed as its direct
// combinational inputs in CombinationalPaths (s itself is always included
// first). Inputs of those inputs are not followed.
func (d *Description) FanIn(s Signal) []Signal {
	out := []Signal{s}
	if d == nil {
		return out
	}
	out = append(out, d.CombinationalPaths[s]...)
	return out
}

// FanOut returns s and every output signal combinationally derived from it,
// the inverse of FanIn. A peek of any such output counts, for conflict
// detection, as a peek of s itself.
func (d *Description) FanOut(s Signal) []Signal {
	out := []Signal{s}
	if d == nil {
		return out
	}
	for output, inputs := range d.CombinationalPaths {
		for _, in := range inputs {
			if in == s {
				out = append(out, output)
				break
			}
		}
	}
	return out
}

// SortedSignals returns ss sorted by name, for deterministic, name-ordered
// reporting of per-signal conflicts.
func SortedSignals(ss map[Signal]struct{}) []Signal {
	out := make([]Signal, 0, len(ss))
	for s := range ss {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
