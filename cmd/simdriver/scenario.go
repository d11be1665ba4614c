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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Scenario is a demo TOML document: a circuit description plus a manifest
// of threads and clocks to drive through the core. It has no bearing on
// the core itself — pkg/simcore never sees a Scenario, only the
// circuit.Description and plain thread bodies this file builds from one.
type Scenario struct {
	Circuit CircuitSpec  `toml:"circuit"`
	Threads []ThreadSpec `toml:"threads"`
	Clocks  []ClockSpec  `toml:"clocks"`
}

// CircuitSpec fills in a circuit.Description: a human name per signal, and
// the combinational fan-in of each output.
type CircuitSpec struct {
	Signals       map[string]string   `toml:"signals"`
	Combinational map[string][]string `toml:"combinational"`
}

// ThreadSpec names a sequence of Steps a thread runs. TopLevel threads are
// handed to Core.Spawn directly by the run command; others only run when
// some other thread's Step forks them by name.
type ThreadSpec struct {
	Name     string `toml:"name"`
	TopLevel bool   `toml:"top_level"`
	Steps    []Step `toml:"steps"`
}

// ClockSpec names a clock domain and how many edges the demo bridge should
// report it advancing through whenever every thread waiting on it wakes.
type ClockSpec struct {
	Name  string `toml:"name"`
	Edges int    `toml:"edges"`
}

// Step is one instruction in a thread's script. Exactly one field is
// expected to be set; see interpreter.runStep.
type Step struct {
	Poke      *PokeStep `toml:"poke"`
	Peek      *PeekStep `toml:"peek"`
	Scope     []Step    `toml:"scope"`
	Fork      string    `toml:"fork"`
	Join      string    `toml:"join"`
	WaitClock string    `toml:"wait_clock"`
}

// PokeStep drives signal to value within the thread's current timescope.
type PokeStep struct {
	Signal string `toml:"signal"`
	Value  any    `toml:"value"`
}

// PeekStep observes signal's present value.
type PeekStep struct {
	Signal string `toml:"signal"`
}

// loadScenario decodes a scenario file with BurntSushi/toml, a
// struct-tagged decode in preference to hand-rolled parsing.
func loadScenario(path string) (*Scenario, error) {
	var s Scenario
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("decoding scenario %s: %w", path, err)
	}
	return &s, nil
}

func indexByName(threads []ThreadSpec) map[string]ThreadSpec {
	out := make(map[string]ThreadSpec, len(threads))
	for _, t := range threads {
		out[t.Name] = t
	}
	return out
}
