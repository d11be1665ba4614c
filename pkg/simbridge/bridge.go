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

// Package simbridge is a minimal in-memory stand-in for the simulator
// bridge the core treats as an external collaborator: it
// applies revert maps, answers peeks of present signal state, and tracks
// how many edges each clock domain has advanced. cmd/simdriver is the only
// caller; pkg/simcore never imports this package — the core never talks to
// the simulator directly.
package simbridge

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/timescope"
)

// Bridge holds the present value of every signal the demo drives and a
// per-clock edge counter. It is deliberately the simplest thing that can
// stand in for real simulator state: a map and a mutex, not a circuit
// evaluator.
type Bridge struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	signals map[circuit.Signal]any
	edges   map[circuit.ClockID]uint64
}

// New returns an empty Bridge.
func New(log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{
		log:     log,
		signals: make(map[circuit.Signal]any),
		edges:   make(map[circuit.ClockID]uint64),
	}
}

// ApplyRevert applies the reverts returned by Core.CloseTimescope: a
// released signal is deleted (undriven), otherwise it is set to the
// reverted value.
func (b *Bridge) ApplyRevert(reverts map[circuit.Signal]timescope.RevertValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for signal, rv := range reverts {
		if rv.Release {
			delete(b.signals, signal)
			b.log.WithField("signal", signal).Debug("signal released")
			continue
		}
		b.signals[signal] = rv.Value
		b.log.WithFields(logrus.Fields{"signal": signal, "value": rv.Value}).Debug("signal reverted")
	}
}

// ApplyPoke mirrors a doPoke into the bridge's present-value table. The
// core itself never calls this; cmd/simdriver does, immediately after a
// thread body's DoPoke call, to keep the bridge's view consistent with
// what the core just recorded.
func (b *Bridge) ApplyPoke(signal circuit.Signal, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals[signal] = value
}

// Read returns the present value of signal, if anything drives it.
func (b *Bridge) Read(signal circuit.Signal) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.signals[signal]
	return v, ok
}

// AdvanceClocks bumps the edge counter for each clock named, and logs the
// new counts. A real simulator bridge would step actual simulated time
// here; this one just counts.
func (b *Bridge) AdvanceClocks(clocks []circuit.ClockID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, clock := range clocks {
		b.edges[clock]++
		b.log.WithFields(logrus.Fields{"clock": clock, "edge": b.edges[clock]}).Debug("clock advanced")
	}
}

// Edges returns how many times clock has advanced.
func (b *Bridge) Edges(clock circuit.ClockID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.edges[clock]
}
