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

// Package actionlog tracks which Timescopes are actively driving each
// signal and which peeks have been observed since the last timestep
// boundary, and runs the post-hoc conflict checks the driver invokes at
// every timestep boundary.
package actionlog

import (
	"fmt"

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/timescope"
)

// PeekRecord is a single observed peek of a signal: which scope peeked it,
// when, the actionId assigned within that scope, and an opaque trace of
// the call site.
type PeekRecord struct {
	Scope    timescope.Scope
	Timestep timescope.Timestep
	ActionID timescope.ActionID
	Trace    timescope.Trace
}

// Log is the signal action log: which scopes actively drive each signal,
// and which peeks have been seen since the last timestep boundary.
// It is owned and mutated exclusively by whichever thread currently holds
// the virtual CPU, matching the rest of the core's "no locking beyond
// semaphore discipline" concurrency model.
type Log struct {
	log logrus.FieldLogger

	// activePokes[signal] holds every open Timescope that currently has a
	// poke entry for signal, in the order it was first added; no
	// duplicates.
	activePokes map[circuit.Signal][]*timescope.Timescope

	// signalPeeks[signal] holds every peek of signal observed since the
	// last timestep boundary.
	signalPeeks map[circuit.Signal][]PeekRecord
}

// New returns an empty action log. A nil logger falls back to logrus's
// standard logger, matching the rest of the core.
func New(log logrus.FieldLogger) *Log {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Log{
		log:         log,
		activePokes: make(map[circuit.Signal][]*timescope.Timescope),
		signalPeeks: make(map[circuit.Signal][]PeekRecord),
	}
}

// RecordPoke registers that ts now has an active poke of signal. It is
// idempotent: ts is added to activePokes[signal] only if it isn't already
// present.
func (l *Log) RecordPoke(signal circuit.Signal, ts *timescope.Timescope) {
	for _, existing := range l.activePokes[signal] {
		if existing == ts {
			return
		}
	}
	l.activePokes[signal] = append(l.activePokes[signal], ts)
}

// RecordPeek appends a PeekRecord for signal.
func (l *Log) RecordPeek(signal circuit.Signal, rec PeekRecord) {
	l.signalPeeks[signal] = append(l.signalPeeks[signal], rec)
}

// ConflictKind distinguishes the two checks timestep() runs.
type ConflictKind int

const (
	// MultiWriterConflict: more than one thread-lineage branch drives the
	// same signal in the timestep just ended.
	MultiWriterConflict ConflictKind = iota
	// PeekAfterPokeConflict: a peek observed a signal driven by a poke
	// from a scope on a different lineage branch than the peeking scope
	// (neither is an ancestor of the other), in the same timestep.
	PeekAfterPokeConflict
)

func (k ConflictKind) String() string {
	switch k {
	case MultiWriterConflict:
		return "multi-writer"
	case PeekAfterPokeConflict:
		return "peek-after-poke-by-non-ancestor"
	default:
		return "unknown"
	}
}

// ConflictError reports a conflict detected by PruneAndCheck. Pokes and
// Peeks are deep copies taken at detection time, so a later prune or
// overwrite in the live log cannot change a reported error out from under
// its caller.
type ConflictError struct {
	Kind       ConflictKind
	Signal     circuit.Signal
	SignalName string
	Timestep   timescope.Timestep
	Pokes      []timescope.PokeRecord
	Peeks      []PeekRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on signal %s at timestep %d (%d poke(s), %d peek(s))",
		e.Kind, e.SignalName, e.Timestep, len(e.Pokes), len(e.Peeks))
}

// PruneAndCheck is the timestep-boundary scan: it runs both
// conflict checks over the state as of the timestep just ended, prunes
// closed scopes out of activePokes, clears signalPeeks, and returns any
// conflicts found, ordered by signal name.
func (l *Log) PruneAndCheck(ended timescope.Timestep, desc *circuit.Description) []*ConflictError {
	var conflicts []*ConflictError

	signals := make(map[circuit.Signal]struct{}, len(l.activePokes)+len(l.signalPeeks))
	for s := range l.activePokes {
		signals[s] = struct{}{}
	}
	for s := range l.signalPeeks {
		signals[s] = struct{}{}
	}

	for _, signal := range circuit.SortedSignals(signals) {
		if c := l.checkMultiWriter(signal, ended, desc); c != nil {
			conflicts = append(conflicts, c)
		}
		if c := l.checkPeekAfterPoke(signal, ended, desc); c != nil {
			conflicts = append(conflicts, c)
		}
	}

	l.prune()
	l.signalPeeks = make(map[circuit.Signal][]PeekRecord)

	for _, c := range conflicts {
		l.log.WithFields(logrus.Fields{
			"signal":   c.SignalName,
			"kind":     c.Kind.String(),
			"timestep": uint64(c.Timestep),
		}).Warn("conflict detected at timestep boundary")
	}
	return conflicts
}

// checkMultiWriter requires the set of open Timescopes currently driving
// signal to all lie on a single thread-lineage branch.
func (l *Log) checkMultiWriter(signal circuit.Signal, ended timescope.Timestep, desc *circuit.Description) *ConflictError {
	open := l.openDrivers(signal, ended)
	if len(open) < 2 {
		return nil
	}

	// A single lineage exists iff some scope's own ancestor chain covers
	// every other open scope.
	for _, candidate := range open {
		coversAll := true
		for _, other := range open {
			if other == candidate {
				continue
			}
			if !timescope.ContainsAncestor(candidate, other) {
				coversAll = false
				break
			}
		}
		if coversAll {
			return nil
		}
	}

	var pokes []timescope.PokeRecord
	for _, ts := range open {
		rec, _ := ts.PokeOf(signal)
		pokes = append(pokes, deepcopy.Copy(rec).(timescope.PokeRecord))
	}
	return &ConflictError{
		Kind:       MultiWriterConflict,
		Signal:     signal,
		SignalName: desc.Name(signal),
		Timestep:   ended,
		Pokes:      pokes,
	}
}

// checkPeekAfterPoke flags same-timestep peeks of a signal whose driving
// poke came from a scope outside the peeking thread's lineage, expanded
// through combinational fan-in: every peek of an output is also treated as
// a peek of its inputs.
func (l *Log) checkPeekAfterPoke(signal circuit.Signal, ended timescope.Timestep, desc *circuit.Description) *ConflictError {
	driver := l.latestDriver(signal, ended)
	if driver == nil {
		return nil
	}

	var offending []PeekRecord
	for _, out := range desc.FanOut(signal) {
		for _, peek := range l.signalPeeks[out] {
			if peek.Timestep != ended {
				continue
			}
			// Covered when either chain contains the other. The reverse
			// direction matters for a peek recorded in an ancestor of the
			// driving scope: the same thread peeking, then opening a nested
			// scope and poking, is ordinary program order, not a
			// cross-thread hazard.
			if !timescope.ContainsAncestor(peek.Scope, driver) &&
				!timescope.ContainsAncestor(driver, peek.Scope) {
				offending = append(offending, peek)
			}
		}
	}
	if len(offending) == 0 {
		return nil
	}

	rec, _ := driver.PokeOf(signal)
	peeks := make([]PeekRecord, len(offending))
	for i, p := range offending {
		peeks[i] = deepcopy.Copy(p).(PeekRecord)
	}
	return &ConflictError{
		Kind:       PeekAfterPokeConflict,
		Signal:     signal,
		SignalName: desc.Name(signal),
		Timestep:   ended,
		Pokes:      []timescope.PokeRecord{deepcopy.Copy(rec).(timescope.PokeRecord)},
		Peeks:      peeks,
	}
}

// openDrivers returns the still-open Timescopes in activePokes[signal]
// whose poke of signal landed in the timestep just ended.
func (l *Log) openDrivers(signal circuit.Signal, ended timescope.Timestep) []*timescope.Timescope {
	var out []*timescope.Timescope
	for _, ts := range l.activePokes[signal] {
		if ts.Closed() {
			continue
		}
		if rec, ok := ts.PokeOf(signal); ok && rec.Timestep == ended {
			out = append(out, ts)
		}
	}
	return out
}

// latestDriver returns the open Timescope currently driving signal — the
// one among activePokes[signal] with the most recent (timestep, actionId)
// poke of it — but only if that poke landed in the timestep just ended.
// An older drive is not a same-cycle hazard for any peek, so the
// peek-after-poke check has nothing to report against it.
func (l *Log) latestDriver(signal circuit.Signal, ended timescope.Timestep) *timescope.Timescope {
	var best *timescope.Timescope
	var bestRec timescope.PokeRecord
	for _, ts := range l.activePokes[signal] {
		if ts.Closed() {
			continue
		}
		rec, ok := ts.PokeOf(signal)
		if !ok {
			continue
		}
		if best == nil || rec.Timestep > bestRec.Timestep ||
			(rec.Timestep == bestRec.Timestep && rec.ActionID > bestRec.ActionID) {
			best, bestRec = ts, rec
		}
	}
	if best == nil || bestRec.Timestep != ended {
		return nil
	}
	return best
}

// prune removes closed Timescopes from activePokes: a signal's driver list
// only ever holds scopes that are still open.
func (l *Log) prune() {
	for signal, list := range l.activePokes {
		kept := list[:0:0]
		for _, ts := range list {
			if !ts.Closed() {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.activePokes, signal)
		} else {
			l.activePokes[signal] = kept
		}
	}
}

// ActiveDrivers returns a snapshot of the open Timescopes currently
// recorded against signal, for diagnostics and tests.
func (l *Log) ActiveDrivers(signal circuit.Signal) []*timescope.Timescope {
	out := make([]*timescope.Timescope, len(l.activePokes[signal]))
	copy(out, l.activePokes[signal])
	return out
}
