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

	"github.com/sirupsen/logrus"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/simbridge"
	"github.com/talismancer/timescope/pkg/simcore"
	"github.com/talismancer/timescope/pkg/testthread"
)

// interpreter turns a scenario's declarative Steps into calls against a
// live Core, keeping the bridge's present-value view in step with what the
// core records. It builds the body closures of forked threads; Run.run
// builds those of top-level threads around interpreter.run.
type interpreter struct {
	core   *simcore.Core
	bridge *simbridge.Bridge
	log    logrus.FieldLogger

	byName  map[string]ThreadSpec
	handles map[string]*testthread.TesterThread
}

func (it *interpreter) run(steps []Step) error {
	for _, step := range steps {
		if err := it.runStep(step); err != nil {
			return err
		}
	}
	return nil
}

func (it *interpreter) runStep(step Step) error {
	switch {
	case step.Poke != nil:
		signal := circuit.Signal(step.Poke.Signal)
		rec := it.core.DoPoke(signal, step.Poke.Value, "")
		it.bridge.ApplyPoke(signal, step.Poke.Value)
		it.log.WithFields(logrus.Fields{
			"signal": signal, "value": step.Poke.Value, "action": rec.ActionID,
		}).Info("poke")

	case step.Peek != nil:
		signal := circuit.Signal(step.Peek.Signal)
		v, driven := it.core.DoPeek(signal, "")
		it.log.WithFields(logrus.Fields{
			"signal": signal, "value": v, "driven": driven,
		}).Info("peek")

	case step.Scope != nil:
		reverts, err := it.core.WithTimescope(func() error { return it.run(step.Scope) })
		it.bridge.ApplyRevert(reverts)
		if err != nil {
			return err
		}

	case step.Fork != "":
		spec, ok := it.byName[step.Fork]
		if !ok {
			return fmt.Errorf("fork: unknown thread %q", step.Fork)
		}
		child := it.core.DoFork(func() error { return it.run(spec.Steps) })
		it.handles[step.Fork] = child

	case step.Join != "":
		target, ok := it.handles[step.Join]
		if !ok {
			return fmt.Errorf("join: %q was never forked or spawned", step.Join)
		}
		return it.core.DoJoin(target)

	case step.WaitClock != "":
		it.core.WaitForClock(circuit.ClockID(step.WaitClock))
	}
	return nil
}
