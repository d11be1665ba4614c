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
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/talismancer/timescope/pkg/circuit"
	"github.com/talismancer/timescope/pkg/simbridge"
	"github.com/talismancer/timescope/pkg/simcore"
	"github.com/talismancer/timescope/pkg/testthread"
)

// Run implements subcommands.Command for the "run" command: it loads a
// scenario file and drives it through a fresh Core to quiescence.
type Run struct {
	scenarioPath string
	reportPath   string
	pace         time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string { return "drive a TOML scenario through the scheduling core" }

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run -scenario <path> [-report <path>] [-pace <duration>] - run a scenario to quiescence.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.scenarioPath, "scenario", "", "path to a scenario TOML file")
	f.StringVar(&r.reportPath, "report", "", "optional path to append a run summary to, flock-protected")
	f.DurationVar(&r.pace, "pace", 0, "minimum wall-clock time between timestep phases, for watchable demos")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if r.scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "run: -scenario is required")
		return subcommands.ExitUsageError
	}

	scenario, err := loadScenario(r.scenarioPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	log := logrus.StandardLogger()
	summary, err := r.run(ctx, scenario, log)
	if err != nil {
		log.WithError(err).Error("scenario run failed")
		return subcommands.ExitFailure
	}

	if r.reportPath != "" {
		if err := appendReport(r.reportPath, summary); err != nil {
			log.WithError(err).Error("writing report")
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func (r *Run) run(ctx context.Context, scenario *Scenario, log logrus.FieldLogger) (string, error) {
	desc := circuit.NewDescription()
	for signal, name := range scenario.Circuit.Signals {
		desc.DataNames[circuit.Signal(signal)] = name
	}
	for out, ins := range scenario.Circuit.Combinational {
		for _, in := range ins {
			desc.CombinationalPaths[circuit.Signal(out)] = append(desc.CombinationalPaths[circuit.Signal(out)], circuit.Signal(in))
		}
	}

	bridge := simbridge.New(log)
	core := simcore.New(desc, log)

	var exceptions []error
	core.OnException(func(err error) {
		exceptions = append(exceptions, err)
		log.WithError(err).Warn("thread exception")
	})

	it := &interpreter{
		core:    core,
		bridge:  bridge,
		log:     log,
		byName:  indexByName(scenario.Threads),
		handles: make(map[string]*testthread.TesterThread),
	}

	var pacer *rate.Limiter
	if r.pace > 0 {
		pacer = rate.NewLimiter(rate.Every(r.pace), 1)
	}

	var phases int
	var threads []*testthread.TesterThread
	for _, spec := range scenario.Threads {
		if !spec.TopLevel {
			continue
		}
		spec := spec
		t := core.Spawn(func() error { return it.run(spec.Steps) })
		it.handles[spec.Name] = t
		threads = append(threads, t)
	}

	edges := make(map[circuit.ClockID]int, len(scenario.Clocks))
	for _, clk := range scenario.Clocks {
		edges[circuit.ClockID(clk.Name)] = clk.Edges
	}

	var conflictCount int
	// An exception can cut a phase short with sibling threads still queued
	// and nothing blocked on a clock; keep calling RunThreads (with an
	// empty batch, if need be) until the core reports true quiescence, so
	// those stranded threads run.
	for len(threads) > 0 || !core.Idle() {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return "", fmt.Errorf("pacing: %w", err)
			}
		}

		blocked, err := core.RunThreads(threads)
		if err != nil {
			log.WithError(err).Warn("runThreads surfaced a pending exception")
		}
		phases++

		for _, conflict := range core.Timestep() {
			conflictCount++
			log.WithField("conflict", conflict.Error()).Warn("conflict detected")
		}
		core.CurrentTimestep++

		threads = threads[:0]
		var clocks []circuit.ClockID
		for clock, waiters := range blocked {
			n := edges[clock]
			if n < 1 {
				n = 1
			}
			for ; n > 0; n-- {
				clocks = append(clocks, clock)
			}
			threads = append(threads, waiters...)
		}
		bridge.AdvanceClocks(clocks)
	}

	return fmt.Sprintf("scenario %s: %d phase(s), %d conflict(s), %d exception(s), final timestep %d",
		r.scenarioPath, phases, conflictCount, len(exceptions), core.CurrentTimestep), nil
}

// appendReport appends summary to path, guarded by an inter-process
// advisory lock so concurrent simdriver invocations sharing a report file
// don't interleave their lines.
func appendReport(path, summary string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking report file: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintln(f, summary)
	return err
}
