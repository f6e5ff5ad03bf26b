// Package iteration implements the Iteration Controller (spec.md §4.5):
// the finite state machine owning the start-buffer descriptor, the
// snapshot/checkpoint handle, the timeout event, and the classification of
// one iteration's exit into an ExitKind. The state/run pattern -- an
// explicit state field plus a transition table enforced by guard checks
// in each method, rather than a generic FSM library (none appears
// anywhere in the example pack) -- follows
// internal/workflow.ReportingCommand's own state/run shape.
package iteration

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"log/slog"

	"github.com/pkg/errors"

	"snapfuzz/internal/arch"
	"snapfuzz/internal/cmplog"
	"snapfuzz/internal/config"
	"snapfuzz/internal/coverage"
	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost"
)

// State is one of the five states spec.md §4.5's transition table names.
type State int

const (
	Uninitialised State = iota
	Armed
	Running
	Stopping
	Restoring
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "Uninitialised"
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Restoring:
		return "Restoring"
	default:
		return "Unknown"
	}
}

// ErrNoSnapshotSupport is returned when a snapshot/checkpoint operation the
// configured strategy requires fails, i.e. the host does not actually
// support the requested family.
var ErrNoSnapshotSupport = errors.New("snapshot strategy not supported by host")

// ErrNotArmed is returned when NextTestcase is called outside the Armed
// state.
var ErrNotArmed = errors.New("iteration controller is not armed")

const snapshotName = "snapfuzz-start"

// timeoutEventName is the virtual-time event class registered once per
// controller for the start-processor's timeout.
const timeoutEventName = "snapfuzz-iteration-timeout"

// StopReason records why the current iteration ended, before the engine
// ever sees the collapsed ExitKind. It is set exactly once per iteration,
// by whichever of RequestStopNormal, RequestStopSolution or the timeout
// event fires first.
type StopReason struct {
	Kind     model.ExitKind
	Solution model.SolutionKind
}

// Controller is the per-run Iteration Controller. One Controller exists
// per simulated run; it is confined to the simulator callback goroutine
// (spec.md §5) except where explicitly noted.
type Controller struct {
	Host   simhost.Host
	CPU    simhost.CPU
	Config *config.Config

	Coverage *coverage.Tracer
	Cmplog   *cmplog.Log

	state           State
	startInfo       *model.StartInfo
	checkpointIndex int
	haveSnapshot    bool
	timeoutEvent    simhost.EventHandle
	timeoutArmed    bool
	pendingStop     *StopReason
	iterationCount  int
}

// New returns a Controller in the Uninitialised state.
func New(host simhost.Host, cpu simhost.CPU, cfg *config.Config) (*Controller, error) {
	ev, err := host.RegisterEvent(timeoutEventName)
	if err != nil {
		return nil, errors.Wrap(err, "registering timeout event")
	}
	return &Controller{
		Host:         host,
		CPU:          cpu,
		Config:       cfg,
		Coverage:     coverage.NewTracer(),
		Cmplog:       cmplog.NewLog(),
		timeoutEvent: ev,
		state:        Uninitialised,
	}, nil
}

// State returns the controller's current FSM state.
func (c *Controller) State() State { return c.state }

// IterationCount returns the number of completed iterations (spec.md §8
// invariant 6: monotonic, equal to the number of ExitKinds sent).
func (c *Controller) IterationCount() int { return c.iterationCount }

// StartInfo returns the StartInfo captured at the first start harness, or
// nil if the controller has not yet armed.
func (c *Controller) StartInfo() *model.StartInfo { return c.startInfo }

// Arm transitions Uninitialised -> Armed on the first start harness:
// capture StartInfo and save the initial snapshot (spec.md §4.5's first
// row). A start harness reached while already armed or later is, per
// spec.md §5's ordering guarantee, "a simple start trigger" -- it is not
// an error, but it does not re-capture or re-snapshot.
func (c *Controller) Arm(info model.StartInfo) error {
	if c.state != Uninitialised {
		slog.Debug("start harness reached after initial arm, ignoring", slog.String("state", c.state.String()))
		return nil
	}
	if err := c.saveSnapshot(); err != nil {
		return err
	}
	c.startInfo = &info
	c.haveSnapshot = true
	c.state = Armed
	return nil
}

func (c *Controller) saveSnapshot() error {
	if c.Config.UseSnapshots {
		if err := c.Host.SaveSnapshot(snapshotName); err != nil {
			return errors.Wrap(ErrNoSnapshotSupport, err.Error())
		}
		return nil
	}
	idx, err := c.Host.SaveCheckpoint(snapshotName, simhost.CheckpointFlags{Persistent: true, User: true})
	if err != nil {
		return errors.Wrap(ErrNoSnapshotSupport, err.Error())
	}
	c.checkpointIndex = idx
	return nil
}

func (c *Controller) restoreSnapshot() error {
	if c.Config.UseSnapshots {
		return errors.Wrap(c.Host.RestoreSnapshot(snapshotName), "restoring snapshot")
	}
	if err := c.Host.RestoreCheckpoint(c.checkpointIndex); err != nil {
		return errors.Wrap(err, "restoring checkpoint")
	}
	return errors.Wrap(c.Host.DiscardFuture(), "discarding checkpoint future")
}

// NextTestcase implements the Armed -> Running transition: write the
// testcase into the start buffer, arm the comparison log per its cmplog
// flag, post the timeout event, and resume the simulation.
func (c *Controller) NextTestcase(a *arch.Adapter, tc model.Testcase) error {
	if c.state != Armed {
		return errors.Wrapf(ErrNotArmed, "state is %s", c.state)
	}
	c.Cmplog.Enabled = tc.Cmplog
	if err := a.WriteStart(tc.Bytes, *c.startInfo); err != nil {
		return errors.Wrap(err, "writing testcase")
	}
	if err := c.Host.PostTime(c.CPU, c.timeoutEvent, c.Config.Timeout, c.onTimeout); err != nil {
		return errors.Wrap(err, "scheduling timeout event")
	}
	c.timeoutArmed = true
	c.state = Running
	return errors.Wrap(c.Host.ResumeSimulation(), "resuming simulation")
}

func (c *Controller) onTimeout() {
	c.requestStop(model.Timeout, model.SolutionKind{Timeout: true}, "timeout")
}

// RequestStopNormal implements the Running -> Stopping(Normal) transition.
func (c *Controller) RequestStopNormal() {
	c.requestStop(model.Ok, model.SolutionKind{}, "stop")
}

// RequestStopSolution implements the Running -> Stopping(Solution)
// transition for any of the solution predicates in spec.md §4.5.
func (c *Controller) RequestStopSolution(kind model.SolutionKind) {
	c.requestStop(model.Crash, kind, "solution")
}

// requestStop records the stop reason and breaks the simulation, mirroring
// the original implementation's single stop_simulation entry point that
// both sets the reason and stops (_examples/original_source/src/lib.rs):
// on a real host, OnSimulationStopped only ever fires as a consequence of
// a break, so every one of the five triggers (magic_stop, a solution
// exception, a solution breakpoint, magic_assert, or the timeout event)
// must call Host.StopSimulation itself rather than leaving the guest
// running with a pending reason nobody collects.
func (c *Controller) requestStop(exit model.ExitKind, sol model.SolutionKind, reason string) {
	if c.state != Running {
		return // already stopping/stopped; first reason wins
	}
	c.pendingStop = &StopReason{Kind: exit, Solution: sol}
	c.state = Stopping
	if exit != model.Timeout {
		// Cancellation on non-timeout stops must tolerate "no event
		// pending" gracefully -- this is normal when the timeout just
		// fired (spec.md §4.5).
		if c.timeoutArmed {
			if err := c.Host.CancelTime(c.CPU, c.timeoutEvent); err != nil {
				slog.Debug("cancelling timeout event", slog.String("error", err.Error()))
			}
		}
	}
	c.timeoutArmed = false
	if err := c.Host.StopSimulation(reason); err != nil {
		slog.Error("stopping simulation", slog.String("reason", reason), slog.String("error", err.Error()))
	}
}

// OnSimulationStopped is the only place the controller performs post-run
// bookkeeping (spec.md §4.6): it reads the pending StopReason, returns the
// collapsed ExitKind for the engine, and restores the snapshot/checkpoint.
// A stop with no pending StopReason is treated as Ok and logged as
// anomalous (spec.md §8 boundary behaviour).
func (c *Controller) OnSimulationStopped() (model.ExitKind, model.SolutionKind, error) {
	reason := c.pendingStop
	c.pendingStop = nil
	if reason == nil {
		slog.Warn("simulation stopped with no pending stop reason", slog.Int("iteration", c.iterationCount))
		reason = &StopReason{Kind: model.Ok}
	}
	c.state = Restoring
	if err := c.restoreSnapshot(); err != nil {
		return reason.Kind, reason.Solution, err
	}
	// The coverage/cmplog maps live in our own process, not in guest
	// memory the host snapshot covers, so the host never restores them;
	// the controller must zero them itself (spec.md §8 invariant 3).
	// edgesSeen is deliberately left alone: "new coverage" feedback is
	// run-scoped, not iteration-scoped.
	c.Coverage.Reset()
	c.Cmplog.Reset()
	c.iterationCount++
	c.state = Armed
	return reason.Kind, reason.Solution, nil
}

// IterationLimitReached reports whether the configured (non-zero)
// iteration limit has been reached.
func (c *Controller) IterationLimitReached() bool {
	return c.Config.IterationLimit > 0 && c.iterationCount >= c.Config.IterationLimit
}
