// Package harness implements the Harness Detector (spec.md §4.6): it
// subscribes to the four simulator event classes and dispatches each to
// the Iteration Controller, applying the solution-classification
// predicates of spec.md §4.5. The dispatch-table shape here follows the
// event-class dispatch in cmd/metrics/loader*.go (a value read once,
// switched on to route to one of several handlers) generalized from perf
// event names to magic-instruction selector values.
package harness

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"log/slog"
	"strconv"

	"github.com/pkg/errors"

	"snapfuzz/internal/arch"
	"snapfuzz/internal/config"
	"snapfuzz/internal/iteration"
	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost"
)

// ExitFunc is called exactly once per iteration, after the Iteration
// Controller has classified the exit and restored the snapshot, carrying
// the collapsed ExitKind the Evolution Engine Bridge (4.7) forwards to the
// engine thread.
type ExitFunc func(kind model.ExitKind, solution model.SolutionKind)

// Detector wires simhost.Host event subscriptions to an iteration.Controller.
// It owns the lazily-created, per-CPU Architecture Adapter cache (spec.md
// §3: "Architecture Adapters are created lazily the first time a CPU is
// observed and then cached").
type Detector struct {
	Host   simhost.Host
	Config *config.Config
	OnExit ExitFunc

	adapters map[simhost.CPU]*arch.Adapter

	// Iter is created the first time the start harness fires, bound to
	// that event's CPU as the run's start-processor identity (spec.md §3
	// ControllerState.start_processor_id).
	Iter *iteration.Controller

	// Per-iteration telemetry accumulated for SPEC_FULL.md §4.9's
	// solution_expression, read at HandleStopped. HandleStopped clears the
	// exception and breakpoint fields; lastMagicSelector keeps the most
	// recent selector.
	lastException     *int
	lastBreakpointID  *int
	lastMagicSelector uint64
}

// New returns a Detector that has not yet subscribed to Host or observed
// any CPU.
func New(host simhost.Host, cfg *config.Config, onExit ExitFunc) *Detector {
	return &Detector{
		Host:     host,
		Config:   cfg,
		OnExit:   onExit,
		adapters: make(map[simhost.CPU]*arch.Adapter),
	}
}

// Attach subscribes the detector's handlers to every event class spec.md
// §4.6 names.
func (d *Detector) Attach() {
	d.Host.SubscribeMagicInstruction(d.HandleMagic)
	d.Host.SubscribeBreakpoint(d.HandleBreakpoint)
	d.Host.SubscribeException(d.HandleException)
	d.Host.SubscribeSimulationStopped(d.HandleStopped)
}

// AdapterFor returns the cached Architecture Adapter for cpu, probing and
// constructing one on first observation. Per-CPU architecture hints from
// configuration bypass the probe, per spec.md §4.2's hinted constructor.
func (d *Detector) AdapterFor(cpu simhost.CPU) (*arch.Adapter, error) {
	if a, ok := d.adapters[cpu]; ok {
		return a, nil
	}
	var a *arch.Adapter
	if hint, ok := d.Config.ResolvedArchitectureHints()[uint32(cpu)]; ok {
		a = arch.NewWithHint(d.Host, cpu, hint)
	} else {
		var err error
		a, err = arch.New(d.Host, cpu)
		if err != nil {
			return nil, errors.Wrapf(err, "constructing architecture adapter for cpu %d", cpu)
		}
	}
	d.adapters[cpu] = a
	return a, nil
}

// HandleMagic dispatches a magic-instruction event per spec.md §4.6's
// table: magic_start/start_on_harness arms the controller, magic_stop/
// stop_on_harness requests a normal stop, magic_assert is always a
// solution, and any other selector value is ignored (reserved for user
// probes).
func (d *Detector) HandleMagic(cpu simhost.CPU, selector uint64) {
	d.lastMagicSelector = selector
	switch {
	case int(selector) == d.Config.MagicStart && d.Config.StartOnHarness:
		d.handleStart(cpu)
	case int(selector) == d.Config.MagicStop && d.Config.StopOnHarness:
		if d.Iter != nil {
			d.Iter.RequestStopNormal()
		}
	case int(selector) == d.Config.MagicAssert:
		if d.Iter != nil {
			d.Iter.RequestStopSolution(model.SolutionKind{MagicAssert: true})
		}
	default:
		slog.Debug("ignoring reserved magic selector", slog.Uint64("selector", selector))
	}
}

func (d *Detector) handleStart(cpu simhost.CPU) {
	if d.Iter == nil {
		// First observation of the start harness: this CPU becomes the
		// run's start-processor identity.
		ctrl, err := iteration.New(d.Host, cpu, d.Config)
		if err != nil {
			slog.Error("constructing iteration controller", slog.String("error", err.Error()))
			return
		}
		d.Iter = ctrl
	}
	a, err := d.AdapterFor(cpu)
	if err != nil {
		slog.Error("resolving architecture adapter at start harness", slog.String("error", err.Error()))
		return
	}
	info, err := d.captureStartInfo(a)
	if err != nil {
		slog.Error("capturing start info", slog.String("error", err.Error()))
		return
	}
	if err := d.Iter.Arm(info); err != nil {
		slog.Error("arming iteration controller", slog.String("error", err.Error()))
	}
}

func (d *Detector) captureStartInfo(a *arch.Adapter) (model.StartInfo, error) {
	switch d.Config.StartVariant {
	case config.StartVariantPtrSizePtr:
		return a.StartInfoPtrSizePtr()
	case config.StartVariantPtrSizePtrAndVal:
		return a.StartInfoPtrSizePtrAndVal()
	default:
		return a.StartInfoPtrSizeVal()
	}
}

// HandleBreakpoint applies spec.md §4.5's breakpoint predicate: a
// breakpoint that matches is a solution; any other breakpoint event is not
// a stop trigger.
func (d *Detector) HandleBreakpoint(cpu simhost.CPU, id int) {
	if d.Iter == nil {
		return
	}
	n := id
	d.lastBreakpointID = &n
	if !d.Config.BreakpointIsSolution(id) {
		return
	}
	bp := stringID(id)
	d.Iter.RequestStopSolution(model.SolutionKind{Breakpoint: &bp})
}

// HandleException applies spec.md §4.5's exception predicate. A benign
// exception (e.g. a page fault during normal userspace execution, unless
// all_exceptions_are_solutions is set) does not stop the iteration.
func (d *Detector) HandleException(cpu simhost.CPU, number int) {
	if d.Iter == nil {
		return
	}
	n := number
	d.lastException = &n
	if !d.Config.ExceptionIsSolution(number) {
		return
	}
	d.Iter.RequestStopSolution(model.SolutionKind{Exception: &n})
}

// HandleStopped is the only place post-run bookkeeping happens (spec.md
// §4.6): it asks the Iteration Controller to classify the exit and
// restore, then forwards the collapsed ExitKind to OnExit (the Evolution
// Engine Bridge).
func (d *Detector) HandleStopped(reason string) {
	if d.Iter == nil {
		slog.Warn("simulation stopped before any start harness was observed", slog.String("reason", reason))
		return
	}
	kind, sol, err := d.Iter.OnSimulationStopped()
	if err != nil {
		slog.Error("restoring after iteration", slog.String("error", err.Error()))
	}
	kind, sol = d.applySolutionExpression(kind, sol)
	d.lastException, d.lastBreakpointID = nil, nil
	if d.OnExit != nil {
		d.OnExit(kind, sol)
	}
}

// applySolutionExpression ORs SPEC_FULL.md §4.9's solution_expression
// predicate onto the exception/breakpoint/magic-assert rules spec.md §4.5
// already applied: an already-classified Crash is left untouched, but an
// otherwise-Ok or Timeout exit is escalated if the expression matches this
// iteration's telemetry. Evaluation errors are logged and treated as
// non-matching, since a broken expression must never crash the run.
func (d *Detector) applySolutionExpression(kind model.ExitKind, sol model.SolutionKind) (model.ExitKind, model.SolutionKind) {
	if kind == model.Crash || !d.Config.HasSolutionExpression() {
		return kind, sol
	}
	params := map[string]interface{}{
		"magic_selector":  float64(d.lastMagicSelector),
		"timeout_expired": kind == model.Timeout,
		"iteration":       float64(d.Iter.IterationCount()),
	}
	if d.lastException != nil {
		params["exception"] = float64(*d.lastException)
	} else {
		params["exception"] = float64(-1)
	}
	if d.lastBreakpointID != nil {
		params["breakpoint"] = float64(*d.lastBreakpointID)
	} else {
		params["breakpoint"] = float64(-1)
	}
	matched, err := d.Config.EvaluateSolutionExpression(params)
	if err != nil {
		slog.Error("evaluating solution_expression", slog.String("error", err.Error()))
		return kind, sol
	}
	if matched {
		return model.Crash, model.SolutionKind{Expression: true}
	}
	return kind, sol
}

func stringID(id int) string {
	return "bp-" + strconv.Itoa(id)
}
