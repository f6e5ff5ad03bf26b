// Package controller implements the Controller Object (spec.md §4.8): the
// single process-wide aggregate that owns configuration, the per-CPU
// Architecture Adapter cache (via internal/harness), the Evolution Engine
// Bridge, corpus/solutions storage, and telemetry, and is the sole target
// of every simulator callback. It wires internal/harness's detector to
// internal/engine's bridge and drives the per-instruction coverage/cmplog
// callbacks, mirroring internal/app.Context's role as the one aggregate
// struct threaded through the teacher's command tree -- generalized here
// from "holds shared CLI flags" to "holds the shared fuzzing run state".
package controller

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"snapfuzz/internal/arch"
	"snapfuzz/internal/config"
	"snapfuzz/internal/corpusio"
	"snapfuzz/internal/engine"
	"snapfuzz/internal/harness"
	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost"
	"snapfuzz/internal/telemetry"
)

// armPollInterval is how often Run checks whether the start harness has
// armed the controller yet; arming happens from a simulator callback Run
// cannot directly wait on.
const armPollInterval = 2 * time.Millisecond

// ReproResult is the outcome of a single Repro call.
type ReproResult struct {
	Kind     model.ExitKind
	Solution model.SolutionKind
}

// Controller is spec.md §4.8's Controller Object.
type Controller struct {
	Host      simhost.Host
	Config    *config.Config
	Store     *corpusio.Store
	Telemetry *telemetry.Recorder
	Detector  *harness.Detector
	Bridge    *engine.Bridge
	Engine    *engine.Engine

	mu           sync.Mutex
	lastTestcase model.Testcase
	reproActive  bool
	reproResult  chan ReproResult
}

// New constructs a Controller around host, ready for Attach. store and
// telemetryRecorder may be nil (no persistence / no metrics, respectively).
func New(host simhost.Host, cfg *config.Config, store *corpusio.Store, telemetryRecorder *telemetry.Recorder) *Controller {
	c := &Controller{
		Host:        host,
		Config:      cfg,
		Store:       store,
		Telemetry:   telemetryRecorder,
		Bridge:      engine.NewBridge(),
		reproResult: make(chan ReproResult, 1),
	}
	c.Detector = harness.New(host, cfg, c.onExit)
	return c
}

// Attach subscribes every simulator callback the controller needs: the
// four harness event classes, plus the per-instruction pair that drives
// coverage and cmplog.
func (c *Controller) Attach() {
	c.Detector.Attach()
	c.Host.SubscribeInstruction(c.beforeInstruction, c.afterInstruction)
}

func (c *Controller) beforeInstruction(cpu simhost.CPU, handle simhost.InstructionHandle) {
	if c.Detector.Iter == nil {
		return
	}
	a, err := c.Detector.AdapterFor(cpu)
	if err != nil {
		slog.Debug("resolving adapter for coverage trace", slog.String("error", err.Error()))
		return
	}
	entry, err := a.TracePC(handle)
	if err != nil {
		// Decode failures are skip-not-fatal (spec.md §4.2, §7): the
		// instruction simply contributes no edge.
		return
	}
	if entry.Kind == arch.TraceEdge {
		c.Detector.Iter.Coverage.Hit(entry.Edge)
	}
}

func (c *Controller) afterInstruction(cpu simhost.CPU, handle simhost.InstructionHandle) {
	if c.Detector.Iter == nil || !c.Detector.Iter.Cmplog.Enabled {
		return
	}
	a, err := c.Detector.AdapterFor(cpu)
	if err != nil {
		return
	}
	entry, err := a.TraceCmp(handle)
	if err != nil || entry.Kind != arch.TraceCmpEntry {
		return
	}
	c.Detector.Iter.Cmplog.Record(entry.Cmp.PC, entry.Cmp.Kinds, entry.Cmp.Left, entry.Cmp.Right)
}

// onExit is the Harness Detector's ExitFunc: it persists solutions, then
// routes the result to whichever consumer is waiting -- a pending Repro
// call, or (the common case) the Evolution Engine Bridge.
func (c *Controller) onExit(kind model.ExitKind, sol model.SolutionKind) {
	tc := c.getLastTestcase()
	if kind == model.Crash && c.Store != nil {
		if _, err := c.Store.SaveSolution(tc.Bytes, kind, sol); err != nil {
			slog.Error("persisting solution", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	repro := c.reproActive
	c.reproActive = false
	c.mu.Unlock()

	if repro {
		c.reproResult <- ReproResult{Kind: kind, Solution: sol}
		return
	}
	c.Bridge.ExitKinds <- kind
}

func (c *Controller) setLastTestcase(tc model.Testcase) {
	c.mu.Lock()
	c.lastTestcase = tc
	c.mu.Unlock()
}

func (c *Controller) getLastTestcase() model.Testcase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTestcase
}

// StartEngine constructs and starts the default evolutionary loop bound to
// this run's Architecture Adapter / Iteration Controller state, and
// launches the goroutine that forwards engine testcases into the
// simulation. Call only after the start harness has armed the controller
// (Detector.Iter != nil).
func (c *Controller) StartEngine(ctx context.Context, initial []byte, seed int64) error {
	if c.Detector.Iter == nil {
		return errors.New("cannot start engine before the start harness has armed the controller")
	}
	eng := engine.New(c.Config, c.Store, c.Detector.Iter.Coverage, c.Detector.Iter.Cmplog, seed)
	if c.Telemetry != nil {
		eng.SetTelemetry(c.Telemetry)
	}
	if err := eng.Seed(initial); err != nil {
		return errors.Wrap(err, "seeding corpus")
	}
	c.Engine = eng
	c.Engine.Start(c.Bridge)
	go c.driveEngine(ctx)
	return nil
}

// driveEngine forwards testcases the engine produces into the simulation,
// one at a time, per spec.md §4.7's "engine thread blocks for the
// testcase, the simulator thread blocks for the exit kind" handoff.
func (c *Controller) driveEngine(ctx context.Context) {
	for {
		select {
		case tc := <-c.Bridge.Testcases:
			c.setLastTestcase(tc)
			a, err := c.Detector.AdapterFor(c.Detector.Iter.CPU)
			if err != nil {
				slog.Error("resolving adapter for testcase dispatch", slog.String("error", err.Error()))
				continue
			}
			if err := c.Detector.Iter.NextTestcase(a, tc); err != nil {
				slog.Error("dispatching testcase", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// RequestShutdown asks the engine to stop cooperatively.
func (c *Controller) RequestShutdown() {
	c.Bridge.RequestShutdown()
}

// Wait blocks until the engine goroutine has returned.
func (c *Controller) Wait() error {
	return c.Bridge.Wait()
}

// Run is the convenience entry point for a full fuzzing session: attach
// callbacks, resume the simulation so the target can reach its start
// harness, wait for arming, start the engine, and block until the engine
// stops (iteration limit, corpus exhaustion error) or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, initial []byte, seed int64) error {
	c.Attach()
	if err := c.Host.ResumeSimulation(); err != nil {
		return errors.Wrap(err, "starting simulation")
	}
	if err := c.waitForArm(ctx); err != nil {
		return err
	}
	if err := c.StartEngine(ctx, initial, seed); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- c.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.RequestShutdown()
		return <-done
	}
}

func (c *Controller) waitForArm(ctx context.Context) error {
	for c.Detector.Iter == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(armPollInterval):
		}
	}
	return nil
}

// Repro re-executes a single testcase against an already-armed controller,
// outside the engine's mutation loop, and reports its outcome -- spec.md
// §4.8's "repro an existing solution" fuzz operation.
func (c *Controller) Repro(tc model.Testcase) (ReproResult, error) {
	if c.Detector.Iter == nil {
		return ReproResult{}, errors.New("cannot repro before the start harness has armed the controller")
	}
	a, err := c.Detector.AdapterFor(c.Detector.Iter.CPU)
	if err != nil {
		return ReproResult{}, err
	}
	c.mu.Lock()
	c.reproActive = true
	c.mu.Unlock()
	c.setLastTestcase(tc)
	if err := c.Detector.Iter.NextTestcase(a, tc); err != nil {
		c.mu.Lock()
		c.reproActive = false
		c.mu.Unlock()
		return ReproResult{}, err
	}
	return <-c.reproResult, nil
}

// InjectManual implements spec.md §4.8's "inject at manually specified
// addresses" fuzz operation: it builds a StartInfo from externally
// supplied addresses (bypassing the harness/magic-instruction ABI
// entirely) and writes bytes through it once.
func (c *Controller) InjectManual(cpu simhost.CPU, address uint64, addressIsVirtual bool, size model.StartSize, bytes []byte) error {
	a, err := c.Detector.AdapterFor(cpu)
	if err != nil {
		return err
	}
	info, err := arch.ManualStartInfo(c.Host, cpu, address, addressIsVirtual, size)
	if err != nil {
		return errors.Wrap(err, "building manual start info")
	}
	return errors.Wrap(a.WriteStart(bytes, info), "writing manual testcase")
}
