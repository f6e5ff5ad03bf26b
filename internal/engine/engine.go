// Package engine implements the Evolution Engine Bridge (spec.md §4.7):
// the bounded-channel handoff between the simulator callback goroutine and
// a dedicated engine goroutine, plus a default embedded evolutionary loop
// exercising that handoff. The full search internals -- schedulers,
// mutation operators, corpus on-disk format, power schedules, redqueen/I2S
// stages -- are named by spec.md §1 as external collaborators whose
// *contract* (not implementation) this core defines; the loop here is an
// intentionally modest default, grounded on the message-passing shape of
// the original Rust implementation's fuzzer/mod.rs (a Testcase/Shutdown
// channel paired with an ExitKind channel, the two-channel "ping-pong"
// spec.md §4.7 describes) and on internal/workflow/signals.go's
// goroutine-plus-channel worker pattern.
package engine

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/pkg/errors"

	"snapfuzz/internal/cmplog"
	"snapfuzz/internal/config"
	"snapfuzz/internal/corpusio"
	"snapfuzz/internal/coverage"
	"snapfuzz/internal/model"
)

// ErrCorpusEmpty is returned by Seed when, after every configured seeding
// strategy has run, the corpus is still empty -- a terminal engine error
// per spec.md §7.
var ErrCorpusEmpty = errors.New("corpus empty after seeding")

// Bridge is the two-channel, one-in-flight handoff of spec.md §4.7. Naming
// follows the data's direction rather than the spec's controller-relative
// "to_engine"/"from_engine" names, which read backwards against the
// engine's own actions ("publish a testcase to to_engine"): the engine
// goroutine is the producer of Testcases and the consumer of ExitKinds,
// symmetric with the controller goroutine being the consumer of Testcases
// and the producer of ExitKinds (spec.md §4.7's closing paragraph).
type Bridge struct {
	Testcases chan model.Testcase // engine -> controller
	ExitKinds chan model.ExitKind // controller -> engine
	Status    chan string         // engine -> controller, logging only, best-effort

	shutdown chan struct{}
	done     chan error
}

// NewBridge returns a Bridge with unbuffered testcase/exit-kind channels:
// each send waits for its matching receive, so at most one testcase or
// exit kind is in flight at a time.
func NewBridge() *Bridge {
	return &Bridge{
		Testcases: make(chan model.Testcase),
		ExitKinds: make(chan model.ExitKind),
		Status:    make(chan string, 16),
		shutdown:  make(chan struct{}),
		done:      make(chan error, 1),
	}
}

// RequestShutdown asks the engine goroutine to drain and exit at its next
// safe point (spec.md §5: "Shutdown is cooperative"). Safe to call more
// than once.
func (b *Bridge) RequestShutdown() {
	select {
	case <-b.shutdown:
	default:
		close(b.shutdown)
	}
}

// Wait blocks until the engine goroutine has returned, yielding its
// terminal error (if any) exactly once -- the plain-channel join the
// controller never recovers a panic through (spec.md §7).
func (b *Bridge) Wait() error {
	return <-b.done
}

// Engine is the default embedded evolutionary loop. It owns the corpus
// (in-memory plus on-disk cache via internal/corpusio), reads feedback
// from the coverage/cmplog maps the architecture adapter writes, and
// drives Bridge from its own goroutine.
type Engine struct {
	Config   *config.Config
	Store    *corpusio.Store
	Coverage *coverage.Tracer
	Cmplog   *cmplog.Log

	rng           *rand.Rand
	corpus        [][]byte
	tokens        [][]byte
	pendingCmplog [][]byte
	iterations    int
	telemetry     telemetryRecorder
}

// telemetryRecorder is the small slice of internal/telemetry.Recorder's
// API this package needs; declared locally so internal/engine never
// imports internal/telemetry (which would be the only consumer-side
// dependency between two otherwise-independent leaf packages).
type telemetryRecorder interface {
	RecordIteration(kind model.ExitKind, newEdges int)
}

// SetTelemetry attaches a recorder that observes every completed
// iteration's exit kind and new-edge count; nil (the default) disables
// telemetry recording entirely.
func (e *Engine) SetTelemetry(r telemetryRecorder) {
	e.telemetry = r
}

// New constructs an Engine. seed fixes the mutator's PRNG for
// reproducible test runs; production callers should pass a
// time-derived seed.
func New(cfg *config.Config, store *corpusio.Store, tracer *coverage.Tracer, clog *cmplog.Log, seed int64) *Engine {
	return &Engine{
		Config:   cfg,
		Store:    store,
		Coverage: tracer,
		Cmplog:   clog,
		rng:      rand.New(rand.NewSource(seed)), //nolint:gosec // fuzzing mutation, not cryptography
	}
}

// Seed implements spec.md §4.7's corpus seeding order: load from the
// corpus directory; optionally seed with the captured StartInfo.contents
// (use_initial_as_corpus); optionally generate initial_random_corpus_size
// random inputs (generate_random_corpus); if still empty, fail.
func (e *Engine) Seed(initial []byte) error {
	loaded, err := e.Store.LoadCorpus()
	if err != nil {
		return errors.Wrap(err, "loading corpus from disk")
	}
	e.corpus = append(e.corpus, loaded...)

	if e.Config.UseInitialAsCorpus && len(initial) > 0 {
		e.corpus = append(e.corpus, append([]byte(nil), initial...))
	}
	if e.Config.GenerateRandomCorpus {
		for i := 0; i < e.Config.InitialRandomCorpusSize; i++ {
			e.corpus = append(e.corpus, e.randomInput())
		}
	}
	e.tokens = e.loadTokens()
	if len(e.corpus) == 0 {
		return ErrCorpusEmpty
	}
	return nil
}

func (e *Engine) loadTokens() [][]byte {
	tokens := append([][]byte(nil), e.Config.DecodedTokens()...)
	for _, path := range e.Config.TokenFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("reading token file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		tokens = append(tokens, data)
	}
	return tokens
}

func (e *Engine) randomInput() []byte {
	n := 1 + e.rng.Intn(63)
	buf := make([]byte, n)
	_, _ = e.rng.Read(buf)
	return buf
}

// Start runs the fuzzing loop on a new goroutine, honouring
// iteration_limit (spec.md §8 invariant 7) and cooperative shutdown.
func (e *Engine) Start(bridge *Bridge) {
	go func() {
		bridge.done <- e.run(bridge)
	}()
}

func (e *Engine) run(bridge *Bridge) error {
	for {
		if e.Config.IterationLimit > 0 && e.iterations >= e.Config.IterationLimit {
			e.notify(bridge, fmt.Sprintf("iteration limit %d reached, stopping", e.Config.IterationLimit))
			return nil
		}
		tc := e.synthesize()
		select {
		case bridge.Testcases <- tc:
		case <-bridge.shutdown:
			return nil
		}

		var exit model.ExitKind
		select {
		case exit = <-bridge.ExitKinds:
		case <-bridge.shutdown:
			return nil
		}
		e.iterations++
		e.observe(bridge, tc, exit)
	}
}

// synthesize implements "Fuzz one iteration": prefer a queued cmplog
// re-run of a newly interesting input, otherwise mutate a corpus parent.
// Every eighth iteration (when Config.Cmplog is set) arms cmplog on a
// fresh mutation too, giving the comparison log steady traffic even
// without a discovered-interesting backlog.
func (e *Engine) synthesize() model.Testcase {
	if len(e.pendingCmplog) > 0 {
		bytes := e.pendingCmplog[0]
		e.pendingCmplog = e.pendingCmplog[1:]
		return model.Testcase{Bytes: bytes, Cmplog: e.Config.Cmplog}
	}
	parent := e.corpus[e.rng.Intn(len(e.corpus))]
	mutated := e.mutate(parent)
	cmplogArmed := e.Config.Cmplog && e.iterations%8 == 0
	return model.Testcase{Bytes: mutated, Cmplog: cmplogArmed}
}

// observe implements feedback: a testcase that reached a crash/timeout, or
// that covered a previously-unseen edge, is interesting and is persisted
// to the on-disk corpus cache and kept for future mutation. Solution
// persistence with its fine-grained SolutionKind is the controller's
// responsibility (see internal/controller) since spec.md §3 deliberately
// collapses the engine's view to ExitKind alone.
func (e *Engine) observe(bridge *Bridge, tc model.Testcase, exit model.ExitKind) {
	newEdges := e.Coverage.NewEdgesSinceLastReport()
	if e.telemetry != nil {
		e.telemetry.RecordIteration(exit, len(newEdges))
	}
	interesting := len(newEdges) > 0 || exit != model.Ok
	if !interesting {
		return
	}
	e.corpus = append(e.corpus, tc.Bytes)
	if _, err := e.Store.SaveCorpusEntry(tc.Bytes); err != nil {
		slog.Warn("persisting corpus entry", slog.String("error", err.Error()))
	}
	if len(newEdges) > 0 && e.Config.Cmplog && !tc.Cmplog {
		e.pendingCmplog = append(e.pendingCmplog, tc.Bytes)
	}
	e.notify(bridge, fmt.Sprintf("new coverage: %d edge(s), exit=%s, corpus size=%d", len(newEdges), exit, len(e.corpus)))
}

func (e *Engine) notify(bridge *Bridge, msg string) {
	slog.Debug(msg)
	select {
	case bridge.Status <- msg:
	default: // status channel is best-effort; never block the loop on it
	}
}

// IterationsCompleted returns the number of iterations this engine has
// sent/observed exit kinds for, for spec.md §8 invariant 6's equality
// check against the controller's iteration counter.
func (e *Engine) IterationsCompleted() int { return e.iterations }

// CorpusSize returns the current in-memory corpus size, for status
// reporting.
func (e *Engine) CorpusSize() int { return len(e.corpus) }
