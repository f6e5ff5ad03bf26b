// Package coverage implements the AFL-style edge bitmap used to detect
// novel control flow during an iteration.
package coverage

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import mapset "github.com/deckarep/golang-set/v2"

// MapSize is the fixed power-of-two size of the coverage bitmap.
const MapSize = 131072

// Edge is an indexed edge observed by the tracer.
type Edge struct {
	PC    uint64
	Index uint64
}

// Tracer maintains the rolling previous-location hash and the edge bitmap.
// It is confined to the simulator callback goroutine; see internal/engine
// for the quiescence discipline that lets the engine goroutine read Map
// between iterations without a lock.
type Tracer struct {
	Map              [MapSize]byte
	previousLocation uint64
	edgesSeen        mapset.Set[uint64]
	edgesSinceLast   []Edge
}

// NewTracer returns a Tracer with an empty bitmap and edge history.
func NewTracer() *Tracer {
	return &Tracer{edgesSeen: mapset.NewSet[uint64]()}
}

// Hit records a taken control-flow edge at pc, per spec.md §4.3:
//  1. idx = (pc ^ previous_location) mod M
//  2. coverage_map[idx] saturates at 255
//  3. previous_location = pc >> 1
//  4. a not-previously-seen idx is recorded in edgesSinceLast
func (t *Tracer) Hit(pc uint64) {
	idx := (pc ^ t.previousLocation) % MapSize
	if t.Map[idx] < 255 {
		t.Map[idx]++
	}
	t.previousLocation = pc >> 1

	if !t.edgesSeen.Contains(idx) {
		t.edgesSeen.Add(idx)
		t.edgesSinceLast = append(t.edgesSinceLast, Edge{PC: pc, Index: idx})
	}
}

// NewEdgesSinceLastReport returns, and clears, the edges newly covered
// since the last call to this method (or since construction).
func (t *Tracer) NewEdgesSinceLastReport() []Edge {
	out := t.edgesSinceLast
	t.edgesSinceLast = nil
	return out
}

// EdgeCount returns the number of distinct edges ever observed.
func (t *Tracer) EdgeCount() int {
	return t.edgesSeen.Cardinality()
}

// Reset zeroes the bitmap, used when the host does not reset/restore maps
// as part of snapshot semantics (spec.md §8 invariant 3) -- edgesSeen is
// deliberately NOT reset, since "new coverage" feedback is run-scoped, not
// iteration-scoped.
func (t *Tracer) Reset() {
	for i := range t.Map {
		t.Map[i] = 0
	}
	t.previousLocation = 0
}

// Snapshot copies the bitmap for a caller that must not alias Tracer's
// internal array (e.g. a feedback pass that mutates while comparing).
func (t *Tracer) Snapshot() [MapSize]byte {
	return t.Map
}
