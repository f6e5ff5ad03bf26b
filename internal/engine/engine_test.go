package engine

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfuzz/internal/cmplog"
	"snapfuzz/internal/config"
	"snapfuzz/internal/corpusio"
	"snapfuzz/internal/coverage"
	"snapfuzz/internal/model"
)

func setup(t *testing.T) (*Engine, *corpusio.Store, *coverage.Tracer) {
	t.Helper()
	dir := t.TempDir()
	store, err := corpusio.NewStore(filepath.Join(dir, "corpus"), filepath.Join(dir, "solutions"))
	require.NoError(t, err)
	tracer := coverage.NewTracer()
	clog := cmplog.NewLog()
	cfg := config.Default()
	cfg.GenerateRandomCorpus = true
	cfg.InitialRandomCorpusSize = 4
	e := New(&cfg, store, tracer, clog, 42)
	require.NoError(t, e.Seed(nil))
	return e, store, tracer
}

func TestSeedFailsWithoutAnySource(t *testing.T) {
	dir := t.TempDir()
	store, err := corpusio.NewStore(filepath.Join(dir, "corpus"), filepath.Join(dir, "solutions"))
	require.NoError(t, err)
	cfg := config.Default()
	cfg.GenerateRandomCorpus = false
	e := New(&cfg, store, coverage.NewTracer(), cmplog.NewLog(), 1)
	err = e.Seed(nil)
	assert.ErrorIs(t, err, ErrCorpusEmpty)
}

func TestSeedWithInitialAsCorpus(t *testing.T) {
	dir := t.TempDir()
	store, err := corpusio.NewStore(filepath.Join(dir, "corpus"), filepath.Join(dir, "solutions"))
	require.NoError(t, err)
	cfg := config.Default()
	cfg.GenerateRandomCorpus = false
	cfg.UseInitialAsCorpus = true
	e := New(&cfg, store, coverage.NewTracer(), cmplog.NewLog(), 1)
	require.NoError(t, e.Seed([]byte("seed-bytes")))
	assert.Equal(t, 1, e.CorpusSize())
}

func TestBridgeRoundTripAndShutdown(t *testing.T) {
	e, _, tracer := setup(t)
	tracer.Hit(0x1000) // so the first iteration's "new edge" count is non-zero

	bridge := NewBridge()
	e.Start(bridge)

	select {
	case tc := <-bridge.Testcases:
		assert.NotEmpty(t, tc.Bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first testcase")
	}
	bridge.ExitKinds <- model.Ok

	bridge.RequestShutdown()
	bridge.RequestShutdown() // must tolerate a second call
	err := bridge.Wait()
	assert.NoError(t, err)
	assert.Equal(t, 1, e.IterationsCompleted())
}

func TestIterationLimitStopsTheLoop(t *testing.T) {
	e, _, _ := setup(t)
	e.Config.IterationLimit = 2

	bridge := NewBridge()
	e.Start(bridge)

	for i := 0; i < 2; i++ {
		<-bridge.Testcases
		bridge.ExitKinds <- model.Ok
	}
	err := bridge.Wait()
	assert.NoError(t, err)
	assert.Equal(t, 2, e.IterationsCompleted())
}

func TestCrashIsPersistedToCorpus(t *testing.T) {
	e, store, _ := setup(t)
	before := e.CorpusSize()

	bridge := NewBridge()
	e.Start(bridge)
	tc := <-bridge.Testcases
	bridge.ExitKinds <- model.Crash
	bridge.RequestShutdown()
	require.NoError(t, bridge.Wait())

	assert.Equal(t, before+1, e.CorpusSize())
	entries, err := store.LoadCorpus()
	require.NoError(t, err)
	found := false
	for _, entry := range entries {
		if string(entry) == string(tc.Bytes) {
			found = true
		}
	}
	assert.True(t, found, "crashing testcase should be persisted to the corpus cache")
}

func TestMutateNeverReturnsEmptyAndStaysBounded(t *testing.T) {
	e, _, _ := setup(t)
	for i := 0; i < 200; i++ {
		out := e.mutate([]byte("some parent bytes"))
		assert.NotEmpty(t, out)
		assert.LessOrEqual(t, len(out), maxMutatedSize)
	}
}
