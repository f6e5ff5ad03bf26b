package harness

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfuzz/internal/arch"
	"snapfuzz/internal/config"
	"snapfuzz/internal/iteration"
	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost/fake"
)

func TestMagicStartArmsAndCapturesStartInfo(t *testing.T) {
	h := fake.New(1 << 16)
	h.SetArchitecture(0, "x86_64", 8)

	cfg := config.Default()
	var gotKind model.ExitKind
	var gotSol model.SolutionKind
	d := New(h, &cfg, func(k model.ExitKind, s model.SolutionKind) {
		gotKind, gotSol = k, s
	})
	d.Attach()

	require.NoError(t, h.WriteRegister(0, "rsi", 0x1000))
	require.NoError(t, h.WriteRegister(0, "rdx", 64))
	h.FireMagic(0, uint64(cfg.MagicStart))

	require.NotNil(t, d.Iter)
	require.NotNil(t, d.Iter.StartInfo())
	require.NoError(t, d.Iter.NextTestcase(mustAdapter(t, d), model.Testcase{Bytes: []byte{1}}))

	// stop harness ends the iteration Ok: StopSimulation drives HandleStopped
	// itself (the fake host mirrors a real one, where the stopped callback
	// fires only as a consequence of a break), no manual trigger needed.
	h.FireMagic(0, uint64(cfg.MagicStop))
	assert.Equal(t, model.Ok, gotKind)
	assert.Equal(t, model.SolutionKind{}, gotSol)
}

func TestMagicAssertIsAlwaysASolution(t *testing.T) {
	h := fake.New(1 << 16)
	h.SetArchitecture(0, "x86_64", 8)
	cfg := config.Default()
	var gotKind model.ExitKind
	var gotSol model.SolutionKind
	d := New(h, &cfg, func(k model.ExitKind, s model.SolutionKind) { gotKind, gotSol = k, s })
	d.Attach()

	require.NoError(t, h.WriteRegister(0, "rsi", 0x1000))
	require.NoError(t, h.WriteRegister(0, "rdx", 64))
	h.FireMagic(0, uint64(cfg.MagicStart))
	require.NoError(t, d.Iter.NextTestcase(mustAdapter(t, d), model.Testcase{Bytes: []byte{1}}))
	h.FireMagic(0, uint64(cfg.MagicAssert))

	assert.Equal(t, model.Crash, gotKind)
	assert.True(t, gotSol.MagicAssert)
}

func TestExceptionNotInSetDoesNotStop(t *testing.T) {
	h := fake.New(1 << 16)
	h.SetArchitecture(0, "x86_64", 8)
	cfg := config.Default()
	cfg.Exceptions = []int{6}
	called := false
	d := New(h, &cfg, func(model.ExitKind, model.SolutionKind) { called = true })
	d.Attach()

	require.NoError(t, h.WriteRegister(0, "rsi", 0x1000))
	require.NoError(t, h.WriteRegister(0, "rdx", 64))
	h.FireMagic(0, uint64(cfg.MagicStart))
	require.NoError(t, d.Iter.NextTestcase(mustAdapter(t, d), model.Testcase{Bytes: []byte{1}}))

	h.FireException(0, 0) // benign page fault, not in the solution set
	assert.False(t, called)
	assert.Equal(t, iteration.Running, d.Iter.State())
}

func TestAllExceptionsAreSolutionsMode(t *testing.T) {
	h := fake.New(1 << 16)
	h.SetArchitecture(0, "x86_64", 8)
	cfg := config.Default()
	cfg.AllExceptionsAreSolutions = true
	var gotKind model.ExitKind
	var gotSol model.SolutionKind
	d := New(h, &cfg, func(k model.ExitKind, s model.SolutionKind) { gotKind, gotSol = k, s })
	d.Attach()

	require.NoError(t, h.WriteRegister(0, "rsi", 0x1000))
	require.NoError(t, h.WriteRegister(0, "rdx", 64))
	h.FireMagic(0, uint64(cfg.MagicStart))

	require.NoError(t, d.Iter.NextTestcase(mustAdapter(t, d), model.Testcase{Bytes: []byte{1}}))
	h.FireException(0, 14) // any exception is a solution in this mode, auto-stops

	assert.Equal(t, model.Crash, gotKind)
	require.NotNil(t, gotSol.Exception)
	assert.Equal(t, 14, *gotSol.Exception)
}

func TestSolutionExpressionEscalatesAnOtherwiseOkExit(t *testing.T) {
	h := fake.New(1 << 16)
	h.SetArchitecture(0, "x86_64", 8)
	yaml := "solution_expression: \"exception == 6\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfgPtr, err := config.Load(path)
	require.NoError(t, err)
	cfg := *cfgPtr
	require.True(t, cfg.HasSolutionExpression())

	var gotKind model.ExitKind
	var gotSol model.SolutionKind
	d := New(h, &cfg, func(k model.ExitKind, s model.SolutionKind) { gotKind, gotSol = k, s })
	d.Attach()

	require.NoError(t, h.WriteRegister(0, "rsi", 0x1000))
	require.NoError(t, h.WriteRegister(0, "rdx", 64))
	h.FireMagic(0, uint64(cfg.MagicStart))
	require.NoError(t, d.Iter.NextTestcase(mustAdapter(t, d), model.Testcase{Bytes: []byte{1}}))

	h.FireException(0, 6) // not in the explicit Exceptions set, so not a solution on its own
	h.FireMagic(0, uint64(cfg.MagicStop))

	assert.Equal(t, model.Crash, gotKind)
	assert.True(t, gotSol.Expression)
}

// TestOutOfBandStopWithNoPendingReasonIsOk exercises the fake host's
// FireStopped primitive directly, simulating a host-side break that was not
// driven by any of the four trigger events (e.g. the guest simply exiting on
// its own): HandleStopped must still classify it, same as
// iteration.TestStopWithNoPendingReasonIsOk does one layer down.
func TestOutOfBandStopWithNoPendingReasonIsOk(t *testing.T) {
	h := fake.New(1 << 16)
	h.SetArchitecture(0, "x86_64", 8)
	cfg := config.Default()
	var gotKind model.ExitKind
	var gotSol model.SolutionKind
	called := false
	d := New(h, &cfg, func(k model.ExitKind, s model.SolutionKind) {
		called = true
		gotKind, gotSol = k, s
	})
	d.Attach()

	require.NoError(t, h.WriteRegister(0, "rsi", 0x1000))
	require.NoError(t, h.WriteRegister(0, "rdx", 64))
	h.FireMagic(0, uint64(cfg.MagicStart))

	h.FireStopped("guest exited")

	assert.True(t, called)
	assert.Equal(t, model.Ok, gotKind)
	assert.Equal(t, model.SolutionKind{}, gotSol)
}

func mustAdapter(t *testing.T, d *Detector) *arch.Adapter {
	t.Helper()
	a, err := d.AdapterFor(0)
	require.NoError(t, err)
	return a
}
