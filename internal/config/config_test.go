package config

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5.0, cfg.Timeout)
	assert.Equal(t, 1, cfg.MagicStart)
	assert.Equal(t, 2, cfg.MagicStop)
	assert.Equal(t, 3, cfg.MagicAssert)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Timeout, cfg.Timeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout: 1.5
all_exceptions_are_solutions: true
breakpoints: [1, 2]
corpus_directory: /tmp/corpus
`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Timeout)
	assert.True(t, cfg.AllExceptionsAreSolutions)
	assert.Equal(t, "/tmp/corpus", cfg.CorpusDirectory)
	assert.True(t, cfg.BreakpointIsSolution(1))
	assert.False(t, cfg.BreakpointIsSolution(3))
	// defaults not mentioned in the file are preserved
	assert.Equal(t, 60, cfg.ExecutorTimeout)
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.Timeout = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsColldingMagicValues(t *testing.T) {
	cfg := Default()
	cfg.MagicStop = cfg.MagicStart
	assert.Error(t, cfg.Validate())
}

func TestExceptionIsSolution(t *testing.T) {
	cfg := Default()
	cfg.Exceptions = []int{0, 6}
	assert.True(t, cfg.ExceptionIsSolution(0))
	assert.False(t, cfg.ExceptionIsSolution(1))

	cfg.AllExceptionsAreSolutions = true
	assert.True(t, cfg.ExceptionIsSolution(99))
}

func TestSolutionExpressionCompilesAndEvaluates(t *testing.T) {
	cfg := Default()
	cfg.SolutionExpression = "exception == 6 && iteration > 10"
	require.NoError(t, cfg.finish())
	require.True(t, cfg.HasSolutionExpression())

	ok, err := cfg.EvaluateSolutionExpression(map[string]interface{}{"exception": 6, "iteration": 11})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cfg.EvaluateSolutionExpression(map[string]interface{}{"exception": 6, "iteration": 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodedTokens(t *testing.T) {
	cfg := Default()
	cfg.Tokens = []string{"deadbeef", "00"}
	require.NoError(t, cfg.Validate())
	decoded := cfg.DecodedTokens()
	assert.Equal(t, [][]byte{{0xde, 0xad, 0xbe, 0xef}, {0x00}}, decoded)
}

func TestArchitectureHintsValidation(t *testing.T) {
	cfg := Default()
	cfg.ArchitectureHints = map[string]string{"0": "x86_64", "1": "riscv"}
	require.NoError(t, cfg.Validate())
	resolved := cfg.ResolvedArchitectureHints()
	assert.Len(t, resolved, 2)

	cfg.ArchitectureHints = map[string]string{"not-a-cpu": "x86_64"}
	assert.Error(t, cfg.Validate())

	cfg.ArchitectureHints = map[string]string{"0": "not-an-arch"}
	assert.Error(t, cfg.Validate())
}
