package report

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"snapfuzz/internal/model"
)

func TestWriteXlsxProducesAReadableWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.xlsx")
	summary := Summary{
		RunName:         "smoke-test",
		IterationsTotal: 42,
		CorpusSize:      7,
		SolutionsFound:  1,
		DistinctEdges:   128,
		ExitKindCounts: map[model.ExitKind]int{
			model.Ok:    40,
			model.Crash: 1,
		},
		Config: map[string]string{"timeout": "5", "cmplog": "true"},
	}
	require.NoError(t, WriteXlsx(summary, path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	val, err := f.GetCellValue(sheetName, "A1")
	require.NoError(t, err)
	assert.Equal(t, "smoke-test", val)

	val, err = f.GetCellValue(sheetName, "B2")
	require.NoError(t, err)
	assert.Equal(t, "42", val)
}

func TestFormatCountsIsHumanReadable(t *testing.T) {
	line := FormatCounts(Summary{IterationsTotal: 10, CorpusSize: 3, SolutionsFound: 0, DistinctEdges: 50})
	assert.Contains(t, line, "iterations=10")
	assert.Contains(t, line, "edges=50")
}
