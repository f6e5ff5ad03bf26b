// Package report renders a post-run summary workbook: corpus/solutions
// counts, coverage-edge totals, and the exit-kind breakdown, one sheet per
// run. It is not part of spec.md's core fuzzing contract -- the
// specification's own coverage *reporting* is explicitly out of scope
// (spec.md's Non-goals) -- but SPEC_FULL.md's domain-stack expansion
// gives the teacher's `github.com/xuri/excelize/v2` dependency a home
// here: a lightweight run-summary artifact, not the teacher's own
// HTML/flamegraph perf-counter reports.
package report

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"snapfuzz/internal/model"
)

// Summary is the data a run hands to WriteXlsx; the caller assembles it
// from internal/controller, internal/coverage, and internal/corpusio.
type Summary struct {
	RunName         string
	IterationsTotal int
	CorpusSize      int
	SolutionsFound  int
	DistinctEdges   int
	ExitKindCounts  map[model.ExitKind]int
	Config          map[string]string // flattened config.Config fields worth surfacing
}

const sheetName = "Run Summary"

func cellName(col, row int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return ""
	}
	return name
}

// WriteXlsx renders summary as a single-sheet workbook and saves it to
// path, following the teacher's render_excel.go style-then-set-value
// pattern (bold section headers, one key/value pair per row) generalized
// from multi-table perf-counter reports to one small run summary.
func WriteXlsx(summary Summary, path string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return errors.Wrap(err, "renaming default sheet")
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return errors.Wrap(err, "creating header style")
	}

	row := 1
	writeHeader := func(title string) {
		_ = f.SetCellValue(sheetName, cellName(1, row), title)
		_ = f.SetCellStyle(sheetName, cellName(1, row), cellName(1, row), headerStyle)
		row++
	}
	writeKV := func(key string, value interface{}) {
		_ = f.SetCellValue(sheetName, cellName(1, row), key)
		_ = f.SetCellValue(sheetName, cellName(2, row), value)
		row++
	}

	writeHeader(summary.RunName)
	writeKV("iterations_total", summary.IterationsTotal)
	writeKV("corpus_size", summary.CorpusSize)
	writeKV("solutions_found", summary.SolutionsFound)
	writeKV("distinct_edges", summary.DistinctEdges)
	row++

	writeHeader("Exit kinds")
	for _, kind := range []model.ExitKind{model.Ok, model.Crash, model.Timeout} {
		writeKV(kind.String(), summary.ExitKindCounts[kind])
	}
	row++

	if len(summary.Config) > 0 {
		writeHeader("Configuration")
		keys := make([]string, 0, len(summary.Config))
		for k := range summary.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			writeKV(key, summary.Config[key])
		}
	}

	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "saving workbook %q", path)
	}
	return nil
}

// countsPrinter formats large iteration counts with thousands separators,
// the same way the teacher's telemetry command prints sample counts
// (cmd/telemetry/telemetry.go: "use printer to get commas at thousands").
var countsPrinter = message.NewPrinter(language.English)

// FormatCounts renders a compact human summary line, used by cmd/fuzz's
// terminal output alongside the xlsx artifact.
func FormatCounts(summary Summary) string {
	return countsPrinter.Sprintf("iterations=%d corpus=%d solutions=%d edges=%d",
		summary.IterationsTotal, summary.CorpusSize, summary.SolutionsFound, summary.DistinctEdges)
}
