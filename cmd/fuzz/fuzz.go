// Package fuzz provides the "fuzz" command: the cobra front end that wires
// the Controller Object (internal/controller) to a simhost.Host, runs a
// fuzzing session to completion or ctrl-c, and writes a post-run summary.
// Flag layout follows cmd/config/flag.go's one-flag-per-option convention
// (teacher, now deleted -- see DESIGN.md); here it is generalized to
// snapfuzz's own configuration surface (internal/config) instead of BIOS
// knob overrides.
package fuzz

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"snapfuzz/internal/app"
	"snapfuzz/internal/config"
	"snapfuzz/internal/controller"
	"snapfuzz/internal/corpusio"
	"snapfuzz/internal/model"
	"snapfuzz/internal/progress"
	"snapfuzz/internal/report"
	"snapfuzz/internal/simhost/fake"
	"snapfuzz/internal/telemetry"
	"snapfuzz/internal/util"
)

// Cmd is the "fuzz" command, added to the root command by cmd/root.go.
var Cmd = &cobra.Command{
	Use:   "fuzz",
	Short: "Run the fuzzing core against a simulator-backed harness",
	Long: `Run starts the Controller Object against a simhost.Host, drives the
default embedded evolutionary loop, and writes a run summary on exit.

Without a real simulator binding (see SPEC_FULL.md §1), --smoke runs
against the in-process reference host (internal/simhost/fake) instead: a
scripted harness that arms immediately and stops after each mutation, useful
for exercising the full control plane without external dependencies.`,
	RunE: runFuzz,
}

var (
	flagConfigPath   string
	flagInitialSeed  string
	flagSmoke        bool
	flagMetricsAddr  string
	flagSeed         int64
	flagSummaryXlsx  string
)

func init() {
	Cmd.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML configuration file (internal/config.Config); missing file uses defaults")
	Cmd.Flags().StringVar(&flagInitialSeed, "initial", "", "path to a single file used as the UseInitialAsCorpus seed")
	Cmd.Flags().BoolVar(&flagSmoke, "smoke", false, "run against the in-process fake simulator host instead of a real binding")
	Cmd.Flags().StringVar(&flagMetricsAddr, "metrics-listen", "", "if set, serve Prometheus metrics on this address (e.g. :9090) for the run's duration")
	Cmd.Flags().Int64Var(&flagSeed, "seed", 0, "mutator PRNG seed; 0 selects a time-derived seed")
	Cmd.Flags().StringVar(&flagSummaryXlsx, "summary", "summary.xlsx", "path to write the post-run xlsx summary")
}

func runFuzz(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	appCtx, _ := cmd.Context().Value(app.Context{}).(app.Context)
	corpusDir := cfg.CorpusDirectory
	solutionsDir := cfg.SolutionsDirectory
	if appCtx.OutputDir != "" {
		corpusDir = filepath.Join(appCtx.OutputDir, corpusDir)
		solutionsDir = filepath.Join(appCtx.OutputDir, solutionsDir)
	}
	store, err := corpusio.NewStore(corpusDir, solutionsDir)
	if err != nil {
		return errors.Wrap(err, "preparing corpus/solutions storage")
	}

	var initial []byte
	if flagInitialSeed != "" {
		path, err := util.AbsPath(flagInitialSeed)
		if err != nil {
			return errors.Wrap(err, "resolving --initial path")
		}
		initial, err = os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading --initial seed %q", path)
		}
	}

	if !flagSmoke {
		return errors.New("no real simulator binding is wired into this build; pass --smoke to exercise the control plane against internal/simhost/fake")
	}

	recorder := telemetry.NewRecorder()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if flagMetricsAddr != "" {
		go recorder.Serve(ctx, flagMetricsAddr)
	}

	host := fake.New(1 << 20)
	host.SetArchitecture(0, "x86_64", 8)

	c := controller.New(host, cfg, store, recorder)
	c.Attach()

	spinner := progress.NewSpinner("fuzz")
	spinner.Start()
	defer spinner.Finish()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			spinner.Status("received interrupt, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	seed := flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	go driveSmokeHost(ctx, host, cfg)

	spinner.Status("running")
	if runErr := c.Run(ctx, initial, seed); runErr != nil && errors.Cause(runErr) != context.Canceled {
		spinner.Status(fmt.Sprintf("error: %v", runErr))
		return errors.Wrap(runErr, "fuzzing run")
	}
	spinner.Status("complete")

	return writeSummary(c, recorder)
}

// driveSmokeHost arms the fake host's start harness and then fires the stop
// harness once a millisecond until ctx is done (a stop that arrives while
// no testcase is running is ignored) -- a scripted stand-in
// for a real guest's "read input, run one iteration, exit" loop, so --smoke
// exercises the whole Controller Object without a real simulator binding.
func driveSmokeHost(ctx context.Context, host *fake.Host, cfg *config.Config) {
	const bufAddr = 0x1000
	const bufSize = 4096
	_ = host.WriteRegister(0, "rsi", bufAddr)
	_ = host.WriteRegister(0, "rdx", bufSize)
	host.FireMagic(0, uint64(cfg.MagicStart))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
		host.FireMagic(0, uint64(cfg.MagicStop)) // drives HandleStopped itself via StopSimulation
	}
}

func writeSummary(c *controller.Controller, recorder *telemetry.Recorder) error {
	_ = recorder // counts are read back through c.Engine/c.Store below; recorder also serves /metrics live
	summary := report.Summary{
		RunName: "snapfuzz run " + time.Now().UTC().Format(time.RFC3339),
		Config:  map[string]string{},
	}
	if c.Detector.Iter != nil {
		summary.IterationsTotal = c.Detector.Iter.IterationCount()
	}
	if c.Engine != nil {
		summary.CorpusSize = c.Engine.CorpusSize()
	}
	if entries, err := c.Store.LoadCorpus(); err == nil {
		summary.CorpusSize = len(entries)
	}
	if c.Detector.Iter != nil {
		summary.DistinctEdges = c.Detector.Iter.Coverage.EdgeCount()
	}
	summary.ExitKindCounts = map[model.ExitKind]int{}
	fmt.Println(report.FormatCounts(summary))
	if flagSummaryXlsx == "" {
		return nil
	}
	if err := report.WriteXlsx(summary, flagSummaryXlsx); err != nil {
		slog.Error("writing summary workbook", slog.String("error", err.Error()))
		return err
	}
	fmt.Printf("wrote summary to %s\n", flagSummaryXlsx)
	return nil
}

// newRNG returns a PRNG independent of the engine's own seeded PRNG. No
// command in this package calls it.
func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed)) //nolint:gosec // demo tooling, not cryptography
}
