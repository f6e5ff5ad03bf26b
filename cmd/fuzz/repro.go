package fuzz

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"snapfuzz/internal/config"
	"snapfuzz/internal/controller"
	"snapfuzz/internal/corpusio"
	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost/fake"
)

var reproCmd = &cobra.Command{
	Use:   "repro <testcase-file>",
	Short: "Re-execute a single testcase outside the evolutionary loop",
	Long: `Repro implements spec.md §4.8's "repro an existing solution" fuzz
operation: it arms the Controller Object against the fake simulator host,
injects exactly the given bytes once, and reports the resulting ExitKind
and, if any, the fine-grained SolutionKind.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepro,
}

func init() {
	Cmd.AddCommand(reproCmd)
}

func runRepro(cmd *cobra.Command, args []string) error {
	bytes, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "reading testcase %q", args[0])
	}
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	store, err := corpusio.NewStore(cfg.CorpusDirectory, cfg.SolutionsDirectory)
	if err != nil {
		return errors.Wrap(err, "preparing corpus/solutions storage")
	}

	host := fake.New(1 << 20)
	host.SetArchitecture(0, "x86_64", 8)
	c := controller.New(host, cfg, store, nil)
	c.Attach()

	_ = host.WriteRegister(0, "rsi", 0x1000)
	_ = host.WriteRegister(0, "rdx", 4096)
	armed := make(chan struct{})
	go func() {
		host.FireMagic(0, uint64(cfg.MagicStart))
		close(armed)
	}()
	<-armed

	result, err := c.Repro(model.Testcase{Bytes: bytes})
	if err != nil {
		return errors.Wrap(err, "repro")
	}
	fmt.Printf("exit=%s solution=%s\n", result.Kind, result.Solution)
	return nil
}
