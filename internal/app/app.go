// Package app defines application-wide types and context shared across
// snapfuzz's commands.
package app

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
)

// Name is the name of the application executable.
var Name = filepath.Base(os.Args[0])

// Context represents the application context that can be accessed from all commands.
type Context struct {
	Timestamp    string // Timestamp is the timestamp when the application was started.
	OutputDir    string // OutputDir is the directory where the application will write output files (corpus, solutions, summary).
	LocalTempDir string // LocalTempDir is the temp directory on the local host (created by the application).
	LogFilePath  string // LogFilePath is the path to the log file.
	Version      string // Version is the version of the application.
	Debug        bool   // Debug is true if the application is running in debug mode.
}

// Flag names for flags defined in the root command, but sometimes used in other commands.
const (
	FlagDebugName     = "debug"
	FlagLogStdOutName = "log-stdout"
	FlagOutputDirName = "output"
)
