// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package cmd provides the command line interface for snapfuzz.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"snapfuzz/cmd/fuzz"
	"snapfuzz/internal/app"
	"snapfuzz/internal/util"
)

var gLogFile *os.File
var gVersion = "0.1.0" // can be overwritten at build time via -ldflags

const (
	// LongAppName is the name of the application
	LongAppName = "Snapfuzz"
)

var examples = []string{
	fmt.Sprintf("  Run the fuzzing core against the in-process reference host:  $ %s fuzz --smoke", app.Name),
	fmt.Sprintf("  Re-execute a saved solution outside the evolutionary loop:    $ %s fuzz repro solutions/<id>", app.Name),
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:                app.Name,
	Short:              app.Name,
	Long:               fmt.Sprintf(`%s (%s) is a coverage-guided, snapshot-based fuzzer that drives a full-system simulator to find crashing, hanging, or safety-violating inputs.`, LongAppName, app.Name),
	Example:            strings.Join(examples, "\n"),
	PersistentPreRunE:  initializeApplication, // will only be run if command has a 'Run' function
	PersistentPostRunE: terminateApplication,  // ...
	Version:            gVersion,
}

var (
	// logging
	flagDebug     bool
	flagLogStdOut bool
	// output
	flagOutputDir string
)

func init() {
	rootCmd.SetUsageTemplate(`Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command] [flags]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}
`)
	rootCmd.SetHelpCommand(&cobra.Command{}) // block the help command
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.AddGroup([]*cobra.Group{{ID: "primary", Title: "Commands:"}}...)
	rootCmd.AddCommand(fuzz.Cmd)
	// Global (persistent) flags
	rootCmd.PersistentFlags().BoolVar(&flagDebug, app.FlagDebugName, false, "enable debug logging and retain temporary directories")
	rootCmd.PersistentFlags().BoolVar(&flagLogStdOut, app.FlagLogStdOutName, false, "write logs to stdout")
	rootCmd.PersistentFlags().StringVar(&flagOutputDir, app.FlagOutputDirName, "", "override the output directory")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.EnableCommandSorting = false
	cobra.EnableCaseInsensitive = true
	err := rootCmd.Execute()
	if err != nil {
		terminateErr := terminateApplication(rootCmd, os.Args)
		if terminateErr != nil {
			slog.Error("Error terminating application", slog.String("error", terminateErr.Error()))
			fmt.Printf("Error: %v\n", terminateErr)
		}
		os.Exit(1)
	}
}

func initializeApplication(cmd *cobra.Command, args []string) error {
	timestamp := time.Now().Local().Format("2006-01-02_15-04-05") // app startup time
	// set output directory path (directory will be created later when needed)
	var outputDir string
	if flagOutputDir != "" {
		var err error
		outputDir, err = util.AbsPath(flagOutputDir)
		if err != nil {
			fmt.Printf("Error: failed to expand output dir %v\n", err)
			os.Exit(1)
		}
	} else {
		// set output dir path to app name + timestamp
		outputDirName := app.Name + "_" + timestamp
		var err error
		// outputDir will be in current working directory
		outputDir, err = util.AbsPath(outputDirName)
		if err != nil {
			fmt.Printf("Error: failed to expand output dir %v\n", err)
			os.Exit(1)
		}
	}
	// configure logging
	var logOpts slog.HandlerOptions
	if flagDebug {
		logOpts.Level = slog.LevelDebug
		logOpts.AddSource = true
	} else {
		logOpts.Level = slog.LevelInfo
		logOpts.AddSource = false
	}
	if flagLogStdOut {
		handler := slog.NewJSONHandler(os.Stdout, &logOpts)
		slog.SetDefault(slog.New(handler))
	} else { // log to file
		// open log file in current directory
		var err error
		gLogFile, err = os.OpenFile(app.Name+".log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) // #nosec G302
		if err != nil {
			fmt.Printf("Error: failed to open log file: %v\n", err)
			os.Exit(1)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(gLogFile, &logOpts)))
	}
	slog.Info("Starting up", slog.String("app", app.Name), slog.String("version", gVersion), slog.Int("PID", os.Getpid()), slog.String("arguments", strings.Join(os.Args, " ")))
	// create local temp directory
	localTempDir, err := os.MkdirTemp(os.TempDir(), fmt.Sprintf("%s.tmp.", app.Name))
	if err != nil {
		fmt.Printf("Error: failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	var logFilePath string
	if gLogFile != nil {
		logFilePath = gLogFile.Name()
	}
	// set app context
	cmd.SetContext(
		context.WithValue(
			context.Background(),
			app.Context{},
			app.Context{
				Timestamp:    timestamp,
				OutputDir:    outputDir,
				LocalTempDir: localTempDir,
				LogFilePath:  logFilePath,
				Version:      gVersion,
				Debug:        flagDebug,
			},
		),
	)
	return nil
}

// terminateApplication cleans up the application context and closes the log file
// and removes the local temp directory if it was created
func terminateApplication(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx != nil {
		ctxValue := ctx.Value(app.Context{})
		if ctxValue != nil {
			if appContext, ok := ctxValue.(app.Context); ok {
				// clean up temp directory if debug flag is not set
				if appContext.LocalTempDir != "" && !flagDebug {
					err := os.RemoveAll(appContext.LocalTempDir)
					if err != nil {
						slog.Error("error cleaning up temp directory", slog.String("tempDir", appContext.LocalTempDir), slog.String("error", err.Error()))
					}
				}
				slog.Info("Shutting down", slog.String("app", app.Name), slog.String("version", gVersion), slog.Int("PID", os.Getpid()), slog.String("arguments", strings.Join(os.Args, " ")))
				if gLogFile != nil {
					err := gLogFile.Close()
					if err != nil {
						slog.Error("error closing log file", slog.String("logFile", gLogFile.Name()), slog.String("error", err.Error()))
						return err
					}
				}
			}
		}
	}
	return nil
}
