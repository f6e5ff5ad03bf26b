// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

/*
Package progress provides CLI progress bar options.
*/
package progress

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/term"
)

var spinChars []string = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

// The teacher's multiSpinner tracked a slice of concurrently-animated
// targets (one spinner per collector in its many-target collection
// workflow, added on the fly via AddSpinner and redrawn together each
// tick); a fuzzing run only ever reports on the one run in progress, so
// this keeps the teacher's draw/tick loop but drops the multi-target
// bookkeeping -- AddSpinner's label-uniqueness scan, the per-draw loop
// over a spinner slice, the matching loop of cursor-up escapes, and the
// MultiSpinnerUpdateFunc callback type that threaded status updates
// through that fan-out -- none of which cmd/fuzz ever exercises.
type spinner struct {
	label       string
	status      string
	statusIsNew bool
	spinIndex   int

	ticker   *time.Ticker
	done     chan bool
	spinning bool
}

// NewSpinner creates a spinner for label, not yet started.
func NewSpinner(label string) *spinner {
	return &spinner{label: label, status: "?", done: make(chan bool)}
}

// Start starts the spinner.
func (s *spinner) Start() {
	s.draw(true)
	s.ticker = time.NewTicker(250 * time.Millisecond)
	s.spinning = true
	go s.onTick()
}

// Finish stops the spinner.
func (s *spinner) Finish() {
	if s.spinning {
		s.ticker.Stop()
		s.done <- true
		s.draw(false)
		s.spinning = false
	}
}

// Status updates the spinner's status line.
func (s *spinner) Status(status string) {
	if status != s.status {
		s.status = status
		s.statusIsNew = true
	}
}

func (s *spinner) onTick() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.draw(true)
		}
	}
}

func (s *spinner) draw(goUp bool) {
	if term.IsTerminal(int(os.Stderr.Fd())) || s.statusIsNew {
		fmt.Fprintf(os.Stderr, "%-20s  %s  %-40s\n", s.label, spinChars[s.spinIndex], s.status)
		s.statusIsNew = false
		s.spinIndex += 1
		if s.spinIndex >= len(spinChars) {
			s.spinIndex = 0
		}
	}
	if goUp && term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "\x1b[1A")
	}
}
