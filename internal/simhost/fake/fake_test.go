package fake

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfuzz/internal/simhost"
)

// TestStopSimulationDrivesTheStoppedCallback guards against a regression
// where a caller sets a stop reason and cancels the timeout but never
// actually breaks the simulation: on a real host, SubscribeSimulationStopped
// only ever fires as a consequence of a break, so StopSimulation itself must
// invoke the registered callback -- a caller that only flips a "stopped"
// flag without also notifying subscribers leaves the guest looking stopped
// to itself but never reports back upstream.
func TestStopSimulationDrivesTheStoppedCallback(t *testing.T) {
	h := New(1 << 12)
	var gotReason string
	called := false
	h.SubscribeSimulationStopped(func(reason string) {
		called = true
		gotReason = reason
	})

	require.NoError(t, h.StopSimulation("solution"))

	assert.True(t, called, "StopSimulation must drive the subscribed simulation-stopped callback")
	assert.Equal(t, "solution", gotReason)

	stopped, reason := h.Stopped()
	assert.True(t, stopped)
	assert.Equal(t, "solution", reason)
}

// TestStopSimulationWithNoSubscriberIsHarmless confirms StopSimulation
// tolerates no callback being registered yet.
func TestStopSimulationWithNoSubscriberIsHarmless(t *testing.T) {
	h := New(1 << 12)
	require.NoError(t, h.StopSimulation("timeout"))
	stopped, reason := h.Stopped()
	assert.True(t, stopped)
	assert.Equal(t, "timeout", reason)
}

var _ simhost.Host = (*Host)(nil)
