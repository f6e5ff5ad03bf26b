// Package simhost defines the Simulator Host Interface the fuzzing core
// consumes (spec §6): object/class registration collapses to constructing
// one Controller and subscribing it to four event classes, HAP delivery
// becomes Go callbacks, and the virtual-time scheduler and snapshot
// primitives are small method sets. The simulator itself -- its object
// system, cycle clocks, and physical/virtual memory -- is out of scope and
// is never implemented here; only the contract is. A reference in-process
// implementation lives in the sibling fake package, used by tests.
package simhost

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// CPU identifies a processor within the simulated system.
type CPU uint32

// Translation is the result of a virtual-to-physical address translation.
type Translation struct {
	Address uint64
	Valid   bool
}

// InstructionHandle is the opaque per-callback handle from which
// instruction bytes can be retrieved; it is valid only for the duration of
// the callback that received it.
type InstructionHandle interface {
	Bytes() []byte
	PC() uint64
}

// CheckpointFlags tags a micro-checkpoint the same way the host does:
// Persistent survives snapshot restores, User marks it as not
// host-internal bookkeeping.
type CheckpointFlags struct {
	Persistent bool
	User       bool
}

// EventHandle identifies a registered virtual-time event class.
type EventHandle int

// Host is the set of simulator capabilities the fuzzing core requires.
// Exactly one snapshot family (SaveSnapshot/RestoreSnapshot or
// SaveCheckpoint/RestoreCheckpoint/DiscardFuture) is used per run, selected
// by configuration; a Host may support either or both.
type Host interface {
	// Subscription (HAP-equivalent). Each Subscribe* call replaces any
	// previously registered callback of that class for cpu == 0 (all
	// CPUs) semantics, matching a single process-wide controller object.
	SubscribeMagicInstruction(fn func(cpu CPU, selector uint64))
	SubscribeException(fn func(cpu CPU, number int))
	SubscribeBreakpoint(fn func(cpu CPU, id int))
	SubscribeSimulationStopped(fn func(reason string))
	// SubscribeInstruction registers the before/after per-instruction
	// callback pair used to drive coverage and cmplog.
	SubscribeInstruction(before, after func(cpu CPU, handle InstructionHandle))

	// Register and memory access.
	ReadRegister(cpu CPU, name string) (uint64, error)
	WriteRegister(cpu CPU, name string, value uint64) error
	ReadPhysicalMemory(addr uint64, length int) ([]byte, error)
	WritePhysicalMemory(addr uint64, data []byte) error
	TranslateToPhysical(cpu CPU, vaddr uint64) (Translation, error)
	ProcessorArchitecture(cpu CPU) (string, error)
	PointerWidth(cpu CPU) (int, error)

	// Virtual-time scheduler.
	RegisterEvent(name string) (EventHandle, error)
	PostTime(cpu CPU, ev EventHandle, seconds float64, fn func()) error
	CancelTime(cpu CPU, ev EventHandle) error
	FindNextTime(cpu CPU, ev EventHandle) (seconds float64, pending bool)

	// Snapshot primitives.
	SaveSnapshot(name string) error
	RestoreSnapshot(name string) error
	SaveCheckpoint(name string, flags CheckpointFlags) (index int, err error)
	RestoreCheckpoint(index int) error
	DiscardFuture() error

	// Simulation control.
	StopSimulation(reason string) error
	ResumeSimulation() error
}
