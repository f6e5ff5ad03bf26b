// Package disasm defines the stateless-per-call decoder contract shared by
// every per-ISA disassembler, plus the small expression algebra used to
// describe comparison operands before they are resolved against live
// simulator state.
package disasm

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import "github.com/pkg/errors"

// ErrDecode is wrapped by a Disassembler when bytes cannot be decoded as a
// single well-formed instruction of the target ISA.
var ErrDecode = errors.New("decode error")

// CmpKind is a relational kind implied by a comparison instruction. A single
// instruction may imply more than one kind, e.g. "greater or equal" is
// represented as {Greater, Equal}.
type CmpKind int

const (
	Equal CmpKind = iota
	Lesser
	Greater
)

func (k CmpKind) String() string {
	switch k {
	case Equal:
		return "Equal"
	case Lesser:
		return "Lesser"
	case Greater:
		return "Greater"
	default:
		return "Unknown"
	}
}

// Expr is the small algebraic form a Disassembler emits for each comparison
// operand. Resolution to a concrete value is deliberately left to the
// architecture adapter, which alone has access to simulator registers and
// memory.
type Expr interface {
	isExpr()
}

// Reg names a register operand of the given bit width.
type Reg struct {
	Name  string
	Width uint
}

// Imm is a sized immediate/literal value known at decode time.
type Imm struct {
	Width uint
	Value uint64
}

// Add is the sum of two sub-expressions (e.g. base+index addressing).
type Add struct {
	LHS, RHS Expr
}

// Sub is the difference of two sub-expressions.
type Sub struct {
	LHS, RHS Expr
}

// Deref dereferences an address expression; Width is the load width in
// bits, or zero when the Disassembler cannot determine it and the adapter
// must infer it from context.
type Deref struct {
	Addr  Expr
	Width uint
}

func (Reg) isExpr()   {}
func (Imm) isExpr()   {}
func (Add) isExpr()   {}
func (Sub) isExpr()   {}
func (Deref) isExpr() {}

// Disassembler decodes exactly one instruction per call to Disassemble;
// every other query refers to "the last disassembled instruction".
type Disassembler interface {
	// Disassemble decodes the leading instruction in bytes. It returns the
	// number of bytes consumed, or an error wrapping ErrDecode.
	Disassemble(bytes []byte) (length int, err error)

	// LastWasControlFlow reports whether the last instruction is a
	// conditional branch.
	LastWasControlFlow() bool

	// LastWasCall reports whether the last instruction is a call.
	LastWasCall() bool

	// LastWasRet reports whether the last instruction is a return.
	LastWasRet() bool

	// LastWasCmp reports whether the last instruction is a comparison.
	LastWasCmp() bool

	// Cmp returns the operand expressions of the last comparison, in
	// source order. It is only meaningful when LastWasCmp is true.
	Cmp() []Expr

	// CmpType returns the relational kinds implied by the last comparison.
	CmpType() []CmpKind
}

// IsEdgeProducing reports whether d's last-decoded instruction belongs to
// the union of control-flow, call, and return instructions -- the set the
// coverage tracer treats as an edge.
func IsEdgeProducing(d Disassembler) bool {
	return d.LastWasControlFlow() || d.LastWasCall() || d.LastWasRet()
}
