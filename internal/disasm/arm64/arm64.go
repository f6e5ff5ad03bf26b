// Package arm64 implements disasm.Disassembler for the AArch64 (ARMv8+)
// fixed-width instruction set.
package arm64

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"snapfuzz/internal/disasm"
)

// Decoder is a stateless-per-call AArch64 disassembler covering the
// instruction classes the fuzzer core needs to classify: B.cond, BL/BLR,
// RET, and CMP (as an alias of SUBS with a discarded destination).
type Decoder struct {
	controlFlow bool
	call        bool
	ret         bool
	cmp         bool
	cmpExprs    []disasm.Expr
	cmpKinds    []disasm.CmpKind
}

var xregs = [32]string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "x30", "sp",
}

// Disassemble decodes exactly one 4-byte instruction word.
func (d *Decoder) Disassemble(bytes []byte) (int, error) {
	d.reset()
	if len(bytes) < 4 {
		return 0, errors.Wrap(disasm.ErrDecode, "truncated instruction")
	}
	word := binary.LittleEndian.Uint32(bytes[:4])

	switch {
	case word&0xff000010 == 0x54000000: // B.cond
		d.controlFlow = true
	case word&0xfc000000 == 0x94000000: // BL
		d.call = true
	case word&0xfffffc1f == 0xd63f0000: // BLR
		d.call = true
	case word&0xfffffc1f == 0xd65f0000: // RET
		d.ret = true
	case word&0x7f200000 == 0x71000000 || word&0x7f200000 == 0x31000000: // SUBS/ADDS imm (CMP/CMN alias when Rd=31)
		if word&0x1f == 0x1f {
			d.cmp = true
			is64 := word>>31 == 1
			width := uint(32)
			if is64 {
				width = 64
			}
			rn := int((word >> 5) & 0x1f)
			imm := uint64((word >> 10) & 0xfff)
			d.cmpExprs = []disasm.Expr{reg(rn, width), disasm.Imm{Width: 12, Value: imm}}
			d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		}
	case word&0x7f200000 == 0x6b000000: // SUBS reg (CMP alias when Rd=31)
		if word&0x1f == 0x1f {
			d.cmp = true
			is64 := word>>31 == 1
			width := uint(32)
			if is64 {
				width = 64
			}
			rn := int((word >> 5) & 0x1f)
			rm := int((word >> 16) & 0x1f)
			d.cmpExprs = []disasm.Expr{reg(rn, width), reg(rm, width)}
			d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		}
	}

	return 4, nil
}

func reg(idx int, width uint) disasm.Expr {
	name := "xzr"
	if idx >= 0 && idx < len(xregs) {
		name = xregs[idx]
		if width == 32 {
			name = "w" + name[1:]
		}
	}
	return disasm.Reg{Name: name, Width: width}
}

func (d *Decoder) reset() {
	d.controlFlow = false
	d.call = false
	d.ret = false
	d.cmp = false
	d.cmpExprs = nil
	d.cmpKinds = nil
}

func (d *Decoder) LastWasControlFlow() bool  { return d.controlFlow }
func (d *Decoder) LastWasCall() bool         { return d.call }
func (d *Decoder) LastWasRet() bool          { return d.ret }
func (d *Decoder) LastWasCmp() bool          { return d.cmp }
func (d *Decoder) Cmp() []disasm.Expr        { return d.cmpExprs }
func (d *Decoder) CmpType() []disasm.CmpKind { return d.cmpKinds }
