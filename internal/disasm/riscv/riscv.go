// Package riscv implements disasm.Disassembler for RISC-V (RV32/RV64,
// 32-bit uncompressed instructions only; the "C" compressed extension is
// not decoded).
package riscv

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"snapfuzz/internal/disasm"
)

// Decoder is a stateless-per-call RISC-V disassembler. As spec.md's edge
// policy notes, call/return classification here is heuristic: JAL/JALR are
// treated as calls when they write a link register (x1/x5), and JALR with
// rd=x0, rs1=x1 is treated as a return, matching the standard RISC-V calling
// convention idiom used by compilers.
type Decoder struct {
	Width uint // 32 or 64

	controlFlow bool
	call        bool
	ret         bool
	cmp         bool
	cmpExprs    []disasm.Expr
	cmpKinds    []disasm.CmpKind
}

func regName(idx uint32) string {
	return "x" + itoa(idx)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// Disassemble decodes one 4-byte instruction word (16-bit compressed
// instructions are not supported).
func (d *Decoder) Disassemble(bytes []byte) (int, error) {
	d.reset()
	if len(bytes) < 4 {
		return 0, errors.Wrap(disasm.ErrDecode, "truncated instruction")
	}
	word := binary.LittleEndian.Uint32(bytes[:4])
	opcode := word & 0x7f

	switch opcode {
	case 0x63: // BRANCH (BEQ/BNE/BLT/BGE/BLTU/BGEU)
		d.controlFlow = true
		funct3 := (word >> 12) & 7
		rs1 := (word >> 15) & 0x1f
		rs2 := (word >> 20) & 0x1f
		width := d.width()
		switch funct3 {
		case 0: // BEQ
			d.cmp = true
			d.cmpExprs = []disasm.Expr{reg(rs1, width), reg(rs2, width)}
			d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		case 4, 6: // BLT / BLTU
			d.cmp = true
			d.cmpExprs = []disasm.Expr{reg(rs1, width), reg(rs2, width)}
			d.cmpKinds = []disasm.CmpKind{disasm.Lesser}
		case 5, 7: // BGE / BGEU
			d.cmp = true
			d.cmpExprs = []disasm.Expr{reg(rs1, width), reg(rs2, width)}
			d.cmpKinds = []disasm.CmpKind{disasm.Greater, disasm.Equal}
		}
	case 0x6f: // JAL
		rd := (word >> 7) & 0x1f
		if rd == 1 || rd == 5 {
			d.call = true
		}
	case 0x67: // JALR
		rd := (word >> 7) & 0x1f
		rs1 := (word >> 15) & 0x1f
		imm := int32(word) >> 20
		if rd == 0 && rs1 == 1 && imm == 0 {
			d.ret = true
		} else if rd == 1 || rd == 5 {
			d.call = true
		}
	case 0x17: // AUIPC (heuristic control-transfer-adjacent per spec note)
	}

	return 4, nil
}

func (d *Decoder) width() uint {
	if d.Width == 0 {
		return 64
	}
	return d.Width
}

func reg(idx uint32, width uint) disasm.Expr {
	return disasm.Reg{Name: regName(idx), Width: width}
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
