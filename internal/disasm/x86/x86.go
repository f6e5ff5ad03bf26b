// Package x86 implements disasm.Disassembler for the x86 and x86_64
// instruction sets, decoding enough of the ModRM/opcode space to classify
// control flow, calls, returns, and comparisons.
package x86

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"github.com/pkg/errors"

	"snapfuzz/internal/disasm"
)

// Decoder is a stateless-per-call x86/x86_64 disassembler. Wide is true for
// x86_64 (64-bit general purpose registers), false for i386.
type Decoder struct {
	Wide bool

	length       int
	controlFlow  bool
	call         bool
	ret          bool
	cmp          bool
	cmpExprs     []disasm.Expr
	cmpKinds     []disasm.CmpKind
}

var gpr32 = [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
var gpr64 = [8]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}

func (d *Decoder) regName(idx int) string {
	if d.Wide {
		return gpr64[idx&7]
	}
	return gpr32[idx&7]
}

func (d *Decoder) regWidth() uint {
	if d.Wide {
		return 64
	}
	return 32
}

// Disassemble decodes the leading instruction in bytes, skipping legacy
// prefixes and, for x86_64, a single REX prefix.
func (d *Decoder) Disassemble(bytes []byte) (int, error) {
	d.reset()

	i := 0
	for i < len(bytes) && isPrefix(bytes[i]) {
		i++
	}
	if d.Wide && i < len(bytes) && bytes[i] >= 0x40 && bytes[i] <= 0x4f {
		i++
	}
	if i >= len(bytes) {
		return 0, errors.Wrap(disasm.ErrDecode, "truncated instruction")
	}

	op := bytes[i]
	start := i
	i++

	switch {
	case op == 0xe8: // CALL rel32
		d.call = true
		i += 4
	case op == 0xff && i < len(bytes) && (bytes[i]>>3)&7 == 2: // CALL r/m (FF /2)
		d.call = true
		i += d.modrmLen(bytes[i:])
	case op == 0xc3 || op == 0xc2: // RET / RET imm16
		d.ret = true
		if op == 0xc2 {
			i += 2
		}
	case op >= 0x70 && op <= 0x7f: // Jcc rel8
		d.controlFlow = true
		i++
	case op == 0x0f && i < len(bytes) && bytes[i] >= 0x80 && bytes[i] <= 0x8f: // Jcc rel32
		d.controlFlow = true
		i += 5
	case op == 0xe9: // JMP rel32 (unconditional, not an edge per spec policy)
		i += 4
	case op == 0xeb: // JMP rel8
		i++
	case op == 0x3c: // CMP AL, imm8
		d.cmp = true
		d.cmpExprs = []disasm.Expr{disasm.Reg{Name: "al", Width: 8}, disasm.Imm{Width: 8, Value: uint64(safeByte(bytes, i))}}
		d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		i++
	case op == 0x3d: // CMP eAX, imm32
		d.cmp = true
		d.cmpExprs = []disasm.Expr{disasm.Reg{Name: d.regName(0), Width: d.regWidth()}, disasm.Imm{Width: 32, Value: uint64(le32(bytes, i))}}
		d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		i += 4
	case op == 0x38 || op == 0x39 || op == 0x3a || op == 0x3b: // CMP r/m, r or r, r/m
		d.cmp = true
		if i >= len(bytes) {
			return 0, errors.Wrap(disasm.ErrDecode, "truncated CMP")
		}
		modrm := bytes[i]
		regIdx := int((modrm >> 3) & 7)
		rmIdx := int(modrm & 7)
		width := uint(8)
		if op == 0x39 || op == 0x3b {
			width = d.regWidth()
		}
		lhs := disasm.Expr(disasm.Reg{Name: d.regName(rmIdx), Width: width})
		rhs := disasm.Expr(disasm.Reg{Name: d.regName(regIdx), Width: width})
		if op == 0x3a || op == 0x3b {
			lhs, rhs = rhs, lhs
		}
		d.cmpExprs = []disasm.Expr{lhs, rhs}
		d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		i += d.modrmLen(bytes[i:])
	case op == 0x80 || op == 0x81 || op == 0x83: // CMP r/m, imm (opcode ext /7)
		if i >= len(bytes) {
			return 0, errors.Wrap(disasm.ErrDecode, "truncated group1")
		}
		modrm := bytes[i]
		ext := (modrm >> 3) & 7
		rmIdx := int(modrm & 7)
		mlen := d.modrmLen(bytes[i:])
		immOff := i + mlen
		if ext == 7 {
			d.cmp = true
			width := uint(8)
			if op != 0x80 {
				width = d.regWidth()
			}
			var immWidth uint = 8
			var immVal uint64
			switch op {
			case 0x80:
				immVal = uint64(safeByte(bytes, immOff))
			case 0x81:
				immWidth = 32
				immVal = uint64(le32(bytes, immOff))
			case 0x83:
				immVal = uint64(safeByte(bytes, immOff))
			}
			d.cmpExprs = []disasm.Expr{disasm.Reg{Name: d.regName(rmIdx), Width: width}, disasm.Imm{Width: immWidth, Value: immVal}}
			d.cmpKinds = []disasm.CmpKind{disasm.Equal}
		}
		i = immOff
		switch op {
		case 0x81:
			i += 4
		default:
			i++
		}
	default:
		// Unclassified instruction: treat as a single opcode byte with no
		// further semantics. This is conservative but keeps the decoder
		// total over arbitrary byte streams, matching the "stateless per
		// call" contract without modelling the entire ISA.
	}

	_ = start
	d.length = i
	if d.length <= 0 {
		d.length = 1
	}
	return d.length, nil
}

func (d *Decoder) reset() {
	d.length = 0
	d.controlFlow = false
	d.call = false
	d.ret = false
	d.cmp = false
	d.cmpExprs = nil
	d.cmpKinds = nil
}

func (d *Decoder) LastWasControlFlow() bool { return d.controlFlow }
func (d *Decoder) LastWasCall() bool        { return d.call }
func (d *Decoder) LastWasRet() bool         { return d.ret }
func (d *Decoder) LastWasCmp() bool         { return d.cmp }
func (d *Decoder) Cmp() []disasm.Expr       { return d.cmpExprs }
func (d *Decoder) CmpType() []disasm.CmpKind {
	return d.cmpKinds
}

// modrmLen returns the total length, in bytes, of a ModRM byte plus any
// SIB/displacement bytes it implies. bytes[0] must be the ModRM byte.
func (d *Decoder) modrmLen(bytes []byte) int {
	if len(bytes) == 0 {
		return 1
	}
	modrm := bytes[0]
	mod := modrm >> 6
	rm := modrm & 7
	n := 1
	if mod != 3 && rm == 4 {
		n++ // SIB byte
	}
	switch mod {
	case 0:
		if rm == 5 {
			n += 4 // RIP-relative / disp32
		}
	case 1:
		n++
	case 2:
		n += 4
	}
	return n
}

func isPrefix(b byte) bool {
	switch b {
	case 0xf0, 0xf2, 0xf3, 0x2e, 0x36, 0x3e, 0x26, 0x64, 0x65, 0x66, 0x67:
		return true
	}
	return false
}

func safeByte(b []byte, i int) byte {
	if i < 0 || i >= len(b) {
		return 0
	}
	return b[i]
}

func le32(b []byte, i int) uint32 {
	var v uint32
	for j := 0; j < 4; j++ {
		v |= uint32(safeByte(b, i+j)) << (8 * j)
	}
	return v
}
