package riscv

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfuzz/internal/disasm"
)

func encode(word uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, word)
	return b
}

func TestDisassembleJalrReturnIdiom(t *testing.T) {
	d := &Decoder{Width: 64}
	// JALR x0, 0(x1): opcode 0x67, rd=0, rs1=1, imm=0
	word := uint32(0x67) | (1 << 15)
	n, err := d.Disassemble(encode(word))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, d.LastWasRet())
	assert.False(t, d.LastWasCall())
	assert.True(t, disasm.IsEdgeProducing(d))
}

func TestDisassembleJalCall(t *testing.T) {
	d := &Decoder{Width: 32}
	// JAL x1, offset: opcode 0x6f, rd=1 (ra)
	word := uint32(0x6f) | (1 << 7)
	_, err := d.Disassemble(encode(word))
	require.NoError(t, err)
	assert.True(t, d.LastWasCall())
	assert.True(t, disasm.IsEdgeProducing(d))
}

func TestDisassembleJalNonLinkingIsNotEdgeProducing(t *testing.T) {
	d := &Decoder{Width: 32}
	// JAL x0, offset: plain unconditional jump, not a call per spec policy.
	word := uint32(0x6f)
	_, err := d.Disassemble(encode(word))
	require.NoError(t, err)
	assert.False(t, disasm.IsEdgeProducing(d))
}

func TestDisassembleBeqIsControlFlowAndEqualCmp(t *testing.T) {
	d := &Decoder{Width: 64}
	// BEQ x1, x2, 0: opcode 0x63, funct3=0, rs1=1, rs2=2
	word := uint32(0x63) | (1 << 15) | (2 << 20)
	_, err := d.Disassemble(encode(word))
	require.NoError(t, err)
	assert.True(t, d.LastWasControlFlow())
	assert.True(t, disasm.IsEdgeProducing(d))
	require.True(t, d.LastWasCmp())
	assert.Equal(t, []disasm.CmpKind{disasm.Equal}, d.CmpType())
	lhs, ok := d.Cmp()[0].(disasm.Reg)
	require.True(t, ok)
	assert.Equal(t, "x1", lhs.Name)
	assert.EqualValues(t, 64, lhs.Width)
}

func TestDisassembleBgeIsGreaterOrEqual(t *testing.T) {
	d := &Decoder{Width: 32}
	// BGE x1, x2, 0: opcode 0x63, funct3=5
	word := uint32(0x63) | (1 << 15) | (2 << 20) | (5 << 12)
	_, err := d.Disassemble(encode(word))
	require.NoError(t, err)
	assert.Equal(t, []disasm.CmpKind{disasm.Greater, disasm.Equal}, d.CmpType())
}

func TestDisassembleTruncated(t *testing.T) {
	d := &Decoder{}
	_, err := d.Disassemble([]byte{0x01})
	assert.ErrorIs(t, err, disasm.ErrDecode)
}
