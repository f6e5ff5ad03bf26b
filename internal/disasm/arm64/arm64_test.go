package arm64

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

func TestDisassembleRet(t *testing.T) {
	d := &Decoder{}
	n, err := d.Disassemble(encode(0xd65f03c0)) // RET x30
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, d.LastWasRet())
	assert.True(t, disasm.IsEdgeProducing(d))
}

func TestDisassembleBL(t *testing.T) {
	d := &Decoder{}
	_, err := d.Disassemble(encode(0x94000010)) // BL +64
	require.NoError(t, err)
	assert.True(t, d.LastWasCall())
	assert.True(t, disasm.IsEdgeProducing(d))
}

func TestDisassembleBCond(t *testing.T) {
	d := &Decoder{}
	_, err := d.Disassemble(encode(0x54000040)) // B.EQ
	require.NoError(t, err)
	assert.True(t, d.LastWasControlFlow())
	assert.True(t, disasm.IsEdgeProducing(d))
}

func TestDisassembleSubsImmCmpAlias(t *testing.T) {
	d := &Decoder{}
	// CMP x0, #1 == SUBS xzr, x0, #1: sf=1, op=1(sub), S=1, imm12=1, Rn=0, Rd=11111
	word := uint32(0xf1000400) | 0x1f
	_, err := d.Disassemble(encode(word))
	require.NoError(t, err)
	require.True(t, d.LastWasCmp())
	require.Len(t, d.Cmp(), 2)
	reg, ok := d.Cmp()[0].(disasm.Reg)
	require.True(t, ok)
	assert.Equal(t, "x0", reg.Name)
	assert.EqualValues(t, 64, reg.Width)
	imm, ok := d.Cmp()[1].(disasm.Imm)
	require.True(t, ok)
	assert.EqualValues(t, 1, imm.Value)
}

func TestDisassembleTruncated(t *testing.T) {
	d := &Decoder{}
	_, err := d.Disassemble([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, disasm.ErrDecode)
}
