package arch

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost"
	"snapfuzz/internal/simhost/fake"
)

func newHost(t *testing.T) (*fake.Host, *Adapter) {
	t.Helper()
	h := fake.New(1 << 20)
	h.SetArchitecture(0, "x86_64", 8)
	a, err := New(h, 0)
	require.NoError(t, err)
	require.Equal(t, model.HintX86_64, a.Hint)
	return h, a
}

func TestNewUnsupportedArchitecture(t *testing.T) {
	h := fake.New(1024)
	h.SetArchitecture(0, "dlx", 4)
	_, err := New(h, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMagicSelector(t *testing.T) {
	h, a := newHost(t)
	require.NoError(t, h.WriteRegister(0, "rdi", 7))
	sel, err := a.MagicSelector()
	require.NoError(t, err)
	assert.EqualValues(t, 7, sel)
}

func TestStartInfoPtrSizeVal(t *testing.T) {
	h, a := newHost(t)
	const bufAddr, size = 0x1000, 4
	require.NoError(t, h.WritePhysicalMemory(bufAddr, []byte{0xde, 0xad, 0xbe, 0xef}))
	require.NoError(t, h.WriteRegister(0, "rsi", bufAddr))
	require.NoError(t, h.WriteRegister(0, "rdx", size))

	info, err := a.StartInfoPtrSizeVal()
	require.NoError(t, err)
	assert.Equal(t, model.SizeMax, info.Size.Kind)
	assert.EqualValues(t, size, info.Size.MaximumSize())
	assert.False(t, info.Size.HasSizePointer())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, info.Contents)
}

func TestStartInfoPtrSizePtr(t *testing.T) {
	h, a := newHost(t)
	const bufAddr, sizePtrAddr = 0x2000, 0x3000
	require.NoError(t, h.WritePhysicalMemory(bufAddr, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	sizeBytes := make([]byte, 8)
	sizeBytes[0] = 6
	require.NoError(t, h.WritePhysicalMemory(sizePtrAddr, sizeBytes))
	require.NoError(t, h.WriteRegister(0, "rsi", bufAddr))
	require.NoError(t, h.WriteRegister(0, "rdx", sizePtrAddr))

	info, err := a.StartInfoPtrSizePtr()
	require.NoError(t, err)
	assert.Equal(t, model.SizePtr, info.Size.Kind)
	assert.EqualValues(t, 6, info.Size.MaximumSize())
	assert.True(t, info.Size.HasSizePointer())
	assert.Len(t, info.Contents, 6)
}

func TestWriteStartTruncatesAndWritesSizePointer(t *testing.T) {
	h, a := newHost(t)
	const bufAddr, sizePtrAddr = 0x4000, 0x5000

	info := model.StartInfo{
		Address: model.StartAddress{Physical: bufAddr},
		Size:    model.StartSize{Kind: model.SizePtr, Max: 4, SizePtrAddress: sizePtrAddr},
	}
	err := a.WriteStart([]byte{1, 2, 3, 4, 5, 6}, info)
	require.NoError(t, err)

	got, err := h.ReadPhysicalMemory(bufAddr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	sizeBytes, err := h.ReadPhysicalMemory(sizePtrAddr, 8)
	require.NoError(t, err)
	assert.EqualValues(t, 4, leUint(sizeBytes))
}

func TestTracePCEdgeProducing(t *testing.T) {
	h, a := newHost(t)

	var got []TraceEntry
	h.SubscribeInstruction(
		func(cpu simhost.CPU, handle simhost.InstructionHandle) {},
		func(cpu simhost.CPU, handle simhost.InstructionHandle) {
			entry, err := a.TracePC(handle)
			require.NoError(t, err)
			if entry.Kind != TraceNone {
				got = append(got, entry)
			}
		},
	)
	// RET (0xC3) is edge-producing on x86_64.
	h.Step(0, 0x1234, []byte{0xc3})
	require.Len(t, got, 1)
	assert.Equal(t, TraceEdge, got[0].Kind)
	assert.EqualValues(t, 0x1234, got[0].Edge)

	// A plain single-byte NOP (0x90) is not edge-producing.
	got = nil
	h.Step(0, 0x1238, []byte{0x90})
	assert.Empty(t, got)
}
