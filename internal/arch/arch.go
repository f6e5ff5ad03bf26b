// Package arch implements the Architecture Adapter (spec.md §4.2): the
// layer that wraps a per-ISA disasm.Disassembler plus simhost.Host
// accessors and exposes ISA-independent operations to the rest of the
// fuzzing core. It is the single locus of simulator-dependent I/O; the
// disassembler itself never touches registers or memory.
package arch

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"snapfuzz/internal/cmplog"
	"snapfuzz/internal/disasm"
	"snapfuzz/internal/disasm/arm64"
	"snapfuzz/internal/disasm/riscv"
	"snapfuzz/internal/disasm/x86"
	"snapfuzz/internal/model"
	"snapfuzz/internal/simhost"
)

// ErrUnsupported is returned when a CPU's reported architecture string is
// not recognised.
var ErrUnsupported = errors.New("unsupported architecture")

// Facts is the small per-ISA table of register names and width overrides
// generalized from the teacher's family/model -> microarchitecture lookup
// (internal/cpus.go) to architecture -> adapter facts.
type Facts struct {
	SelectorRegister     string
	ArgRegisters         [3]string
	PointerWidthBytes    int
	PointerWidthOverride int // 0 means "no override", see spec.md §4.2
}

var factsTable = map[model.ArchitectureHint]Facts{
	model.HintX86: {
		SelectorRegister: "eax", ArgRegisters: [3]string{"ebx", "ecx", "edx"}, PointerWidthBytes: 4,
	},
	model.HintX86_64: {
		SelectorRegister: "rdi", ArgRegisters: [3]string{"rsi", "rdx", "rcx"}, PointerWidthBytes: 8,
	},
	model.HintArm32: {
		SelectorRegister: "r0", ArgRegisters: [3]string{"r1", "r2", "r3"}, PointerWidthBytes: 4,
	},
	model.HintArm64: {
		SelectorRegister: "x0", ArgRegisters: [3]string{"x1", "x2", "x3"}, PointerWidthBytes: 8,
	},
	model.HintRiscv: {
		// x10 is the RISC-V ABI name for register a0 per the calling
		// convention; spec.md §3 calls this the "selector register"
		// example for RISC-V.
		SelectorRegister: "x10", ArgRegisters: [3]string{"x11", "x12", "x13"}, PointerWidthBytes: 8,
		// RISC-V 32-bit hosts sometimes report a 64-bit pointer width via
		// newer query interfaces; spec.md §4.2 and §9 call this out as an
		// open quirk the adapter must be able to override.
		PointerWidthOverride: 0,
	},
}

func newDisassembler(hint model.ArchitectureHint) disasm.Disassembler {
	switch hint {
	case model.HintX86:
		return &x86.Decoder{Wide: false}
	case model.HintX86_64:
		return &x86.Decoder{Wide: true}
	case model.HintArm32, model.HintArm64:
		return &arm64.Decoder{}
	case model.HintRiscv:
		return &riscv.Decoder{Width: 64}
	default:
		return nil
	}
}

// TraceEntry is what TracePC/TraceCmp emit for one instruction; exactly
// one of the typed accessors is meaningful, selected by Kind.
type TraceEntry struct {
	Kind  TraceKind
	Edge  uint64 // PC, valid when Kind == TraceEdge
	Cmp   cmplog.Entry
}

type TraceKind int

const (
	TraceNone TraceKind = iota
	TraceEdge
	TraceCmpEntry
)

// Adapter wraps one CPU's disassembler and host accessors.
type Adapter struct {
	Host   simhost.Host
	CPU    simhost.CPU
	Hint   model.ArchitectureHint
	Facts  Facts
	disasm disasm.Disassembler
}

// New probes cpu's reported architecture string and returns an Adapter, or
// ErrUnsupported if the string is not recognised.
func New(host simhost.Host, cpu simhost.CPU) (*Adapter, error) {
	archStr, err := host.ProcessorArchitecture(cpu)
	if err != nil {
		return nil, errors.Wrap(err, "reading processor architecture")
	}
	hint, ok := model.ParseArchitectureHint(archStr)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "architecture string %q", archStr)
	}
	return NewWithHint(host, cpu, hint), nil
}

// NewWithHint constructs an Adapter without probing the CPU, per
// spec.md §4.2's "hinted constructor".
func NewWithHint(host simhost.Host, cpu simhost.CPU, hint model.ArchitectureHint) *Adapter {
	return &Adapter{
		Host:   host,
		CPU:    cpu,
		Hint:   hint,
		Facts:  factsTable[hint],
		disasm: newDisassembler(hint),
	}
}

// pointerWidth returns the adapter's effective pointer width in bytes,
// honoring Facts.PointerWidthOverride over whatever the host reports.
func (a *Adapter) pointerWidth() (int, error) {
	if a.Facts.PointerWidthOverride != 0 {
		return a.Facts.PointerWidthOverride, nil
	}
	w, err := a.Host.PointerWidth(a.CPU)
	if err != nil {
		return 0, err
	}
	if w <= 0 {
		w = a.Facts.PointerWidthBytes
	}
	return w, nil
}

// MagicSelector reads the distinguished selector register.
func (a *Adapter) MagicSelector() (uint64, error) {
	v, err := a.Host.ReadRegister(a.CPU, a.Facts.SelectorRegister)
	if err != nil {
		return 0, errors.Wrap(err, "reading selector register")
	}
	return v, nil
}

// readArg reads argument register n (0, 1, or 2) and translates it from
// virtual to physical, reporting whether the source was virtual.
func (a *Adapter) readArg(n int) (model.StartAddress, error) {
	v, err := a.Host.ReadRegister(a.CPU, a.Facts.ArgRegisters[n])
	if err != nil {
		return model.StartAddress{}, errors.Wrapf(err, "reading argument register %d", n)
	}
	t, err := a.Host.TranslateToPhysical(a.CPU, v)
	if err != nil {
		return model.StartAddress{}, errors.Wrap(err, "translating argument to physical")
	}
	if !t.Valid {
		return model.StartAddress{}, errors.Errorf("invalid translation for virtual address %#x", v)
	}
	return model.StartAddress{Physical: t.Address, WasVirtual: true}, nil
}

func (a *Adapter) readContents(addr uint64, max uint64) ([]byte, error) {
	return a.Host.ReadPhysicalMemory(addr, int(max))
}

// StartInfoPtrSizePtr implements the (buffer_ptr, size_ptr) start variant.
func (a *Adapter) StartInfoPtrSizePtr() (model.StartInfo, error) {
	buf, err := a.readArg(0)
	if err != nil {
		return model.StartInfo{}, err
	}
	sizePtr, err := a.readArg(1)
	if err != nil {
		return model.StartInfo{}, err
	}
	width, err := a.pointerWidth()
	if err != nil {
		return model.StartInfo{}, err
	}
	maxBytes, err := a.Host.ReadPhysicalMemory(sizePtr.Physical, width)
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading maximum size via size pointer")
	}
	max := leUint(maxBytes)
	contents, err := a.readContents(buf.Physical, max)
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading initial buffer contents")
	}
	return model.StartInfo{
		Address:  buf,
		Size:     model.StartSize{Kind: model.SizePtr, Max: max, SizePtrAddress: sizePtr.Physical},
		Contents: contents,
	}, nil
}

// StartInfoPtrSizeVal implements the (buffer_ptr, size_val) start variant.
func (a *Adapter) StartInfoPtrSizeVal() (model.StartInfo, error) {
	buf, err := a.readArg(0)
	if err != nil {
		return model.StartInfo{}, err
	}
	sizeReg, err := a.Host.ReadRegister(a.CPU, a.Facts.ArgRegisters[1])
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading size value argument")
	}
	contents, err := a.readContents(buf.Physical, sizeReg)
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading initial buffer contents")
	}
	return model.StartInfo{
		Address:  buf,
		Size:     model.StartSize{Kind: model.SizeMax, Max: sizeReg},
		Contents: contents,
	}, nil
}

// StartInfoPtrSizePtrAndVal implements the (buffer_ptr, size_ptr,
// size_val) start variant: size_val seeds the maximum, size_ptr still
// receives the actual written length after injection.
func (a *Adapter) StartInfoPtrSizePtrAndVal() (model.StartInfo, error) {
	buf, err := a.readArg(0)
	if err != nil {
		return model.StartInfo{}, err
	}
	sizePtr, err := a.readArg(1)
	if err != nil {
		return model.StartInfo{}, err
	}
	sizeVal, err := a.Host.ReadRegister(a.CPU, a.Facts.ArgRegisters[2])
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading size value argument")
	}
	contents, err := a.readContents(buf.Physical, sizeVal)
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading initial buffer contents")
	}
	return model.StartInfo{
		Address:  buf,
		Size:     model.StartSize{Kind: model.SizePtrAndMax, Max: sizeVal, SizePtrAddress: sizePtr.Physical},
		Contents: contents,
	}, nil
}

// ManualStartInfo builds a StartInfo from externally supplied addresses
// (spec.md §4.2's manual_start_info), used by a "repro at a given address"
// operation instead of a magic-instruction harness.
func ManualStartInfo(host simhost.Host, cpu simhost.CPU, address uint64, addressIsVirtual bool, size model.StartSize) (model.StartInfo, error) {
	phys := address
	if addressIsVirtual {
		t, err := host.TranslateToPhysical(cpu, address)
		if err != nil {
			return model.StartInfo{}, errors.Wrap(err, "translating manual address to physical")
		}
		if !t.Valid {
			return model.StartInfo{}, errors.Errorf("invalid translation for manual virtual address %#x", address)
		}
		phys = t.Address
	}
	contents, err := host.ReadPhysicalMemory(phys, int(size.MaximumSize()))
	if err != nil {
		return model.StartInfo{}, errors.Wrap(err, "reading manual start contents")
	}
	return model.StartInfo{
		Address:  model.StartAddress{Physical: phys, WasVirtual: addressIsVirtual},
		Size:     size,
		Contents: contents,
	}, nil
}

// WriteStart truncates bytes to info.Size.MaximumSize(), writes it to the
// physical buffer, and, for pointer size variants, stores the actual
// written length at SizePtrAddress as a little-endian integer of pointer
// width.
func (a *Adapter) WriteStart(bytes []byte, info model.StartInfo) error {
	max := info.Size.MaximumSize()
	if uint64(len(bytes)) > max {
		bytes = bytes[:max]
	}
	if err := a.Host.WritePhysicalMemory(info.Address.Physical, bytes); err != nil {
		return errors.Wrap(err, "writing testcase bytes")
	}
	if info.Size.HasSizePointer() {
		width, err := a.pointerWidth()
		if err != nil {
			return err
		}
		buf := make([]byte, width)
		putLE(buf, uint64(len(bytes)))
		if err := a.Host.WritePhysicalMemory(info.Size.SizePtrAddress, buf); err != nil {
			return errors.Wrap(err, "writing actual size to size pointer")
		}
	}
	return nil
}

// TracePC decodes the instruction in handle and, if it is edge-producing,
// returns an Edge trace entry.
func (a *Adapter) TracePC(handle simhost.InstructionHandle) (TraceEntry, error) {
	if _, err := a.disasm.Disassemble(handle.Bytes()); err != nil {
		return TraceEntry{}, err
	}
	if !disasm.IsEdgeProducing(a.disasm) {
		return TraceEntry{}, nil
	}
	return TraceEntry{Kind: TraceEdge, Edge: handle.PC()}, nil
}

// TraceCmp decodes the instruction in handle and, if it is a comparison
// whose operands both resolve, returns a Cmp trace entry.
func (a *Adapter) TraceCmp(handle simhost.InstructionHandle) (TraceEntry, error) {
	if _, err := a.disasm.Disassemble(handle.Bytes()); err != nil {
		return TraceEntry{}, err
	}
	if !a.disasm.LastWasCmp() {
		return TraceEntry{}, nil
	}
	exprs := a.disasm.Cmp()
	if len(exprs) != 2 {
		return TraceEntry{}, nil
	}
	left, lerr := a.resolve(exprs[0])
	if lerr != nil {
		return TraceEntry{}, nil //nolint:nilerr // unresolved operand: skip, not fatal (spec.md §4.2, §7)
	}
	right, rerr := a.resolve(exprs[1])
	if rerr != nil {
		return TraceEntry{}, nil //nolint:nilerr
	}
	return TraceEntry{
		Kind: TraceCmpEntry,
		Cmp: cmplog.Entry{
			PC:    handle.PC(),
			Kinds: a.disasm.CmpType(),
			Left:  left,
			Right: right,
		},
	}, nil
}

// resolve turns a disasm.Expr into a concrete cmplog.Value by reading
// simulator registers and memory. This is the single locus where the
// small expression algebra meets live state.
func (a *Adapter) resolve(e disasm.Expr) (cmplog.Value, error) {
	switch v := e.(type) {
	case disasm.Imm:
		return cmplog.Value{Width: v.Width, Value: v.Value}, nil
	case disasm.Reg:
		raw, err := a.Host.ReadRegister(a.CPU, v.Name)
		if err != nil {
			return cmplog.Value{}, errors.Wrapf(err, "resolving register %s", v.Name)
		}
		return cmplog.Value{Width: v.Width, Value: mask(raw, v.Width)}, nil
	case disasm.Add:
		l, err := a.resolve(v.LHS)
		if err != nil {
			return cmplog.Value{}, err
		}
		r, err := a.resolve(v.RHS)
		if err != nil {
			return cmplog.Value{}, err
		}
		return cmplog.Value{Width: l.Width, Value: mask(l.Value+r.Value, l.Width)}, nil
	case disasm.Sub:
		l, err := a.resolve(v.LHS)
		if err != nil {
			return cmplog.Value{}, err
		}
		r, err := a.resolve(v.RHS)
		if err != nil {
			return cmplog.Value{}, err
		}
		return cmplog.Value{Width: l.Width, Value: mask(l.Value-r.Value, l.Width)}, nil
	case disasm.Deref:
		addr, err := a.resolve(v.Addr)
		if err != nil {
			return cmplog.Value{}, err
		}
		width := v.Width
		if width == 0 {
			pw, err := a.pointerWidth()
			if err != nil {
				return cmplog.Value{}, err
			}
			width = uint(pw * 8)
		}
		t, err := a.Host.TranslateToPhysical(a.CPU, addr.Value)
		if err != nil {
			return cmplog.Value{}, errors.Wrap(err, "translating deref address")
		}
		if !t.Valid {
			return cmplog.Value{}, errors.Errorf("invalid translation for deref address %#x", addr.Value)
		}
		raw, err := a.Host.ReadPhysicalMemory(t.Address, int(width/8))
		if err != nil {
			return cmplog.Value{}, errors.Wrap(err, "reading deref memory")
		}
		return cmplog.Value{Width: width, Value: leUint(raw)}, nil
	default:
		return cmplog.Value{}, errors.Errorf("unresolvable expression %T", e)
	}
}

func mask(v uint64, width uint) uint64 {
	if width >= 64 {
		return v
	}
	return v & ((1 << width) - 1)
}

func leUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		var v uint64
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v
	}
}

func putLE(buf []byte, v uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	default:
		for i := range buf {
			buf[i] = byte(v >> (8 * uint(i)))
		}
	}
}
