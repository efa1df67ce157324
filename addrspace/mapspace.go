package addrspace

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/skdltmxn/vtable-go/internal/msname"
)

// MapSpace is a complete in-memory AddressSpace. The CLI populates one from
// a host snapshot; tests script one directly. The builder helpers keep
// bytes, flags and cross-references consistent with each other the way a
// real host database would.
type MapSpace struct {
	ptrSize   int
	mem       map[uint64]byte
	flags     map[uint64]Flags
	names     map[uint64]string
	symbols   map[string]uint64
	xrefs     map[uint64][]xref
	funcs     []FunctionInfo
	demangled map[string]string
	insns     map[uint64]Instruction
}

type xref struct {
	from uint64
	kind XrefKind
}

// NewMapSpace returns an empty address space with the given pointer width.
func NewMapSpace(ptrSize int) *MapSpace {
	return &MapSpace{
		ptrSize:   ptrSize,
		mem:       make(map[uint64]byte),
		flags:     make(map[uint64]Flags),
		names:     make(map[uint64]string),
		symbols:   make(map[string]uint64),
		xrefs:     make(map[uint64][]xref),
		demangled: make(map[string]string),
		insns:     make(map[uint64]Instruction),
	}
}

// PointerSize implements AddressSpace.
func (m *MapSpace) PointerSize() int { return m.ptrSize }

// SetPointerSize overrides the snapshot's pointer width. Must be called
// before any walker runs; the width is fixed for the whole run.
func (m *MapSpace) SetPointerSize(n int) error {
	if n != 4 && n != 8 {
		return fmt.Errorf("addrspace: bad pointer size %d", n)
	}
	m.ptrSize = n
	return nil
}

// ReadBytes implements AddressSpace.
func (m *MapSpace) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, ok := m.mem[addr+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("addrspace: unmapped byte at %#x", addr+uint64(i))
		}
		out[i] = b
	}
	return out, nil
}

// FlagsAt implements AddressSpace.
func (m *MapSpace) FlagsAt(addr uint64) Flags { return m.flags[addr] }

// CrossRefsTo implements AddressSpace.
func (m *MapSpace) CrossRefsTo(addr uint64, kind XrefKind) []uint64 {
	var out []uint64
	for _, x := range m.xrefs[addr] {
		if kind != XrefAny && x.kind != kind {
			continue
		}
		out = append(out, x.from)
	}
	return out
}

// FunctionAt implements AddressSpace.
func (m *MapSpace) FunctionAt(addr uint64) (FunctionInfo, bool) {
	i := sort.Search(len(m.funcs), func(i int) bool {
		return m.funcs[i].End > addr
	})
	if i < len(m.funcs) && m.funcs[i].Contains(addr) {
		return m.funcs[i], true
	}
	return FunctionInfo{}, false
}

// NameOf implements AddressSpace.
func (m *MapSpace) NameOf(addr uint64) string { return m.names[addr] }

// SetName implements AddressSpace.
func (m *MapSpace) SetName(addr uint64, name string, force bool) error {
	if existing, ok := m.names[addr]; ok && existing != "" && !force {
		return fmt.Errorf("addrspace: %#x already named %q", addr, existing)
	}
	m.names[addr] = name
	m.symbols[name] = addr
	m.flags[addr] |= FlagAnyName | FlagUserName
	return nil
}

// SymbolAddress implements AddressSpace.
func (m *MapSpace) SymbolAddress(name string) (uint64, bool) {
	addr, ok := m.symbols[name]
	return addr, ok
}

// Demangle implements AddressSpace. MapSpace carries the host's demangling
// results as a lookup table in the snapshot; MSVC RTTI metadata names the
// table lacks fall back to the built-in demangler.
func (m *MapSpace) Demangle(mangled string) (string, bool) {
	if d, ok := m.demangled[mangled]; ok {
		return d, true
	}
	if d, err := msname.Demangle(mangled); err == nil {
		return d, true
	}
	return "", false
}

// DecodeInstructionAt implements AddressSpace.
func (m *MapSpace) DecodeInstructionAt(addr uint64) (Instruction, bool) {
	insn, ok := m.insns[addr]
	return insn, ok
}

// Builder helpers. These are not part of the AddressSpace contract; the
// walkers never mutate the space except through SetName.

// MapBytes maps raw bytes at addr.
func (m *MapSpace) MapBytes(addr uint64, data []byte) {
	for i, b := range data {
		m.mem[addr+uint64(i)] = b
	}
}

// SetFlags replaces the flags at addr.
func (m *MapSpace) SetFlags(addr uint64, f Flags) { m.flags[addr] = f }

// OrFlags adds flag bits at addr.
func (m *MapSpace) OrFlags(addr uint64, f Flags) { m.flags[addr] |= f }

// AddXref records a cross-reference to addr from from.
func (m *MapSpace) AddXref(to, from uint64, kind XrefKind) {
	m.xrefs[to] = append(m.xrefs[to], xref{from: from, kind: kind})
}

// PutPointer stores a pointer-width little-endian value at addr, marks the
// cell as offset-flagged pointer data, and records the data reference to
// its target.
func (m *MapSpace) PutPointer(addr, value uint64) {
	buf := make([]byte, m.ptrSize)
	if m.ptrSize == 8 {
		binary.LittleEndian.PutUint64(buf, value)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	}
	m.MapBytes(addr, buf)
	m.flags[addr] |= FlagData | FlagPointer | FlagOffset
	m.AddXref(value, addr, XrefData)
}

// PutU32 stores a 32-bit little-endian value at addr and marks the cell as
// plain data.
func (m *MapSpace) PutU32(addr uint64, value uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	m.MapBytes(addr, buf)
	m.flags[addr] |= FlagData
}

// AddName assigns a name without the force/no-op semantics of SetName.
// user controls whether the name counts as a real name or an auto-generated
// one.
func (m *MapSpace) AddName(addr uint64, name string, user bool) {
	m.names[addr] = name
	m.symbols[name] = addr
	m.flags[addr] |= FlagAnyName
	if user {
		m.flags[addr] |= FlagUserName
	}
}

// AddFunction registers a function boundary.
func (m *MapSpace) AddFunction(fi FunctionInfo) {
	m.funcs = append(m.funcs, fi)
	sort.Slice(m.funcs, func(i, j int) bool { return m.funcs[i].Start < m.funcs[j].Start })
	m.flags[fi.Start] |= FlagCode
}

// AddDemangled registers a demangling result.
func (m *MapSpace) AddDemangled(mangled, demangled string) {
	m.demangled[mangled] = demangled
}

// AddInstruction registers a decoded instruction at addr.
func (m *MapSpace) AddInstruction(addr uint64, insn Instruction) {
	m.insns[addr] = insn
	m.flags[addr] |= FlagCode
}
