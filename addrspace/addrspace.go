// Package addrspace defines the address-space service every walker runs
// against: byte and flag reads, cross-reference queries, symbol lookup and
// naming, demangling, function boundaries and instruction decoding. The
// package also ships MapSpace, an in-memory implementation backed by a JSON
// snapshot, used both by the CLI and by tests.
package addrspace

import (
	"github.com/skdltmxn/vtable-go/internal/binread"
)

// Flags describes what the host's analysis knows about one address.
type Flags uint16

const (
	// FlagData marks an address analyzed as a data item.
	FlagData Flags = 1 << iota
	// FlagCode marks an address analyzed as code.
	FlagCode
	// FlagPointer marks a data item of pointer width.
	FlagPointer
	// FlagOffset marks a cell holding an address-valued reference.
	FlagOffset
	// FlagAnyName marks an address carrying any name, including
	// auto-generated ones.
	FlagAnyName
	// FlagUserName marks an address carrying a real (user or symbol) name.
	FlagUserName
)

// IsUnknown reports whether the host has not analyzed the address at all.
func (f Flags) IsUnknown() bool { return f == 0 }

// IsPointerWidthData reports whether the address is a pointer-width data item.
func (f Flags) IsPointerWidthData() bool {
	return f&FlagData != 0 && f&FlagPointer != 0
}

// IsCode reports whether the address is analyzed as code.
func (f Flags) IsCode() bool { return f&FlagCode != 0 }

// IsOffsetReference reports whether the cell holds an address-valued reference.
func (f Flags) IsOffsetReference() bool { return f&FlagOffset != 0 }

// HasAnyName reports whether the address carries any name at all.
func (f Flags) HasAnyName() bool { return f&FlagAnyName != 0 }

// HasUserName reports whether the address carries a real name.
func (f Flags) HasUserName() bool { return f&FlagUserName != 0 }

// XrefKind filters cross-reference queries.
type XrefKind int

const (
	// XrefAny matches code and data references.
	XrefAny XrefKind = iota
	// XrefData matches data references only.
	XrefData
	// XrefCode matches code references only.
	XrefCode
)

// FunctionInfo describes a function boundary known to the host.
type FunctionInfo struct {
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
	IsLibrary bool   `json:"is_library,omitempty"`
}

// Contains reports whether addr lies within the function body.
func (fi FunctionInfo) Contains(addr uint64) bool {
	return addr >= fi.Start && addr < fi.End
}

// InstructionKind classifies a decoded instruction as far as the engine
// cares: unconditional jumps versus everything else.
type InstructionKind int

const (
	// InsnOther is any instruction that is not an unconditional jump.
	InsnOther InstructionKind = iota
	// InsnJump is a short or near unconditional jump.
	InsnJump
)

// Instruction is a minimally decoded instruction. Length lets a caller step
// to the next instruction without a full decoder contract.
type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	Target uint64          `json:"target,omitempty"` // jump target, for InsnJump
	Length int             `json:"length"`
}

// AddressSpace is the host contract. All calls are synchronous; naming an
// already-named address is a no-op by precondition since named addresses
// are always skipped by callers.
type AddressSpace interface {
	// PointerSize returns the target's pointer width in bytes (4 or 8),
	// fixed for the whole run.
	PointerSize() int

	// ReadBytes reads n bytes at addr.
	ReadBytes(addr uint64, n int) ([]byte, error)

	// FlagsAt returns the host's analysis flags for addr.
	FlagsAt(addr uint64) Flags

	// CrossRefsTo enumerates addresses referencing addr, in a stable order.
	CrossRefsTo(addr uint64, kind XrefKind) []uint64

	// FunctionAt returns the function containing addr, if any.
	FunctionAt(addr uint64) (FunctionInfo, bool)

	// NameOf returns the name at addr, or "".
	NameOf(addr uint64) string

	// SetName assigns a name to addr. With force set, an existing name is
	// replaced.
	SetName(addr uint64, name string, force bool) error

	// SymbolAddress resolves a name to its address.
	SymbolAddress(name string) (uint64, bool)

	// Demangle demangles a mangled name. ok is false when the name does not
	// demangle.
	Demangle(mangled string) (string, bool)

	// DecodeInstructionAt decodes the instruction at addr.
	DecodeInstructionAt(addr uint64) (Instruction, bool)
}

// ReadPointer reads a pointer-width unsigned value at addr.
func ReadPointer(as AddressSpace, addr uint64) (uint64, error) {
	data, err := as.ReadBytes(addr, as.PointerSize())
	if err != nil {
		return 0, err
	}
	return binread.NewReader(data).ReadPointer(as.PointerSize())
}

// ReadSignedPointer reads a pointer-width sign-extended value at addr.
// Itanium vtables store the sub-object displacement this way.
func ReadSignedPointer(as AddressSpace, addr uint64) (int64, error) {
	data, err := as.ReadBytes(addr, as.PointerSize())
	if err != nil {
		return 0, err
	}
	return binread.NewReader(data).ReadSignedPointer(as.PointerSize())
}

// IsFunctionStart reports whether addr is the entry point of a known
// function.
func IsFunctionStart(as AddressSpace, addr uint64) bool {
	fi, ok := as.FunctionAt(addr)
	return ok && fi.Start == addr
}

// InsideFunction reports whether addr lies anywhere within a known function
// body. RTTI walkers use this to reject references that are really
// instructions (dynamic_cast sites and similar).
func InsideFunction(as AddressSpace, addr uint64) bool {
	_, ok := as.FunctionAt(addr)
	return ok
}
