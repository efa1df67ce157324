package msvc

import (
	"fmt"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/internal/binread"
)

// The MSVC RTTI records keep 32-bit fields regardless of address width; on
// 32-bit images the reference fields hold addresses directly.

// CompleteObjectLocator links a vtable to its class hierarchy descriptor
// and records the vtable's offset within the complete object.
type CompleteObjectLocator struct {
	Signature              uint32
	Offset                 uint32 // offset of this vtable from the top of the class
	CDOffset               uint32 // constructor displacement
	TypeDescriptorRef      uint32
	HierarchyDescriptorRef uint32
}

// ClassHierarchyDescriptor heads the ordered base-class array.
type ClassHierarchyDescriptor struct {
	Signature         uint32
	Attributes        uint32
	BaseClassCount    uint32
	BaseClassArrayRef uint32
}

const (
	colSize = 20
	chdSize = 16

	// A cross-reference into a locator lands on its TypeDescriptorRef
	// field; the locator head is this far back. One more field back sits a
	// catchable-type record's own reference, checked separately.
	colTypeDescFieldOff = 12
	catchableFieldOff   = 4
)

func readCOL(as addrspace.AddressSpace, addr uint64) (*CompleteObjectLocator, error) {
	data, err := as.ReadBytes(addr, colSize)
	if err != nil {
		return nil, fmt.Errorf("msvc: cannot read COL at %#x: %w", addr, err)
	}
	r := binread.NewReader(data)
	col := &CompleteObjectLocator{}
	col.Signature, _ = r.ReadU32()
	col.Offset, _ = r.ReadU32()
	col.CDOffset, _ = r.ReadU32()
	col.TypeDescriptorRef, _ = r.ReadU32()
	col.HierarchyDescriptorRef, err = r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: short COL at %#x: %w", addr, err)
	}
	return col, nil
}

func readCHD(as addrspace.AddressSpace, addr uint64) (*ClassHierarchyDescriptor, error) {
	data, err := as.ReadBytes(addr, chdSize)
	if err != nil {
		return nil, fmt.Errorf("msvc: cannot read hierarchy descriptor at %#x: %w", addr, err)
	}
	r := binread.NewReader(data)
	chd := &ClassHierarchyDescriptor{}
	chd.Signature, _ = r.ReadU32()
	chd.Attributes, _ = r.ReadU32()
	chd.BaseClassCount, _ = r.ReadU32()
	chd.BaseClassArrayRef, err = r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: short hierarchy descriptor at %#x: %w", addr, err)
	}
	return chd, nil
}
