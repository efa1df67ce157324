package itanium

import (
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/go-cmp/cmp"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/interchange"
	"github.com/skdltmxn/vtable-go/vtable"
)

func quietCollector() *vtable.Collector {
	return vtable.NewCollector(&log.Logger{Handler: discard.Default})
}

// newSpace builds a 64-bit address space with two classes:
//
//	Base    f() and a destructor, vtable at 0x3000
//	Derived f() override via si_class_type_info, vtable at 0x3100
//
// plus an Orphan class with RTTI but no vtable, and a global-offset-table
// style reference to Base's type_info that is not a vtable.
func newSpace() *addrspace.MapSpace {
	m := addrspace.NewMapSpace(8)

	syms := DefaultSymbols()
	m.AddName(0x1000, syms.ClassTypeInfo, true)
	m.AddName(0x1100, syms.SIClassTypeInfo, true)

	// Base type_info.
	m.PutPointer(0x2000, 0x1000)
	m.AddName(0x2000, "_ZTI4Base", true)
	m.AddDemangled("_ZTI4Base", "`typeinfo for'Base")

	// Derived type_info, single inheritance with parent reference.
	m.PutPointer(0x2100, 0x1100)
	m.AddName(0x2100, "_ZTI7Derived", true)
	m.AddDemangled("_ZTI7Derived", "`typeinfo for'Derived")
	m.PutPointer(0x2110, 0x2000) // pParent cell, interior to metadata

	// Orphan type_info with no vtable at all.
	m.PutPointer(0x2200, 0x1000)
	m.AddName(0x2200, "_ZTI6Orphan", true)
	m.AddDemangled("_ZTI6Orphan", "`typeinfo for'Orphan")

	// Base vtable: offset-to-top, type_info pointer, then two slots.
	m.MapBytes(0x3000, make([]byte, 8))
	m.PutPointer(0x3008, 0x2000)
	m.PutPointer(0x3010, 0x5000)
	m.PutPointer(0x3018, 0x5100)

	// Derived vtable with a single slot.
	m.MapBytes(0x3100, make([]byte, 8))
	m.PutPointer(0x3108, 0x2100)
	m.PutPointer(0x3110, 0x5200)

	m.AddFunction(addrspace.FunctionInfo{Start: 0x5000, End: 0x5040})
	m.AddName(0x5000, "_ZN4Base1fEv", true)
	m.AddFunction(addrspace.FunctionInfo{Start: 0x5100, End: 0x5140})
	m.AddName(0x5100, "_ZN4BaseD1Ev", true)
	m.AddFunction(addrspace.FunctionInfo{Start: 0x5200, End: 0x5240})
	m.AddName(0x5200, "_ZN7Derived1fEv", true)

	// Global-offset-table style reference to Base's type_info: the scan
	// finds no functions there, so it must be dropped.
	m.MapBytes(0x5ff8, make([]byte, 8))
	m.AddXref(0x2000, 0x6000, addrspace.XrefData)

	return m
}

func TestExtract(t *testing.T) {
	w := NewWalker(newSpace(), quietCollector(), nil)
	doc, err := w.Extract()
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	want := interchange.Document{
		"Base":    {0: {"_ZN4Base1fEv", "_ZN4BaseD1Ev"}},
		"Derived": {0: {"_ZN7Derived1fEv"}},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
	if _, ok := doc["Orphan"]; ok {
		t.Error("class without vtable must be dropped")
	}
}

func TestScanStopsAtFirstAnomaly(t *testing.T) {
	m := newSpace()
	// Append a conforming-looking cell whose target is not a function:
	// the scan must not include it.
	m.PutPointer(0x3020, 0x7777)

	w := NewWalker(m, quietCollector(), nil)
	doc, err := w.Extract()
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := len(doc["Base"][0]); got != 2 {
		t.Errorf("scan length = %d, want 2", got)
	}
}

func TestScanStopsAtNamedCell(t *testing.T) {
	m := newSpace()
	// A named cell is the head of the next table even if it would
	// otherwise conform.
	m.PutPointer(0x3018, 0x5100)
	m.AddName(0x3018, "_ZTV5Other", true)

	w := NewWalker(m, quietCollector(), nil)
	doc, err := w.Extract()
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := len(doc["Base"][0]); got != 1 {
		t.Errorf("scan length = %d, want 1", got)
	}
}

func TestInFunctionReferencesIgnored(t *testing.T) {
	m := newSpace()
	// A reference from inside a function body (dynamic_cast operand) is
	// not a vtable.
	m.AddXref(0x2000, 0x5010, addrspace.XrefData)

	w := NewWalker(m, quietCollector(), nil)
	doc, err := w.Extract()
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := len(doc["Base"]); got != 1 {
		t.Errorf("Base has %d offset groups, want 1", got)
	}
}

func TestExtractMissingSymbols(t *testing.T) {
	w := NewWalker(addrspace.NewMapSpace(8), quietCollector(), nil)
	_, err := w.Extract()
	if !errors.Is(err, vtable.ErrMissingPrerequisite) {
		t.Errorf("err = %v, want ErrMissingPrerequisite", err)
	}
}

func TestExtractNoTypeInfo(t *testing.T) {
	m := addrspace.NewMapSpace(8)
	m.AddName(0x1000, DefaultSymbols().ClassTypeInfo, true)

	w := NewWalker(m, quietCollector(), nil)
	_, err := w.Extract()
	if !errors.Is(err, vtable.ErrNoTypeInfo) {
		t.Errorf("err = %v, want ErrNoTypeInfo", err)
	}
}

func TestNegativeSubObjectOffset(t *testing.T) {
	m := newSpace()
	// A secondary vtable for Base at displacement -16.
	m.PutPointer(0x3200, 0xfffffffffffffff0)
	m.PutPointer(0x3208, 0x2000)
	m.PutPointer(0x3210, 0x5200)

	w := NewWalker(m, quietCollector(), nil)
	doc, err := w.Extract()
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if _, ok := doc["Base"][-16]; !ok {
		t.Errorf("missing -16 offset group: %v", doc["Base"])
	}
}
