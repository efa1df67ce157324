// Package itanium discovers class hierarchies and vtables from the Itanium
// C++ ABI's type_info metadata and emits the interchange document consumed
// by the MSVC-side reconciliation pass.
package itanium

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/interchange"
	"github.com/skdltmxn/vtable-go/internal/progress"
	"github.com/skdltmxn/vtable-go/vtable"
)

// TypeinfoPrefix is what the demangler prepends to a type_info object name.
const TypeinfoPrefix = "`typeinfo for'"

// Symbols names the well-known vtables of the __cxxabiv1 type_info family.
type Symbols struct {
	ClassTypeInfo    string
	PointerTypeInfo  string
	SIClassTypeInfo  string
	VMIClassTypeInfo string
}

// DefaultSymbols returns the mangled names emitted by GCC and Clang.
func DefaultSymbols() Symbols {
	return Symbols{
		ClassTypeInfo:    "_ZTVN10__cxxabiv117__class_type_infoE",
		PointerTypeInfo:  "_ZTVN10__cxxabiv119__pointer_type_infoE",
		SIClassTypeInfo:  "_ZTVN10__cxxabiv120__si_class_type_infoE",
		VMIClassTypeInfo: "_ZTVN10__cxxabiv121__vmi_class_type_infoE",
	}
}

// Walker extracts per-class vtable function names from Itanium RTTI.
type Walker struct {
	as    addrspace.AddressSpace
	syms  Symbols
	diags *vtable.Collector
	rep   *progress.Reporter

	// interior holds addresses of cells inside type_info records that
	// reference other type_info objects. References from these cells are
	// metadata, not vtables.
	interior map[uint64]struct{}
}

// NewWalker returns a walker over the given address space using the default
// well-known symbols.
func NewWalker(as addrspace.AddressSpace, diags *vtable.Collector, rep *progress.Reporter) *Walker {
	return &Walker{
		as:       as,
		syms:     DefaultSymbols(),
		diags:    diags,
		rep:      rep,
		interior: make(map[uint64]struct{}),
	}
}

// SetSymbols overrides the well-known type_info vtable names.
func (w *Walker) SetSymbols(syms Symbols) { w.syms = syms }

// Extract walks the RTTI metadata and returns the interchange document.
// Classes with no discoverable vtable are dropped; so are vtable scans that
// yield zero functions.
func (w *Walker) Extract() (interchange.Document, error) {
	w.rep.Phase("parsing type info")

	ptr := uint64(w.as.PointerSize())

	type baseVtable struct {
		addr uint64
		ok   bool
	}
	resolve := func(name string, parse func(uint64), quiet bool) baseVtable {
		addr, ok := w.as.SymbolAddress(name)
		if !ok {
			if !quiet {
				log.Debugf("type info %s not found, skipping", name)
			}
			return baseVtable{}
		}
		if parse != nil {
			parse(addr)
		}
		return baseVtable{addr: addr, ok: true}
	}

	// Base classes carry no references of their own, so the plain
	// class_type_info vtable needs no interior parse.
	tiClass := resolve(w.syms.ClassTypeInfo, nil, false)
	tiPointer := resolve(w.syms.PointerTypeInfo, w.parsePointerRecords, true)
	tiSI := resolve(w.syms.SIClassTypeInfo, w.parseSIRecords, false)
	tiVMI := resolve(w.syms.VMIClassTypeInfo, w.parseVMIRecords, false)

	if !tiClass.ok && !tiPointer.ok && !tiSI.ok && !tiVMI.ok {
		return nil, fmt.Errorf("%w: no __cxxabiv1 type_info vtable symbol resolves",
			vtable.ErrMissingPrerequisite)
	}

	w.rep.Phase("discovering vtables")
	vtables := make(map[string][]uint64)
	seen := 0
	for _, ti := range []baseVtable{tiClass, tiPointer, tiSI, tiVMI} {
		if ti.ok {
			seen += w.collectVtables(ti.addr, vtables)
		}
	}
	if seen == 0 {
		return nil, fmt.Errorf("%w: is this a C++ binary?", vtable.ErrNoTypeInfo)
	}

	w.rep.Phase("parsing vtables")
	doc := make(interchange.Document)
	names := make([]string, 0, len(vtables))
	for class := range vtables {
		names = append(names, class)
	}
	sort.Strings(names)
	for _, class := range names {
		for _, ea := range vtables[class] {
			thisoffs, err := addrspace.ReadSignedPointer(w.as, ea-ptr)
			if err != nil {
				w.diags.Reportf(vtable.NameResolutionFailure, class, ea,
					"cannot read sub-object offset: %v", err)
				continue
			}
			funcs := w.scanNames(ea + ptr)
			// A zero-length scan means the reference was not a vtable at
			// all, typically global-offset-table data.
			if len(funcs) > 0 {
				doc.Add(class, thisoffs, funcs)
			}
		}
	}
	return doc, nil
}

// parseSIRecords records the parent-reference cell of every
// si_class_type_info referencing the base vtable.
func (w *Walker) parseSIRecords(vtAddr uint64) {
	ptr := uint64(w.as.PointerSize())
	for _, rec := range w.as.CrossRefsTo(vtAddr, addrspace.XrefData) {
		w.interior[rec+2*ptr] = struct{}{}
	}
}

// parsePointerRecords records the pointee-reference cell of every
// pointer_type_info referencing the base vtable.
func (w *Walker) parsePointerRecords(vtAddr uint64) {
	ptr := uint64(w.as.PointerSize())
	for _, rec := range w.as.CrossRefsTo(vtAddr, addrspace.XrefData) {
		w.interior[rec+3*ptr] = struct{}{}
	}
}

// parseVMIRecords records every base-type-reference cell of the trailing
// base array. The array length comes from the record's own header, so the
// header is decoded first and the array cells are derived in a second pass.
func (w *Walker) parseVMIRecords(vtAddr uint64) {
	ptr := uint64(w.as.PointerSize())
	for _, rec := range w.as.CrossRefsTo(vtAddr, addrspace.XrefData) {
		countCell := rec + 2*ptr + 4 // u32 flags, then u32 base count
		data, err := w.as.ReadBytes(countCell, 4)
		if err != nil {
			w.diags.Reportf(vtable.NameResolutionFailure, "", rec,
				"cannot read vmi base count: %v", err)
			continue
		}
		count := uint64(data[0]) | uint64(data[1])<<8 | uint64(data[2])<<16 | uint64(data[3])<<24
		arrayStart := rec + 2*ptr + 8
		for i := uint64(0); i < count; i++ {
			w.interior[arrayStart+i*2*ptr] = struct{}{}
		}
	}
}

// collectVtables finds the concrete type_info objects referencing one base
// vtable and, from each, the vtables referencing that type_info. Returns
// the number of type_info objects seen.
func (w *Walker) collectVtables(vtAddr uint64, vtables map[string][]uint64) int {
	seen := 0
	for _, ti := range w.as.CrossRefsTo(vtAddr, addrspace.XrefData) {
		seen++
		mangled := w.as.NameOf(ti)
		demangled, ok := w.as.Demangle(mangled)
		if !ok {
			w.diags.Reportf(vtable.NameResolutionFailure, "", ti,
				"invalid type_info name %q", mangled)
			continue
		}
		class := strings.TrimPrefix(demangled, TypeinfoPrefix)
		for _, xr := range w.as.CrossRefsTo(ti, addrspace.XrefData) {
			if _, interior := w.interior[xr]; interior {
				continue
			}
			// References from inside a function body are dynamic_cast and
			// catch-clause operands, not vtables.
			if addrspace.InsideFunction(w.as, xr) {
				continue
			}
			vtables[class] = append(vtables[class], xr)
		}
	}
	return seen
}

// scanNames walks vtable cells forward from ea, one pointer width at a
// time, collecting target names. Vtables are contiguous with no gaps, so
// the first non-conforming cell ends the table: the cell must be an
// unnamed, offset-flagged pointer-width data item whose target is a known
// function start.
func (w *Walker) scanNames(ea uint64) []string {
	ptr := uint64(w.as.PointerSize())
	var funcs []string
	for {
		flags := w.as.FlagsAt(ea)
		if !flags.IsOffsetReference() || !flags.IsPointerWidthData() {
			break
		}
		// A named cell is the head of the next table.
		if flags.HasUserName() {
			break
		}
		target, err := addrspace.ReadPointer(w.as, ea)
		if err != nil {
			break
		}
		if !addrspace.IsFunctionStart(w.as, target) {
			break
		}
		funcs = append(funcs, w.as.NameOf(target))
		ea += ptr
	}
	return funcs
}
