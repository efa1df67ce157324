// Package msvc discovers classes, Complete Object Locators and vtables from
// the MSVC ABI's RTTI metadata and builds the class hierarchy consumed by
// the reconciliation engine.
package msvc

import (
	"fmt"
	"strings"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/internal/progress"
	"github.com/skdltmxn/vtable-go/vtable"
)

// TypeInfoVtableSymbol is the vftable of type_info, the anchor every type
// descriptor references.
const TypeInfoVtableSymbol = "??_7type_info@@6B@"

const (
	typeDescClassPrefix = "class "
	typeDescSuffix      = " `RTTI Type Descriptor'"
	baseClassDescMarker = "::`RTTI Base Class Descriptor"
)

// ColRecord is one Complete Object Locator and the vtable it addresses.
// Heuristic marks a locator accepted through the unanalyzed-metadata
// fallback rather than well-formed analysis.
type ColRecord struct {
	Addr      uint64
	Vtable    uint64 // address of the first function slot
	Heuristic bool
}

// TypeInfo is everything the walker recovers for one class: its type
// descriptor and its locators. A class may have several locators, one per
// distinct base-class placement.
type TypeInfo struct {
	Descriptor uint64
	Name       string
	Cols       []ColRecord
}

// Walker discovers per-class RTTI structures.
type Walker struct {
	as    addrspace.AddressSpace
	diags *vtable.Collector
	rep   *progress.Reporter
}

// NewWalker returns a walker over the given address space.
func NewWalker(as addrspace.AddressSpace, diags *vtable.Collector, rep *progress.Reporter) *Walker {
	return &Walker{as: as, diags: diags, rep: rep}
}

// Scan locates every class's type descriptor and its Complete Object
// Locators. Classes with RTTI but no locators are still returned so that
// hierarchy resolution can complete base lookups.
func (w *Walker) Scan() (map[string]*TypeInfo, error) {
	anchor, ok := w.as.SymbolAddress(TypeInfoVtableSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vtable.ErrMissingPrerequisite, TypeInfoVtableSymbol)
	}

	w.rep.Phase("parsing type descriptors")
	tis := make(map[string]*TypeInfo)
	for _, td := range w.as.CrossRefsTo(anchor, addrspace.XrefAny) {
		// References from inside functions are type_info uses, not
		// descriptors.
		if addrspace.InsideFunction(w.as, td) {
			continue
		}
		demangled, ok := w.as.Demangle(w.as.NameOf(td))
		if !ok {
			w.diags.Reportf(vtable.NameResolutionFailure, "", td,
				"invalid type descriptor name %q", w.as.NameOf(td))
			continue
		}
		class := stripTypeDescriptorName(demangled)
		tis[class] = &TypeInfo{
			Descriptor: td,
			Name:       class,
			Cols:       w.collectCols(class, td),
		}
	}
	return tis, nil
}

// collectCols classifies every reference to a type descriptor and keeps the
// ones that are Complete Object Locators.
func (w *Walker) collectCols(class string, td uint64) []ColRecord {
	ptr := uint64(w.as.PointerSize())
	var cols []ColRecord
	for _, xr := range w.as.CrossRefsTo(td, addrspace.XrefAny) {
		// dynamic_cast sites.
		if addrspace.InsideFunction(w.as, xr) {
			continue
		}
		// Base class descriptors reference the type descriptor too, as does
		// assorted global data; both carry recognizable names.
		if name := w.as.NameOf(xr); name != "" &&
			(strings.HasPrefix(name, "??_R1") || strings.HasPrefix(name, "off_")) {
			continue
		}

		ea := xr - catchableFieldOff
		if name := w.as.NameOf(ea); name != "" && strings.HasPrefix(name, "__CT") {
			continue
		}
		ea = xr - colTypeDescFieldOff

		heuristic := false
		if w.as.FlagsAt(ea).IsUnknown() {
			// The host sometimes leaves a locator unanalyzed even though a
			// vtable references it. Accept it when it has exactly one
			// inbound reference and its putative vtable holds a function
			// address in the second slot.
			if w.unanalyzedColLooksReal(ea) {
				heuristic = true
				w.diags.ReportBestEffort(vtable.UnanalyzedMetadata, class, ea,
					"unanalyzed locator accepted by fallback; verify its vtable")
			} else {
				w.diags.Reportf(vtable.UnanalyzedMetadata, class, ea,
					"possible locator is unanalyzed and the fallback failed, skipping")
				continue
			}
		}
		if !heuristic {
			name := w.as.NameOf(ea)
			if name == "" || !strings.HasPrefix(name, "??_R4") {
				w.diags.Reportf(vtable.StructuralAmbiguity, class, ea,
					"invalid locator name %q, possible unwind info", name)
				continue
			}
		}

		refs := w.as.CrossRefsTo(ea, addrspace.XrefAny)
		if len(refs) == 0 {
			w.diags.Reportf(vtable.StructuralAmbiguity, class, ea,
				"locator has no inbound reference")
			continue
		}
		if len(refs) != 1 {
			w.diags.Reportf(vtable.StructuralAmbiguity, class, ea,
				"multiple vtables point to the same locator, following the first")
		}
		cols = append(cols, ColRecord{Addr: ea, Vtable: refs[0] + ptr, Heuristic: heuristic})
	}
	return cols
}

func (w *Walker) unanalyzedColLooksReal(ea uint64) bool {
	ptr := uint64(w.as.PointerSize())
	refs := w.as.CrossRefsTo(ea, addrspace.XrefAny)
	if len(refs) != 1 {
		return false
	}
	vt := refs[0] + ptr
	target, err := addrspace.ReadPointer(w.as, vt+ptr)
	if err != nil {
		return false
	}
	_, ok := w.as.FunctionAt(target)
	return ok
}

func stripTypeDescriptorName(demangled string) string {
	s := strings.TrimPrefix(demangled, typeDescClassPrefix)
	return strings.TrimSuffix(s, typeDescSuffix)
}
