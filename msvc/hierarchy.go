package msvc

import (
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/internal/progress"
	"github.com/skdltmxn/vtable-go/vtable"
)

// Hierarchy is the built class set. Order lists class names with every base
// strictly before its derived classes, which the reconciliation engine
// relies on for inherited-slot detection.
type Hierarchy struct {
	Classes map[string]*vtable.VirtualClass
	Order   []string
}

// Builder resolves classes bottom-up, each base before its derived classes.
// Resolution is a memoized walk over the hierarchy-descriptor graph so each
// class is built at most once, independent of map iteration order.
type Builder struct {
	as    addrspace.AddressSpace
	tis   map[string]*TypeInfo
	diags *vtable.Collector
	rep   *progress.Reporter

	h        *Hierarchy
	building map[string]bool
}

// NewBuilder returns a builder over the walker's scan result.
func NewBuilder(as addrspace.AddressSpace, tis map[string]*TypeInfo, diags *vtable.Collector, rep *progress.Reporter) *Builder {
	return &Builder{
		as:    as,
		tis:   tis,
		diags: diags,
		rep:   rep,
		h: &Hierarchy{
			Classes: make(map[string]*vtable.VirtualClass),
		},
		building: make(map[string]bool),
	}
}

// Build resolves every scanned class and returns the hierarchy.
func (b *Builder) Build() *Hierarchy {
	b.rep.Phase("building class hierarchy")
	names := make([]string, 0, len(b.tis))
	for name := range b.tis {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.build(name)
	}
	return b.h
}

// build resolves one class, recursing into its bases first. Returns nil for
// names with no scanned type descriptor (base class descriptors do occur
// for classes whose descriptor the binary never kept).
func (b *Builder) build(name string) *vtable.VirtualClass {
	if cls, ok := b.h.Classes[name]; ok {
		return cls
	}
	ti, ok := b.tis[name]
	if !ok {
		log.Debugf("no type descriptor for base %s", name)
		return nil
	}
	if b.building[name] {
		b.diags.Reportf(vtable.StructuralAmbiguity, name, ti.Descriptor,
			"cyclic hierarchy descriptor chain")
		return nil
	}
	b.building[name] = true
	defer delete(b.building, name)

	cls := vtable.NewClass(name)

	// No locators: keep the class registered with empty function data so
	// dependents can still resolve it as a base.
	if len(ti.Cols) == 0 {
		b.register(cls)
		return cls
	}

	populated := false
	for _, col := range ti.Cols {
		colRec, err := readCOL(b.as, col.Addr)
		if err != nil {
			b.diags.Reportf(vtable.StructuralAmbiguity, name, col.Addr, "%v", err)
			continue
		}
		chd, err := readCHD(b.as, uint64(colRec.HierarchyDescriptorRef))
		if err != nil {
			b.diags.Reportf(vtable.StructuralAmbiguity, name, col.Addr, "%v", err)
			continue
		}

		// Walk the base class array from the base-most entry back to index
		// 0, which is the class's own entry: bases are built (and their
		// post-name sets eventually filled) strictly before the class
		// itself is populated.
		ptr := uint64(b.as.PointerSize())
		array := uint64(chd.BaseClassArrayRef)
		for i := int(chd.BaseClassCount) - 1; i >= 0; i-- {
			descea, err := addrspace.ReadPointer(b.as, array+uint64(i)*ptr)
			if err != nil {
				b.diags.Reportf(vtable.StructuralAmbiguity, name, array,
					"cannot read base class array entry %d: %v", i, err)
				break
			}
			if i == 0 {
				if !populated {
					b.populateFuncs(cls, ti)
					populated = true
				}
				continue
			}
			parent, ok := b.descriptorClassName(descea)
			if !ok {
				continue
			}
			if base := b.build(parent); base != nil {
				cls.AddBase(base)
			}
		}
	}

	b.register(cls)
	return cls
}

func (b *Builder) register(cls *vtable.VirtualClass) {
	b.h.Classes[cls.Name] = cls
	b.h.Order = append(b.h.Order, cls.Name)
}

// populateFuncs fills the class's offset-to-functions map from each
// locator's vtable. Every more-derived placement shares the same underlying
// function addresses, so each distinct offset is read once.
func (b *Builder) populateFuncs(cls *vtable.VirtualClass, ti *TypeInfo) {
	for _, col := range ti.Cols {
		colRec, err := readCOL(b.as, col.Addr)
		if err != nil {
			b.diags.Reportf(vtable.StructuralAmbiguity, cls.Name, col.Addr, "%v", err)
			continue
		}
		thisoffs := int64(colRec.Offset)
		if _, done := cls.Funcs[thisoffs]; done {
			continue
		}
		cls.Funcs[thisoffs] = b.scanAddresses(col.Vtable)
	}
}

// scanAddresses walks vtable cells forward collecting slot addresses. The
// cell must be an offset-flagged pointer-width data item and the target
// must be named code; the first anomaly ends the table.
func (b *Builder) scanAddresses(ea uint64) []*vtable.VirtualFunction {
	ptr := uint64(b.as.PointerSize())
	var funcs []*vtable.VirtualFunction
	for {
		flags := b.as.FlagsAt(ea)
		if !flags.IsOffsetReference() || !flags.IsPointerWidthData() {
			break
		}
		target, err := addrspace.ReadPointer(b.as, ea)
		if err != nil {
			break
		}
		tf := b.as.FlagsAt(target)
		if !tf.HasAnyName() {
			break
		}
		// Function-boundary detection misses the odd function, so the code
		// flag is the authoritative check here.
		if !tf.IsCode() {
			break
		}
		funcs = append(funcs, vtable.NewFunction(target, "", ""))
		ea += ptr
	}
	return funcs
}

// descriptorClassName resolves a base class descriptor to its class name,
// falling back through the descriptor's type descriptor when the host never
// named the descriptor itself.
func (b *Builder) descriptorClassName(descea uint64) (string, bool) {
	if demangled, ok := b.as.Demangle(b.as.NameOf(descea)); ok {
		if i := strings.Index(demangled, baseClassDescMarker); i >= 0 {
			return demangled[:i], true
		}
		return demangled, true
	}

	typedesc, err := addrspace.ReadPointer(b.as, descea)
	if err != nil {
		b.diags.Reportf(vtable.NameResolutionFailure, "", descea,
			"cannot read base class descriptor: %v", err)
		return "", false
	}
	demangled, ok := b.as.Demangle(b.as.NameOf(typedesc))
	if !ok {
		b.diags.Reportf(vtable.NameResolutionFailure, "", descea,
			"invalid parent name, type descriptor at %#x", typedesc)
		return "", false
	}
	return stripTypeDescriptorName(demangled), true
}
