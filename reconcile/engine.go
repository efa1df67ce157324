// Package reconcile matches the Itanium-recovered, named vtable layouts
// against the MSVC-recovered, anonymous ones and assigns names to the MSVC
// side's function addresses. The two ABIs disagree on overload ordering,
// destructor slot count and thunk elision; the engine adapts each Itanium
// group into MSVC order before assigning names positionally.
package reconcile

import (
	"fmt"

	"github.com/apex/log"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/interchange"
	"github.com/skdltmxn/vtable-go/internal/cxx"
	"github.com/skdltmxn/vtable-go/internal/progress"
	"github.com/skdltmxn/vtable-go/msvc"
	"github.com/skdltmxn/vtable-go/vtable"
)

// Engine performs the cross-ABI reconciliation for one run.
type Engine struct {
	as    addrspace.AddressSpace
	doc   interchange.Document
	diags *vtable.Collector
	rep   *progress.Reporter
}

// NewEngine returns an engine applying the given interchange document.
func NewEngine(as addrspace.AddressSpace, doc interchange.Document, diags *vtable.Collector, rep *progress.Reporter) *Engine {
	return &Engine{as: as, doc: doc, diags: diags, rep: rep}
}

// Run reconciles every class with recovered function data, bases before
// derived classes, and returns the run summary. Naming is idempotent: an
// address that already carries a name is never touched, so a second run
// over the same inputs assigns nothing.
func (e *Engine) Run(h *msvc.Hierarchy) (*vtable.Summary, error) {
	if e.doc == nil {
		return nil, vtable.ErrBadDocument
	}
	e.rep.Phase("comparing vtables")
	sum := &vtable.Summary{}
	for _, name := range h.Order {
		cls := h.Classes[name]
		if !cls.HasFuncs() {
			continue
		}
		e.reconcileClass(cls, sum)
	}
	sum.Diagnostics = e.diags.Diagnostics()
	return sum, nil
}

// lookupTables finds a class's Itanium tables by exact name, then through
// the documented normalization passes. The confidence flag records whether
// a fallback produced the match.
func (e *Engine) lookupTables(name string) (interchange.Tables, vtable.Confidence, bool) {
	if t, ok := e.doc.Lookup(name); ok {
		return t, vtable.Certain, true
	}
	fixed := cxx.NormalizeClassName(name)
	if t, ok := e.doc.Lookup(fixed); ok {
		return t, vtable.BestEffort, true
	}
	fixed = cxx.CollapsePointerSpace(fixed)
	if t, ok := e.doc.Lookup(fixed); ok {
		return t, vtable.BestEffort, true
	}
	return nil, vtable.Certain, false
}

func (e *Engine) reconcileClass(cls *vtable.VirtualClass, sum *vtable.Summary) {
	tables, conf, ok := e.lookupTables(cls.Name)
	if !ok {
		log.Debugf("%s not found in interchange document, skipping", cls.Name)
		return
	}
	if conf == vtable.BestEffort {
		e.diags.ReportBestEffort(vtable.NameResolutionFailure, cls.Name, 0,
			"class matched only after name normalization")
	}

	// Pair offset groups ascending. The document stores offsets with their
	// sign; the MSVC side records magnitudes, so pairing compares absolute
	// values.
	linOffs := tables.Offsets()
	winOffs := cls.Offsets()
	if len(linOffs) != len(winOffs) {
		// Partial reconciliation risks silently wrong names, so a count
		// mismatch skips the whole class.
		e.diags.Reportf(vtable.SizeMismatch, cls.Name, 0,
			"vtable group count mismatch: L%d W%d, skipping", len(linOffs), len(winOffs))
		sum.ClassesSkipped++
		return
	}

	adapted := make([][]*vtable.VirtualFunction, len(linOffs))
	for i, off := range linOffs {
		group, err := e.adaptGroup(cls, tables[off])
		if err != nil {
			e.diags.Reportf(vtable.StructuralAmbiguity, cls.Name, 0, "%v", err)
			sum.ClassesSkipped++
			return
		}
		adapted[i] = group
	}

	winGroups := make([][]*vtable.VirtualFunction, len(winOffs))
	for i, off := range winOffs {
		winGroups[i] = cls.Funcs[off]
	}

	if len(winOffs) > 1 {
		e.collapseThunks(cls, adapted, winGroups)
	}

	for i := range adapted {
		if len(adapted[i]) != len(winGroups[i]) {
			e.diags.Reportf(vtable.SizeMismatch, cls.Name, 0,
				"vtable [W%d/L%d] may be wrong: L%d - W%d = %d",
				winOffs[i], linOffs[i], len(adapted[i]), len(winGroups[i]),
				len(adapted[i])-len(winGroups[i]))
		}
	}

	sum.ClassesMatched++
	sum.FunctionsNamed += e.assignNames(adapted, winGroups)
}

// adaptGroup turns one Itanium offset group into MSVC slot order: mark
// inherited entries, drop the extra destructor variant, reorder overloads,
// and record post-names for derived classes' inherited-detection.
func (e *Engine) adaptGroup(cls *vtable.VirtualClass, mangled []string) ([]*vtable.VirtualFunction, error) {
	funcs := make([]*vtable.VirtualFunction, 0, len(mangled))
	for _, m := range mangled {
		demangled, _ := e.as.Demangle(m)
		f := vtable.NewFunction(0, m, demangled)
		f.Inherited = cls.InheritsName(f.PostName)
		funcs = append(funcs, f)
	}

	// The Itanium ABI emits a destructor variant the MSVC side does not
	// have; drop the first destructor entry.
	for i, f := range funcs {
		if f.IsDestructor() {
			funcs = append(funcs[:i], funcs[i+1:]...)
			break
		}
	}

	// The two ABIs emit declared overloads in opposite relative order. The
	// first occurrence of an overload key stays put; every later entry with
	// the same key moves to immediately follow it. Inherited entries, pure
	// stubs and unnamed entries do not participate.
	seen := make(map[string]bool)
	for i := 0; i < len(funcs); i++ {
		f := funcs[i]
		if f.Inherited || f.IsPureStub() || f.DemangledName == "" {
			continue
		}
		if !seen[f.OverloadKey] {
			seen[f.OverloadKey] = true
			continue
		}
		first := -1
		for k := 0; k < i; k++ {
			if funcs[k].OverloadKey == f.OverloadKey {
				first = k
				break
			}
		}
		if first == -1 {
			return nil, fmt.Errorf("overload %q (%s) marked present but no earlier occurrence found",
				f.OverloadKey, f.MangledName)
		}
		funcs = append(funcs[:i], funcs[i+1:]...)
		funcs = append(funcs[:first+1],
			append([]*vtable.VirtualFunction{f}, funcs[first+1:]...)...)
	}

	for _, f := range funcs {
		cls.AddPostName(f.PostName)
	}
	return funcs, nil
}

// collapseThunks resolves slot identity between the primary (offset-0)
// group and each secondary group. A secondary slot whose code is just an
// unconditional jump into the primary MSVC table is a forwarding thunk and
// shares the primary entry's identity; genuinely separate code keeps its
// own entry.
func (e *Engine) collapseThunks(cls *vtable.VirtualClass, adapted, winGroups [][]*vtable.VirtualFunction) {
	main := adapted[0]
	primaryAddrs := make(map[uint64]bool, len(winGroups[0]))
	for _, f := range winGroups[0] {
		primaryAddrs[f.Address] = true
	}

	for g := 1; g < len(adapted); g++ {
		ltable := adapted[g]
		wtable := winGroups[g]

		// Secondary groups keep exactly one destructor entry.
		dtors := 0
		for i, f := range ltable {
			if f.IsDestructor() {
				dtors++
				if dtors > 1 {
					ltable = append(ltable[:i], ltable[i+1:]...)
					break
				}
			}
		}
		adapted[g] = ltable

		for i, f := range main {
			if f.IsPureStub() {
				continue
			}
			if i == 0 && f.IsDestructor() {
				continue
			}
			if f.PostName == "" {
				continue
			}
			// Secondary entries demangle with a thunk prefix, so the
			// post-name is the only part shared with the primary entry.
			thunkidx := -1
			for u := range ltable {
				if ltable[u].PostName == f.PostName {
					thunkidx = u
					break
				}
			}
			if thunkidx == -1 {
				continue
			}
			if thunkidx >= len(wtable) {
				e.diags.Reportf(vtable.StructuralAmbiguity, cls.Name, 0,
					"anomalous thunk %s::%s: W%d L%d idx %d",
					cls.Name, f.PostName, len(wtable), len(ltable), thunkidx)
				continue
			}
			if e.isForwardingThunk(wtable[thunkidx].Address, primaryAddrs) {
				ltable[thunkidx] = f
			}
		}
	}
}

// isForwardingThunk reports whether the function at addr is only an
// unconditional jump into the primary table. Thunks adjust the this
// pointer first, so at most two instructions are probed, bounded by the
// function end.
func (e *Engine) isForwardingThunk(addr uint64, primaryAddrs map[uint64]bool) bool {
	fn, ok := e.as.FunctionAt(addr)
	if !ok {
		return false
	}
	insn, ok := e.as.DecodeInstructionAt(addr)
	if !ok {
		return false
	}
	if insn.Kind != addrspace.InsnJump {
		if insn.Length <= 0 {
			return false
		}
		next := addr + uint64(insn.Length)
		if next >= fn.End {
			return false
		}
		insn, ok = e.as.DecodeInstructionAt(next)
		if !ok || insn.Kind != addrspace.InsnJump {
			return false
		}
	}
	return primaryAddrs[insn.Target]
}

// assignNames writes the adapted names onto the MSVC addresses. Stubs,
// already-named addresses, non-functions and library functions are left
// untouched; a length mismatch degrades to positional best effort.
func (e *Engine) assignNames(adapted, winGroups [][]*vtable.VirtualFunction) int {
	named := 0
	for g := range adapted {
		wtable := winGroups[g]
		for i, f := range adapted[g] {
			if f.IsPureStub() {
				continue
			}
			if i >= len(wtable) {
				continue
			}
			addr := wtable[i].Address
			if e.as.FlagsAt(addr).HasUserName() {
				continue
			}
			fn, ok := e.as.FunctionAt(addr)
			if !ok || fn.IsLibrary {
				continue
			}
			if err := e.as.SetName(addr, f.MangledName, true); err != nil {
				log.Warnf("failed to name %#x: %v", addr, err)
				continue
			}
			named++
		}
	}
	return named
}
