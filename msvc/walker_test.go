package msvc

import (
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/go-cmp/cmp"

	"github.com/skdltmxn/vtable-go/addrspace"
	"github.com/skdltmxn/vtable-go/vtable"
)

func quietCollector() *vtable.Collector {
	return vtable.NewCollector(&log.Logger{Handler: discard.Default})
}

// newSpace builds a 32-bit image with three classes:
//
//	Zeta   base class, vtable slots at 0x4004
//	Alpha  derived from Zeta, plus a Ghost base the image kept no
//	       descriptor for
//	Empty  a type descriptor with no locator at all
//
// The base names sort after the derived name on purpose: hierarchy order
// must come from the descriptor chain, not from name order.
func newSpace() *addrspace.MapSpace {
	m := addrspace.NewMapSpace(4)

	m.AddName(0x1000, TypeInfoVtableSymbol, true)

	addFn := func(addr uint64, name string) {
		m.AddFunction(addrspace.FunctionInfo{Start: addr, End: addr + 0x40})
		m.AddName(addr, name, false)
	}
	addFn(0x5000, "sub_5000")
	addFn(0x5100, "sub_5100")
	addFn(0x5200, "sub_5200")
	addFn(0x5300, "sub_5300")

	// Zeta type descriptor.
	m.PutPointer(0x2000, 0x1000)
	m.AddName(0x2000, "??_R0?AVZeta@@@8", true)
	m.AddDemangled("??_R0?AVZeta@@@8", "class Zeta `RTTI Type Descriptor'")

	// Zeta locator, hierarchy descriptor and base class array.
	m.AddName(0x3000, "??_R4Zeta@@6B@", true)
	m.PutU32(0x3000, 0) // signature
	m.PutU32(0x3004, 0) // offset
	m.PutU32(0x3008, 0) // constructor displacement
	m.PutPointer(0x300c, 0x2000)
	m.PutPointer(0x3010, 0x3100)

	m.PutU32(0x3100, 0)
	m.PutU32(0x3104, 0)
	m.PutU32(0x3108, 1)
	m.PutPointer(0x310c, 0x3200)

	m.PutPointer(0x3200, 0x3300) // base class array: [0] = Zeta itself

	m.PutPointer(0x3300, 0x2000)
	m.AddName(0x3300, "??_R1A@?0A@EA@Zeta@@8", true)
	m.AddDemangled("??_R1A@?0A@EA@Zeta@@8",
		"Zeta::`RTTI Base Class Descriptor at (0,-1,0,64)'")

	// Zeta vtable: locator cell, then two slots.
	m.PutPointer(0x4000, 0x3000)
	m.PutPointer(0x4004, 0x5000)
	m.PutPointer(0x4008, 0x5100)

	// Alpha type descriptor.
	m.PutPointer(0x2100, 0x1000)
	m.AddName(0x2100, "??_R0?AVAlpha@@@8", true)
	m.AddDemangled("??_R0?AVAlpha@@@8", "class Alpha `RTTI Type Descriptor'")

	m.AddName(0x3400, "??_R4Alpha@@6B@", true)
	m.PutU32(0x3400, 0)
	m.PutU32(0x3404, 0)
	m.PutU32(0x3408, 0)
	m.PutPointer(0x340c, 0x2100)
	m.PutPointer(0x3410, 0x3500)

	m.PutU32(0x3500, 0)
	m.PutU32(0x3504, 0)
	m.PutU32(0x3508, 3)
	m.PutPointer(0x350c, 0x3600)

	m.PutPointer(0x3600, 0x3700) // [0] Alpha itself
	m.PutPointer(0x3604, 0x3300) // [1] Zeta
	m.PutPointer(0x3608, 0x3800) // [2] Ghost, descriptor never kept

	m.PutPointer(0x3700, 0x2100)
	m.AddName(0x3700, "??_R1A@?0A@EA@Alpha@@8", true)
	m.AddDemangled("??_R1A@?0A@EA@Alpha@@8",
		"Alpha::`RTTI Base Class Descriptor at (0,-1,0,64)'")

	m.AddName(0x3800, "??_R1A@?0A@EA@Ghost@@8", true)
	m.AddDemangled("??_R1A@?0A@EA@Ghost@@8",
		"Ghost::`RTTI Base Class Descriptor at (8,-1,0,64)'")

	// Alpha vtable.
	m.PutPointer(0x4100, 0x3400)
	m.PutPointer(0x4104, 0x5200)
	m.PutPointer(0x4108, 0x5300)

	// Empty: RTTI survives but no vtable was emitted.
	m.PutPointer(0x2300, 0x1000)
	m.AddName(0x2300, "??_R0?AVEmpty@@@8", true)
	m.AddDemangled("??_R0?AVEmpty@@@8", "class Empty `RTTI Type Descriptor'")

	// A catchable type record referencing Zeta's descriptor; its reference
	// must not be mistaken for a locator.
	m.AddName(0x3b00, "__CT??_R0?AVZeta@@@84", true)
	m.PutPointer(0x3b04, 0x2000)

	return m
}

func TestScan(t *testing.T) {
	w := NewWalker(newSpace(), quietCollector(), nil)
	tis, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	for _, name := range []string{"Zeta", "Alpha", "Empty"} {
		if _, ok := tis[name]; !ok {
			t.Fatalf("missing class %s: %v", name, tis)
		}
	}

	// Zeta's descriptor is referenced by its locator, its base class
	// descriptor and a catchable type record; only the locator survives.
	want := []ColRecord{{Addr: 0x3000, Vtable: 0x4004}}
	if diff := cmp.Diff(want, tis["Zeta"].Cols); diff != "" {
		t.Errorf("Zeta locators mismatch (-want +got):\n%s", diff)
	}
	if got := tis["Alpha"].Cols; len(got) != 1 || got[0].Vtable != 0x4104 {
		t.Errorf("Alpha locators = %+v, want one with vtable 0x4104", got)
	}
	if got := tis["Empty"].Cols; len(got) != 0 {
		t.Errorf("Empty locators = %+v, want none", got)
	}
}

func TestScanMissingAnchor(t *testing.T) {
	w := NewWalker(addrspace.NewMapSpace(4), quietCollector(), nil)
	_, err := w.Scan()
	if !errors.Is(err, vtable.ErrMissingPrerequisite) {
		t.Errorf("err = %v, want ErrMissingPrerequisite", err)
	}
}

// newUnanalyzedSpace builds a class whose locator the host left completely
// unanalyzed. withFunc controls whether the putative vtable's second slot
// holds a real function, which decides the fallback.
func newUnanalyzedSpace(withFunc bool) *addrspace.MapSpace {
	m := addrspace.NewMapSpace(4)
	m.AddName(0x1000, TypeInfoVtableSymbol, true)

	m.PutPointer(0x2000, 0x1000)
	m.AddName(0x2000, "??_R0?AVGamma@@@8", true)
	m.AddDemangled("??_R0?AVGamma@@@8", "class Gamma `RTTI Type Descriptor'")

	// Raw locator bytes with no flags and no name.
	m.MapBytes(0x3000, make([]byte, 12))
	m.MapBytes(0x300c, []byte{0x00, 0x20, 0x00, 0x00}) // -> 0x2000
	m.AddXref(0x2000, 0x300c, addrspace.XrefData)
	m.MapBytes(0x3010, []byte{0x00, 0x31, 0x00, 0x00}) // -> 0x3100

	m.PutU32(0x3100, 0)
	m.PutU32(0x3104, 0)
	m.PutU32(0x3108, 1)
	m.PutPointer(0x310c, 0x3200)
	m.PutPointer(0x3200, 0x3300)
	m.PutPointer(0x3300, 0x2000)
	m.AddName(0x3300, "??_R1A@?0A@EA@Gamma@@8", true)
	m.AddDemangled("??_R1A@?0A@EA@Gamma@@8",
		"Gamma::`RTTI Base Class Descriptor at (0,-1,0,64)'")

	m.PutPointer(0x4000, 0x3000)
	m.PutPointer(0x4004, 0x5000)
	m.PutPointer(0x4008, 0x5100)
	if withFunc {
		m.AddFunction(addrspace.FunctionInfo{Start: 0x5100, End: 0x5140})
	}
	m.AddFunction(addrspace.FunctionInfo{Start: 0x5000, End: 0x5040})
	m.AddName(0x5000, "sub_5000", false)
	m.AddName(0x5100, "sub_5100", false)

	return m
}

func TestScanUnanalyzedLocatorFallback(t *testing.T) {
	diags := quietCollector()
	w := NewWalker(newUnanalyzedSpace(true), diags, nil)
	tis, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	cols := tis["Gamma"].Cols
	if len(cols) != 1 || !cols[0].Heuristic {
		t.Fatalf("Gamma locators = %+v, want one heuristic locator", cols)
	}
	if cols[0].Vtable != 0x4004 {
		t.Errorf("vtable = %#x, want 0x4004", cols[0].Vtable)
	}

	found := false
	for _, d := range diags.Diagnostics() {
		if d.Kind == vtable.UnanalyzedMetadata && d.Confidence == vtable.BestEffort {
			found = true
		}
	}
	if !found {
		t.Error("fallback acceptance must record a best-effort diagnostic")
	}
}

func TestScanUnanalyzedLocatorRejected(t *testing.T) {
	w := NewWalker(newUnanalyzedSpace(false), quietCollector(), nil)
	tis, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := tis["Gamma"].Cols; len(got) != 0 {
		t.Errorf("Gamma locators = %+v, want none", got)
	}
}

func TestBuildHierarchy(t *testing.T) {
	m := newSpace()
	diags := quietCollector()
	w := NewWalker(m, diags, nil)
	tis, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	h := NewBuilder(m, tis, diags, nil).Build()

	if diff := cmp.Diff([]string{"Zeta", "Alpha", "Empty"}, h.Order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	alpha := h.Classes["Alpha"]
	if _, ok := alpha.Bases["Zeta"]; !ok {
		t.Errorf("Alpha bases = %v, want Zeta", alpha.Bases)
	}
	if _, ok := alpha.Bases["Ghost"]; ok {
		t.Error("Ghost has no type descriptor and must not resolve as a base")
	}
	if _, ok := h.Classes["Ghost"]; ok {
		t.Error("Ghost must not be registered")
	}

	wantAddrs := func(cls string, addrs []uint64) {
		t.Helper()
		var got []uint64
		for _, f := range h.Classes[cls].Funcs[0] {
			got = append(got, f.Address)
		}
		if diff := cmp.Diff(addrs, got); diff != "" {
			t.Errorf("%s slots mismatch (-want +got):\n%s", cls, diff)
		}
	}
	wantAddrs("Zeta", []uint64{0x5000, 0x5100})
	wantAddrs("Alpha", []uint64{0x5200, 0x5300})

	if h.Classes["Empty"].HasFuncs() {
		t.Error("Empty must register with no function data")
	}
}

func TestStripTypeDescriptorName(t *testing.T) {
	got := stripTypeDescriptorName("class std::bad_alloc `RTTI Type Descriptor'")
	if got != "std::bad_alloc" {
		t.Errorf("stripTypeDescriptorName = %q", got)
	}
}
