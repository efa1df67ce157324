package vtable

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewFunction(t *testing.T) {
	f := NewFunction(0x1000, "_ZN4Base3getEi", "Base::get(int)")
	if f.PostName != "get(int)" {
		t.Errorf("PostName = %q, want get(int)", f.PostName)
	}
	if f.OverloadKey != "get" {
		t.Errorf("OverloadKey = %q, want get", f.OverloadKey)
	}
	if f.IsDestructor() {
		t.Error("get(int) is not a destructor")
	}

	// Demangling failures keep the mangled name as the readable form.
	f = NewFunction(0x1000, "_ZUnknown", "")
	if f.DemangledName != "_ZUnknown" {
		t.Errorf("DemangledName = %q, want the mangled fallback", f.DemangledName)
	}

	dtor := NewFunction(0, "_ZN4BaseD1Ev", "Base::~Base()")
	if !dtor.IsDestructor() {
		t.Error("~Base() must classify as a destructor")
	}
	stub := NewFunction(0, "__cxa_pure_virtual", "")
	if !stub.IsPureStub() {
		t.Error("__cxa_pure_virtual must classify as a pure stub")
	}
}

func TestInheritsName(t *testing.T) {
	base := NewClass("Base")
	base.AddPostName("f()")

	derived := NewClass("Derived")
	derived.AddBase(base)

	if !derived.InheritsName("f()") {
		t.Error("f() is declared by Base")
	}
	if derived.InheritsName("g()") {
		t.Error("g() is not declared anywhere")
	}
	if derived.InheritsName("") {
		t.Error("empty post-names never match")
	}
	if derived.HasPostName("f()") {
		t.Error("HasPostName must not consult bases")
	}
}

func TestOffsetsAscending(t *testing.T) {
	cls := NewClass("C")
	cls.Funcs[8] = nil
	cls.Funcs[0] = nil
	cls.Funcs[16] = nil
	if diff := cmp.Diff([]int64{0, 8, 16}, cls.Offsets()); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
}
