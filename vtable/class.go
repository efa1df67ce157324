package vtable

import (
	"sort"

	"github.com/skdltmxn/vtable-go/internal/cxx"
)

// VirtualFunction is a single vtable slot. On the Itanium side it carries a
// mangled name recovered from the binary's symbols; on the MSVC side it
// carries only a machine address until reconciliation assigns the name.
type VirtualFunction struct {
	Address       uint64
	MangledName   string
	DemangledName string // demangled form, or the mangled name if demangling failed
	PostName      string // name with class qualification stripped
	OverloadKey   string // post-name before the argument list
	Inherited     bool   // set when the post-name already appears in a base class
}

// NewFunction builds a VirtualFunction from a mangled name and its demangled
// form. Either name may be empty; the derived fields are computed from
// whatever is available.
func NewFunction(addr uint64, mangled, demangled string) *VirtualFunction {
	f := &VirtualFunction{
		Address:     addr,
		MangledName: mangled,
	}
	if mangled != "" {
		if demangled == "" {
			demangled = mangled
		}
		f.DemangledName = demangled
		f.PostName = cxx.PostName(demangled)
		f.OverloadKey = cxx.OverloadKey(f.PostName)
	}
	return f
}

// IsDestructor reports whether the slot holds a destructor.
func (f *VirtualFunction) IsDestructor() bool {
	return cxx.IsDestructor(f.DemangledName)
}

// IsPureStub reports whether the slot holds a pure-virtual placeholder.
func (f *VirtualFunction) IsPureStub() bool {
	return cxx.IsPureStub(f.MangledName)
}

// VirtualClass is one class recovered from RTTI. Identity is the demangled
// class name. A class owns its per-offset function lists and holds shared,
// read-only references to its already-built base classes. Classes are
// populated once during hierarchy resolution and never mutated afterward,
// except for the post-name set which the reconciliation engine fills as it
// resolves each class (bases strictly before derived classes).
type VirtualClass struct {
	Name string

	// Funcs maps a sub-object offset to the ordered vtable slots found at
	// that placement.
	Funcs map[int64][]*VirtualFunction

	// Bases maps a base class name to its already-built class object.
	Bases map[string]*VirtualClass

	postNames map[string]struct{}
}

// NewClass returns an empty class. A class with RTTI but no discoverable
// vtable stays in this state so dependents can still complete base lookups.
func NewClass(name string) *VirtualClass {
	return &VirtualClass{
		Name:      name,
		Funcs:     make(map[int64][]*VirtualFunction),
		Bases:     make(map[string]*VirtualClass),
		postNames: make(map[string]struct{}),
	}
}

// AddBase records an already-built base class.
func (c *VirtualClass) AddBase(base *VirtualClass) {
	c.Bases[base.Name] = base
}

// AddPostName records a resolved function post-name so derived classes can
// detect inherited slots.
func (c *VirtualClass) AddPostName(postName string) {
	if postName != "" {
		c.postNames[postName] = struct{}{}
	}
}

// HasPostName reports whether the class itself resolved a slot with the
// given post-name.
func (c *VirtualClass) HasPostName(postName string) bool {
	_, ok := c.postNames[postName]
	return ok
}

// InheritsName reports whether any base class resolved a slot with the
// given post-name.
func (c *VirtualClass) InheritsName(postName string) bool {
	if postName == "" {
		return false
	}
	for _, base := range c.Bases {
		if base.HasPostName(postName) {
			return true
		}
	}
	return false
}

// HasFuncs reports whether any vtable slots were recovered for the class.
func (c *VirtualClass) HasFuncs() bool {
	return len(c.Funcs) > 0
}

// Offsets returns the class's sub-object offsets in ascending order.
func (c *VirtualClass) Offsets() []int64 {
	offs := make([]int64, 0, len(c.Funcs))
	for off := range c.Funcs {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}
