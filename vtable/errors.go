// Package vtable defines the core data model shared by the RTTI walkers and
// the reconciliation engine: virtual classes, virtual functions, and the
// run-scoped diagnostics they report.
package vtable

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that abort an entire run.
var (
	// ErrMissingPrerequisite indicates a required well-known RTTI symbol
	// (such as the type_info vtable) is absent from the address space.
	ErrMissingPrerequisite = errors.New("vtable: required RTTI symbol not found")

	// ErrNoTypeInfo indicates no type_info records were discovered at all,
	// usually meaning the binary is not C++ or RTTI was stripped.
	ErrNoTypeInfo = errors.New("vtable: no type info found")

	// ErrBadDocument indicates an interchange document that cannot be parsed.
	ErrBadDocument = errors.New("vtable: malformed interchange document")
)

// StructureError reports a malformed or contradictory RTTI structure at a
// specific address. Per-entity structure errors are recorded as diagnostics
// and never abort the run.
type StructureError struct {
	Addr    uint64 // address of the offending record
	Class   string // class being processed, if known
	Message string
	Err     error // underlying error, if any
}

func (e *StructureError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("vtable: %s at %#x (class %s)", e.Message, e.Addr, e.Class)
	}
	return fmt.Sprintf("vtable: %s at %#x", e.Message, e.Addr)
}

func (e *StructureError) Unwrap() error { return e.Err }
