package vtable

import (
	"fmt"

	"github.com/apex/log"
)

// DiagKind classifies a per-entity failure or fallback.
type DiagKind int

const (
	// StructuralAmbiguity: a COL or type descriptor had an unexpected
	// reference count; the entity was skipped or a single reference followed.
	StructuralAmbiguity DiagKind = iota

	// UnanalyzedMetadata: the host had not flagged a region as structured
	// data; a documented heuristic fallback was attempted.
	UnanalyzedMetadata

	// SizeMismatch: paired vtable groups had different lengths.
	SizeMismatch

	// NameResolutionFailure: a reference's name failed to demangle.
	NameResolutionFailure

	// MissingPrerequisite: a required well-known RTTI symbol was absent.
	MissingPrerequisite
)

func (k DiagKind) String() string {
	switch k {
	case StructuralAmbiguity:
		return "structural-ambiguity"
	case UnanalyzedMetadata:
		return "unanalyzed-metadata"
	case SizeMismatch:
		return "size-mismatch"
	case NameResolutionFailure:
		return "name-resolution-failure"
	case MissingPrerequisite:
		return "missing-prerequisite"
	default:
		return "unknown"
	}
}

// Confidence qualifies a result produced by a named fallback strategy.
type Confidence int

const (
	// Certain results came from fully analyzed, well-formed metadata.
	Certain Confidence = iota

	// BestEffort results came from a documented heuristic and should be
	// verified by the operator.
	BestEffort
)

// Diagnostic is one machine-readable entry in the run's report.
type Diagnostic struct {
	Kind       DiagKind
	Class      string
	Addr       uint64
	Confidence Confidence
	Message    string
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("[%s]", d.Kind)
	if d.Class != "" {
		s += " " + d.Class
	}
	if d.Addr != 0 {
		s += fmt.Sprintf(" @ %#x", d.Addr)
	}
	return s + ": " + d.Message
}

// Summary is returned to the caller at the end of a run instead of mutating
// any process-wide state.
type Summary struct {
	ClassesMatched int
	ClassesSkipped int
	FunctionsNamed int
	Diagnostics    []Diagnostic
}

// Collector accumulates diagnostics for a single run. It is created per run
// and threaded through the walkers and the engine; it is not safe for
// concurrent use and does not need to be.
type Collector struct {
	logger log.Interface
	diags  []Diagnostic
}

// NewCollector returns a run-scoped collector logging through the given
// apex/log interface. A nil logger uses the package default.
func NewCollector(logger log.Interface) *Collector {
	if logger == nil {
		logger = log.Log
	}
	return &Collector{logger: logger}
}

// Report records a diagnostic and logs it at warning level.
func (c *Collector) Report(d Diagnostic) {
	c.diags = append(c.diags, d)
	c.logger.WithField("kind", d.Kind.String()).Warn(d.String())
}

// Reportf records a diagnostic built from a format string.
func (c *Collector) Reportf(kind DiagKind, class string, addr uint64, format string, args ...any) {
	c.Report(Diagnostic{
		Kind:    kind,
		Class:   class,
		Addr:    addr,
		Message: fmt.Sprintf(format, args...),
	})
}

// ReportBestEffort records a diagnostic for a fallback that succeeded but
// should be verified by the operator.
func (c *Collector) ReportBestEffort(kind DiagKind, class string, addr uint64, format string, args ...any) {
	c.Report(Diagnostic{
		Kind:       kind,
		Class:      class,
		Addr:       addr,
		Confidence: BestEffort,
		Message:    fmt.Sprintf(format, args...),
	})
}

// Diagnostics returns everything recorded so far.
func (c *Collector) Diagnostics() []Diagnostic {
	return c.diags
}
