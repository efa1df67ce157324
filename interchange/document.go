// Package interchange defines the document that crosses the two
// invocations: for every class, the ordered mangled virtual-function names
// found at each sub-object offset. The JSON form is the only channel
// between the Itanium extraction and the MSVC application pass, so it must
// round-trip losslessly and diff cleanly.
package interchange

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/skdltmxn/vtable-go/vtable"
)

// Tables maps a sub-object offset to the ordered mangled function names of
// the vtable found at that placement.
type Tables map[int64][]string

// Document maps a demangled class name to its vtable tables.
type Document map[string]Tables

// Add appends a vtable's function names under a class and offset.
func (d Document) Add(class string, offset int64, funcs []string) {
	t, ok := d[class]
	if !ok {
		t = make(Tables)
		d[class] = t
	}
	t[offset] = funcs
}

// Lookup returns the tables for a class name, exactly as stored.
func (d Document) Lookup(class string) (Tables, bool) {
	t, ok := d[class]
	return t, ok
}

// Offsets returns a table's offsets sorted ascending by absolute value.
// Offsets are persisted with their sign but paired against MSVC layouts by
// magnitude, since the MSVC side records displacements from the top of the
// object.
func (t Tables) Offsets() []int64 {
	offs := make([]int64, 0, len(t))
	for off := range t {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return abs(offs[i]) < abs(offs[j]) })
	return offs
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// MarshalJSON encodes offsets as base-10 signed-integer strings. Map keys
// are emitted sorted, which keeps written documents stable.
func (t Tables) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(t))
	for off, funcs := range t {
		out[strconv.FormatInt(off, 10)] = funcs
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes string-encoded signed offsets.
func (t *Tables) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Tables, len(raw))
	for key, funcs := range raw {
		off, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad offset key %q", vtable.ErrBadDocument, key)
		}
		out[off] = funcs
	}
	*t = out
	return nil
}

// Write encodes the document with 4-space indentation and sorted keys.
func (d Document) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("interchange: failed to encode document: %w", err)
	}
	return nil
}

// Read decodes a document.
func Read(r io.Reader) (Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", vtable.ErrBadDocument, err)
	}
	return d, nil
}

// Save writes the document to a file.
func (d Document) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("interchange: failed to create %s: %w", path, err)
	}
	defer f.Close()
	return d.Write(f)
}

// Load reads a document from a file.
func Load(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("interchange: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}
