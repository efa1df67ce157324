package addrspace

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Snapshot is the JSON form of a MapSpace: an export of the host database
// covering the regions the walkers need. Entries are sorted on write so
// snapshots diff cleanly.
type Snapshot struct {
	PointerSize  int               `json:"pointer_size"`
	Segments     []Segment         `json:"segments,omitempty"`
	Flags        []FlagEntry       `json:"flags,omitempty"`
	Names        []NameEntry       `json:"names,omitempty"`
	Xrefs        []XrefEntry       `json:"xrefs,omitempty"`
	Functions    []FunctionInfo    `json:"functions,omitempty"`
	Demangled    map[string]string `json:"demangled,omitempty"`
	Instructions []InsnEntry       `json:"instructions,omitempty"`
}

// Segment is a contiguous run of mapped bytes.
type Segment struct {
	Addr uint64 `json:"addr"`
	Data []byte `json:"data"`
}

// FlagEntry records the analysis flags at one address.
type FlagEntry struct {
	Addr  uint64 `json:"addr"`
	Flags Flags  `json:"flags"`
}

// NameEntry records a name at one address.
type NameEntry struct {
	Addr uint64 `json:"addr"`
	Name string `json:"name"`
}

// XrefEntry records one cross-reference.
type XrefEntry struct {
	To   uint64   `json:"to"`
	From uint64   `json:"from"`
	Kind XrefKind `json:"kind"`
}

// InsnEntry records one decoded instruction.
type InsnEntry struct {
	Addr uint64      `json:"addr"`
	Insn Instruction `json:"insn"`
}

// FromSnapshot builds a MapSpace from a snapshot.
func FromSnapshot(s *Snapshot) (*MapSpace, error) {
	if s.PointerSize != 4 && s.PointerSize != 8 {
		return nil, fmt.Errorf("addrspace: bad pointer size %d in snapshot", s.PointerSize)
	}
	m := NewMapSpace(s.PointerSize)
	for _, seg := range s.Segments {
		m.MapBytes(seg.Addr, seg.Data)
	}
	for _, fe := range s.Flags {
		m.flags[fe.Addr] = fe.Flags
	}
	for _, ne := range s.Names {
		m.names[ne.Addr] = ne.Name
		m.symbols[ne.Name] = ne.Addr
	}
	for _, xe := range s.Xrefs {
		m.AddXref(xe.To, xe.From, xe.Kind)
	}
	for _, fi := range s.Functions {
		m.funcs = append(m.funcs, fi)
	}
	sort.Slice(m.funcs, func(i, j int) bool { return m.funcs[i].Start < m.funcs[j].Start })
	for mangled, demangled := range s.Demangled {
		m.demangled[mangled] = demangled
	}
	for _, ie := range s.Instructions {
		m.insns[ie.Addr] = ie.Insn
	}
	return m, nil
}

// Snapshot exports the space back into its serializable form.
func (m *MapSpace) Snapshot() *Snapshot {
	s := &Snapshot{PointerSize: m.ptrSize}

	addrs := make([]uint64, 0, len(m.mem))
	for addr := range m.mem {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for i := 0; i < len(addrs); {
		start := addrs[i]
		j := i + 1
		for j < len(addrs) && addrs[j] == addrs[j-1]+1 {
			j++
		}
		data := make([]byte, j-i)
		for k := i; k < j; k++ {
			data[k-i] = m.mem[addrs[k]]
		}
		s.Segments = append(s.Segments, Segment{Addr: start, Data: data})
		i = j
	}

	for addr, f := range m.flags {
		if f != 0 {
			s.Flags = append(s.Flags, FlagEntry{Addr: addr, Flags: f})
		}
	}
	sort.Slice(s.Flags, func(i, j int) bool { return s.Flags[i].Addr < s.Flags[j].Addr })

	for addr, name := range m.names {
		s.Names = append(s.Names, NameEntry{Addr: addr, Name: name})
	}
	sort.Slice(s.Names, func(i, j int) bool { return s.Names[i].Addr < s.Names[j].Addr })

	tos := make([]uint64, 0, len(m.xrefs))
	for to := range m.xrefs {
		tos = append(tos, to)
	}
	sort.Slice(tos, func(i, j int) bool { return tos[i] < tos[j] })
	for _, to := range tos {
		for _, x := range m.xrefs[to] {
			s.Xrefs = append(s.Xrefs, XrefEntry{To: to, From: x.from, Kind: x.kind})
		}
	}

	s.Functions = append(s.Functions, m.funcs...)

	if len(m.demangled) > 0 {
		s.Demangled = make(map[string]string, len(m.demangled))
		for k, v := range m.demangled {
			s.Demangled[k] = v
		}
	}

	insnAddrs := make([]uint64, 0, len(m.insns))
	for addr := range m.insns {
		insnAddrs = append(insnAddrs, addr)
	}
	sort.Slice(insnAddrs, func(i, j int) bool { return insnAddrs[i] < insnAddrs[j] })
	for _, addr := range insnAddrs {
		s.Instructions = append(s.Instructions, InsnEntry{Addr: addr, Insn: m.insns[addr]})
	}

	return s
}

// LoadSnapshot reads a snapshot file and builds a MapSpace from it.
func LoadSnapshot(path string) (*MapSpace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("addrspace: failed to read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("addrspace: failed to parse snapshot: %w", err)
	}
	return FromSnapshot(&s)
}

// SaveSnapshot writes the space out as a snapshot file.
func (m *MapSpace) SaveSnapshot(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "    ")
	if err != nil {
		return fmt.Errorf("addrspace: failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("addrspace: failed to write snapshot: %w", err)
	}
	return nil
}
