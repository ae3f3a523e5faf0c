// Package snapshot captures the memory layout of a process to disk and scans
// it offline.
//
// A snapshot is a directory holding snapshot.yaml and the binary blobs it
// refers to: region contents under mem/ and copies of backing files under
// files/.
package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/memscan/pkg/memory"
)

const DocumentName = "snapshot.yaml"

type Document struct {
	PID          int               `yaml:"pid"`
	Is64         bool              `yaml:"is64"`
	ImageBase    Hex               `yaml:"image_base,omitempty"`
	Regions      []Region          `yaml:"regions"`
	Threads      []Thread          `yaml:"threads,omitempty"`
	Heaps        []Span            `yaml:"heaps,omitempty"`
	ManagedHeaps []Span            `yaml:"managed_heaps,omitempty"`
	Modules      []Module          `yaml:"modules,omitempty"`
	Files        map[string]string `yaml:"files,omitempty"`
}

type Region struct {
	Base              Hex        `yaml:"base"`
	AllocationBase    Hex        `yaml:"allocation_base"`
	AllocationProtect Protection `yaml:"allocation_protect,omitempty"`
	Size              Hex        `yaml:"size"`
	State             State      `yaml:"state"`
	Protect           Protection `yaml:"protect,omitempty"`
	Type              Type       `yaml:"type,omitempty"`
	PrivateSize       uint64     `yaml:"private_size,omitempty"`
	// Path is the file backing the allocation the region belongs to.
	Path string `yaml:"path,omitempty"`
	// Data names the blob holding the region content, relative to the
	// snapshot directory.
	Data string `yaml:"data,omitempty"`
}

func (r Region) Info() memory.RegionInfo {
	return memory.RegionInfo{
		BaseAddress:       memory.Address(r.Base),
		AllocationBase:    memory.Address(r.AllocationBase),
		AllocationProtect: memory.Protection(r.AllocationProtect),
		RegionSize:        uint64(r.Size),
		State:             memory.State(r.State),
		Protect:           memory.Protection(r.Protect),
		Type:              memory.Type(r.Type),
	}
}

func regionFromInfo(info memory.RegionInfo) Region {
	return Region{
		Base:              Hex(info.BaseAddress),
		AllocationBase:    Hex(info.AllocationBase),
		AllocationProtect: Protection(info.AllocationProtect),
		Size:              Hex(info.RegionSize),
		State:             State(info.State),
		Protect:           Protection(info.Protect),
		Type:              Type(info.Type),
	}
}

type Thread struct {
	ID    uint32 `yaml:"id"`
	Stack Span   `yaml:"stack,omitempty"`
	TEB   Hex    `yaml:"teb,omitempty"`
}

type Span struct {
	Start Hex `yaml:"start"`
	End   Hex `yaml:"end"`
}

func (s Span) Range() memory.Range {
	return memory.Range{Start: memory.Address(s.Start), End: memory.Address(s.End)}
}

func spanOf(r memory.Range) Span {
	return Span{Start: Hex(r.Start), End: Hex(r.End)}
}

func (s Span) IsZero() bool { return s.Start == 0 && s.End == 0 }

type Module struct {
	Base       Hex    `yaml:"base"`
	EntryPoint Hex    `yaml:"entry_point,omitempty"`
	Path       string `yaml:"path"`
	Name       string `yaml:"name"`
	Size       uint32 `yaml:"size"`
}

// Hex is an integer written in hexadecimal.
type Hex uint64

func (h Hex) MarshalYAML() (interface{}, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("0x%x", uint64(h))}, nil
}

func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	v, err := strconv.ParseUint(n.Value, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "line %d", n.Line)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) IsZero() bool { return h == 0 }

// Protection is written with the short symbols of memory.ProtectSymbol.
type Protection memory.Protection

var baseProtections = []memory.Protection{
	memory.PageNoAccess,
	memory.PageReadOnly,
	memory.PageReadWrite,
	memory.PageWriteCopy,
	memory.PageExecute,
	memory.PageExecuteRead,
	memory.PageExecuteReadWrite,
	memory.PageExecuteWriteCopy,
}

var protectModifiers = map[string]memory.Protection{
	"G":  memory.PageGuard,
	"NC": memory.PageNoCache,
	"WC": memory.PageWriteCombine,
}

func (p Protection) MarshalYAML() (interface{}, error) {
	sym := memory.ProtectSymbol(memory.Protection(p))
	if sym == "?" {
		return uint32(p), nil
	}
	return sym, nil
}

func (p *Protection) UnmarshalYAML(n *yaml.Node) error {
	if v, err := strconv.ParseUint(n.Value, 0, 32); err == nil {
		*p = Protection(v)
		return nil
	}
	if n.Value == "-" {
		*p = 0
		return nil
	}
	parts := strings.Split(n.Value, "+")
	var res memory.Protection
	for _, b := range baseProtections {
		if memory.ProtectSymbol(b) == parts[0] {
			res = b
			break
		}
	}
	if res == 0 {
		return errors.Errorf("line %d: unknown protection %q", n.Line, n.Value)
	}
	for _, m := range parts[1:] {
		mod, ok := protectModifiers[m]
		if !ok {
			return errors.Errorf("line %d: unknown protection modifier %q", n.Line, m)
		}
		res |= mod
	}
	*p = Protection(res)
	return nil
}

func (p Protection) IsZero() bool { return p == 0 }

type State memory.State

var states = []memory.State{memory.MemCommit, memory.MemReserve, memory.MemFree}

func (s State) MarshalYAML() (interface{}, error) {
	return symbolOrNumber(memory.StateSymbol(memory.State(s)), uint32(s)), nil
}

func (s *State) UnmarshalYAML(n *yaml.Node) error {
	v, err := parseSymbol(n, len(states), func(i int) (string, uint32) {
		return memory.StateSymbol(states[i]), uint32(states[i])
	})
	*s = State(v)
	return err
}

type Type memory.Type

var types = []memory.Type{memory.MemPrivate, memory.MemMapped, memory.MemImage}

func (t Type) MarshalYAML() (interface{}, error) {
	return symbolOrNumber(memory.TypeSymbol(memory.Type(t)), uint32(t)), nil
}

func (t *Type) UnmarshalYAML(n *yaml.Node) error {
	v, err := parseSymbol(n, len(types), func(i int) (string, uint32) {
		return memory.TypeSymbol(types[i]), uint32(types[i])
	})
	*t = Type(v)
	return err
}

func (t Type) IsZero() bool { return t == 0 }

func symbolOrNumber(sym string, v uint32) interface{} {
	if sym == "?" {
		return v
	}
	return sym
}

func parseSymbol(n *yaml.Node, count int, at func(int) (string, uint32)) (uint32, error) {
	if v, err := strconv.ParseUint(n.Value, 0, 32); err == nil {
		return uint32(v), nil
	}
	for i := 0; i < count; i++ {
		if sym, v := at(i); sym == n.Value {
			return v, nil
		}
	}
	return 0, errors.Errorf("line %d: unknown value %q", n.Line, n.Value)
}
