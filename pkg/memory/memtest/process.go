// Package memtest provides in-memory collaborators and PE fixtures for
// tests of the memory package and its consumers.
package memtest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/grafana/memscan/pkg/memory"
)

var ErrUnmapped = errors.New("address not mapped")

type segment struct {
	base memory.Address
	data []byte
}

// Process is a memory.Process over a set of byte segments.
type Process struct {
	Pid  int
	Wide bool

	mu           sync.Mutex
	segments     []segment
	privateSizes map[memory.Address]uint64
	reads        int
}

func NewProcess(pid int, is64 bool) *Process {
	return &Process{Pid: pid, Wide: is64, privateSizes: map[memory.Address]uint64{}}
}

// Write makes data readable at base. Later writes shadow earlier ones.
func (p *Process) Write(base memory.Address, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = append(p.segments, segment{base: base, data: append([]byte(nil), data...)})
}

// SetPrivateSize fixes the answer of QueryPrivateSize for a range starting
// at base.
func (p *Process) SetPrivateSize(base memory.Address, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.privateSizes[base] = size
}

// Reads returns how many ReadMemory calls were served.
func (p *Process) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func (p *Process) PID() int      { return p.Pid }
func (p *Process) Is64Bit() bool { return p.Wide }

func (p *Process) ReadMemory(addr memory.Address, size uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	for i := len(p.segments) - 1; i >= 0; i-- {
		s := p.segments[i]
		end := s.base.Add(uint64(len(s.data)))
		if addr >= s.base && addr.Add(size) <= end {
			off := addr.Sub(s.base)
			return append([]byte(nil), s.data[off:off+size]...), nil
		}
	}
	return nil, errors.Wrapf(ErrUnmapped, "read %s+0x%x", addr, size)
}

func (p *Process) QueryPrivateSize(r memory.Range) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size, ok := p.privateSizes[r.Start]
	if !ok {
		return 0, errors.Wrapf(ErrUnmapped, "working set of %s", r)
	}
	return size, nil
}
