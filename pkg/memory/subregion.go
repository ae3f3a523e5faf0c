package memory

import (
	"strings"

	"github.com/go-kit/log/level"
)

// Flags classify a subregion. They are not mutually exclusive.
type Flags uint64

const (
	FlagHeap      Flags = 0x1
	FlagStack     Flags = 0x2
	FlagTEB       Flags = 0x4
	FlagDotNet    Flags = 0x8
	FlagBaseImage Flags = 0x10
)

func (f Flags) String() string {
	var a [5]string
	b := a[:0]
	if f&FlagHeap != 0 {
		b = append(b, "Heap")
	}
	if f&FlagStack != 0 {
		b = append(b, "Stack")
	}
	if f&FlagTEB != 0 {
		b = append(b, "TEB")
	}
	if f&FlagDotNet != 0 {
		b = append(b, "DotNet")
	}
	if f&FlagBaseImage != 0 {
		b = append(b, "BaseImage")
	}
	if len(b) == 0 {
		return "None"
	}
	return strings.Join(b, "|")
}

// SubregionID indexes a Subregion inside its Snapshot.
type SubregionID int

// ThreadID indexes a Thread inside its Snapshot.
type ThreadID int

// A Subregion wraps one OS-reported region descriptor plus facts derived
// at scan time.
type Subregion struct {
	id       SubregionID
	info     RegionInfo
	snapshot *Snapshot

	threads     []ThreadID
	privateSize uint64
	flags       Flags
}

func (s *Subregion) ID() SubregionID  { return s.id }
func (s *Subregion) Info() RegionInfo { return s.info }
func (s *Subregion) Base() Address    { return s.info.BaseAddress }
func (s *Subregion) End() Address     { return s.info.End() }
func (s *Subregion) Size() uint64     { return s.info.RegionSize }
func (s *Subregion) Range() Range     { return s.info.Range() }

// Executable reports whether the current protection grants execution.
func (s *Subregion) Executable() bool {
	return PageExecutable(s.info.Protect)
}

func (s *Subregion) Committed() bool {
	return s.info.State == MemCommit
}

// Threads returns the threads whose stack lies in this subregion.
func (s *Subregion) Threads() []Thread {
	res := make([]Thread, 0, len(s.threads))
	for _, id := range s.threads {
		res = append(res, s.snapshot.threads[id])
	}
	return res
}

func (s *Subregion) PrivateSize() uint64         { return s.privateSize }
func (s *Subregion) SetPrivateSize(size uint64) { s.privateSize = size }
func (s *Subregion) Flags() Flags               { return s.flags }
func (s *Subregion) SetFlags(f Flags)           { s.flags = f }

// QueryPrivateSize asks the process for the private working-set size of the
// subregion right now. A process that exited or a range that went away
// yields 0.
func (s *Subregion) QueryPrivateSize() uint64 {
	size, err := s.snapshot.proc.QueryPrivateSize(s.Range())
	if err != nil {
		level.Debug(s.snapshot.logger).Log("msg", "query private size", "range", s.Range(), "err", err)
		return 0
	}
	return size
}
