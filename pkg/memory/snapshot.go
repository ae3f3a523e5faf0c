package memory

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Thread is one thread of the inspected process.
type Thread struct {
	ID    uint32
	Stack Range
	TEB   Address
}

// Layout is everything the region and thread enumerators report for one
// process.
type Layout struct {
	Regions      []RegionInfo
	Threads      []Thread
	Heaps        []Range
	ManagedHeaps []Range
	ImageBase    Address
}

// Options wires the collaborators used while classifying entities. Nil
// fields fall back to implementations that report "absent".
type Options struct {
	Logger     log.Logger
	Files      FileIdentityResolver
	Contents   FileSource
	Modules    ModuleLookup
	Signatures SignatureVerifier
}

// Snapshot is the arena of one scan. Subregions and entities refer to each
// other through indices into it and never outlive it.
type Snapshot struct {
	proc       Process
	subregions []*Subregion
	threads    []Thread

	logger     log.Logger
	files      FileIdentityResolver
	contents   FileSource
	modules    ModuleLookup
	signatures SignatureVerifier
}

func NewSnapshot(proc Process, layout Layout, opts Options) *Snapshot {
	s := &Snapshot{
		proc:       proc,
		threads:    append([]Thread(nil), layout.Threads...),
		logger:     opts.Logger,
		files:      opts.Files,
		contents:   opts.Contents,
		modules:    opts.Modules,
		signatures: opts.Signatures,
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.files == nil {
		s.files = noopResolver{}
	}
	if s.contents == nil {
		s.contents = noopFileSource{}
	}
	if s.modules == nil {
		s.modules = noopResolver{}
	}
	if s.signatures == nil {
		s.signatures = noopVerifier{}
	}

	regions := append([]RegionInfo(nil), layout.Regions...)
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].BaseAddress < regions[j].BaseAddress
	})
	s.subregions = make([]*Subregion, 0, len(regions))
	for i, info := range regions {
		sub := &Subregion{
			id:       SubregionID(i),
			info:     info,
			snapshot: s,
		}
		sub.flags = s.classify(sub, layout)
		s.subregions = append(s.subregions, sub)
	}
	return s
}

func (s *Snapshot) classify(sub *Subregion, layout Layout) Flags {
	var flags Flags
	r := sub.Range()
	for i, t := range s.threads {
		if !t.Stack.Empty() && r.Overlaps(t.Stack) {
			flags |= FlagStack
			sub.threads = append(sub.threads, ThreadID(i))
		}
		if t.TEB != 0 && r.Contains(t.TEB) {
			flags |= FlagTEB
		}
	}
	for _, h := range layout.Heaps {
		if r.Overlaps(h) {
			flags |= FlagHeap
			break
		}
	}
	for _, h := range layout.ManagedHeaps {
		if r.Overlaps(h) {
			flags |= FlagDotNet
			break
		}
	}
	if layout.ImageBase != 0 && sub.info.AllocationBase == layout.ImageBase && sub.info.State != MemFree {
		flags |= FlagBaseImage
	}
	return flags
}

func (s *Snapshot) Process() Process { return s.proc }

func (s *Snapshot) Logger() log.Logger { return s.logger }

// Subregions returns every subregion of the snapshot, sorted by address.
func (s *Snapshot) Subregions() []*Subregion {
	return s.subregions
}

func (s *Snapshot) Subregion(id SubregionID) *Subregion {
	return s.subregions[id]
}

func (s *Snapshot) Threads() []Thread {
	return s.threads
}

// Lookup returns the subregion containing a, or nil.
func (s *Snapshot) Lookup(a Address) *Subregion {
	i := sort.Search(len(s.subregions), func(i int) bool {
		return s.subregions[i].End() > a
	})
	if i < len(s.subregions) && s.subregions[i].Range().Contains(a) {
		return s.subregions[i]
	}
	return nil
}

// Create classifies an address-contiguous group of subregions.
func (s *Snapshot) Create(ids []SubregionID) Entity {
	return Create(s, ids)
}

// readRange reads the span of ids subregion by subregion. Unreadable or uncommitted
// parts are left zeroed.
func (s *Snapshot) readRange(ids []SubregionID) []byte {
	if len(ids) == 0 {
		return nil
	}
	start := s.subregions[ids[0]].Base()
	end := s.subregions[ids[len(ids)-1]].End()
	buf := make([]byte, end.Sub(start))
	for _, id := range ids {
		sub := s.subregions[id]
		if !sub.Committed() {
			continue
		}
		data, err := s.proc.ReadMemory(sub.Base(), sub.Size())
		if err != nil {
			level.Debug(s.logger).Log("msg", "read subregion", "range", sub.Range(), "err", err)
			continue
		}
		copy(buf[sub.Base().Sub(start):], data)
	}
	return buf
}
