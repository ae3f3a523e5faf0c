package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Kind is the variant tag of an Entity.
type Kind int

const (
	KindUnknown Kind = iota
	KindPEFile
	KindMappedFile
	KindPESection
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindPEFile:
		return "pe_file"
	case KindMappedFile:
		return "mapped_file"
	case KindPESection:
		return "pe_section"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Entity is a classified, address-contiguous run of subregions. The set of
// implementations is closed: *Region, *MappedFile, *Body and *Section.
// Callers needing variant-specific data use a type switch.
type Entity interface {
	Kind() Kind
	Subregions() []*Subregion
	SubregionIDs() []SubregionID
	Start() Address
	End() Address
	Range() Range
	Size() uint64
	ContainsFlag(f Flags) bool
	IsPartiallyExecutable() bool
	SetSubregions(ids []SubregionID)
	Dump(ctx context.Context, sink DumpSink) error

	base() *span
}

// FileBacked is implemented by entities that map an on-disk file.
type FileBacked interface {
	Entity
	FilePath() string
	FileContent() ([]byte, error)
}

// PeByteSource is implemented by entities holding PE image bytes.
type PeByteSource interface {
	Entity
	PeData() []byte
}

var (
	_ Entity       = (*Region)(nil)
	_ FileBacked   = (*MappedFile)(nil)
	_ FileBacked   = (*Body)(nil)
	_ PeByteSource = (*Body)(nil)
	_ PeByteSource = (*Section)(nil)
)

// span holds what every entity variant shares.
type span struct {
	snapshot *Snapshot
	ids      []SubregionID
	start    Address
	end      Address
}

func newSpan(snap *Snapshot, ids []SubregionID) span {
	s := span{snapshot: snap}
	s.SetSubregions(ids)
	return s
}

func (s *span) base() *span { return s }

func (s *span) Subregions() []*Subregion {
	res := make([]*Subregion, 0, len(s.ids))
	for _, id := range s.ids {
		res = append(res, s.snapshot.subregions[id])
	}
	return res
}

func (s *span) SubregionIDs() []SubregionID {
	return append([]SubregionID(nil), s.ids...)
}

func (s *span) Start() Address { return s.start }
func (s *span) End() Address   { return s.end }
func (s *span) Range() Range   { return Range{Start: s.start, End: s.end} }
func (s *span) Size() uint64   { return s.end.Sub(s.start) }

// ContainsFlag reports whether any member subregion carries f.
func (s *span) ContainsFlag(f Flags) bool {
	for _, id := range s.ids {
		if s.snapshot.subregions[id].flags&f != 0 {
			return true
		}
	}
	return false
}

// IsPartiallyExecutable reports whether some, but not all, member
// subregions are executable.
func (s *span) IsPartiallyExecutable() bool {
	n := 0
	for _, id := range s.ids {
		if s.snapshot.subregions[id].Executable() {
			n++
		}
	}
	return n > 0 && n < len(s.ids)
}

// SetSubregions replaces the member list and recomputes the bounds. ids
// must be non-empty and describe address-contiguous subregions; anything
// else is a caller bug and panics.
func (s *span) SetSubregions(ids []SubregionID) {
	if len(ids) == 0 {
		panic("memory: entity requires at least one subregion")
	}
	sorted := append([]SubregionID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		return s.snapshot.subregions[sorted[i]].Base() < s.snapshot.subregions[sorted[j]].Base()
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := s.snapshot.subregions[sorted[i-1]], s.snapshot.subregions[sorted[i]]
		if prev.End() != cur.Base() {
			panic(fmt.Sprintf("memory: subregions %s and %s are not contiguous", prev.Range(), cur.Range()))
		}
	}
	s.ids = sorted
	s.start = s.snapshot.subregions[sorted[0]].Base()
	s.end = s.snapshot.subregions[sorted[len(sorted)-1]].End()
}

// dump completes rec with the bytes and location of the span.
func (s *span) dump(ctx context.Context, sink DumpSink, rec DumpRecord) error {
	rec.PID = s.snapshot.proc.PID()
	rec.Range = s.Range()
	rec.Data = s.snapshot.readRange(s.ids)
	if err := sink.Dump(ctx, rec); err != nil {
		level.Warn(s.snapshot.logger).Log("msg", "dump entity", "range", rec.Range, "kind", rec.Kind, "err", err)
		return errors.Wrapf(err, "dump %s %s", rec.Kind, rec.Range)
	}
	return nil
}

// Region is a span of memory with no more specific classification.
type Region struct {
	span
}

func NewRegion(snap *Snapshot, ids []SubregionID) *Region {
	return &Region{span: newSpan(snap, ids)}
}

func (r *Region) Kind() Kind { return KindUnknown }

func (r *Region) Dump(ctx context.Context, sink DumpSink) error {
	return r.dump(ctx, sink, DumpRecord{Kind: KindUnknown})
}
