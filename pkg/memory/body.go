package memory

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/grafana/memscan/pkg/memory/peimage"
)

// Body is an entity holding a mapped PE image together with its sections.
// When the mapped headers do not parse, the body still exists as a mapped
// file but every PE-specific field is left empty and signing stays
// unchecked.
type Body struct {
	MappedFile
	component

	image    *peimage.Image
	disk     *peimage.Image
	parseErr error
	sections []*Section

	imageSize       uint32
	nonExecutable   bool
	partiallyMapped bool
	exe             bool
	dll             bool

	peb PebModule

	signingEvaluated bool
	signature        Signature
}

// NewBody builds a PE body from the subregions of one image mapping.
// Headers are parsed from memory, not from the file on disk, and sections
// are constructed eagerly. Signing is evaluated on first query.
func NewBody(snap *Snapshot, ids []SubregionID, path string) *Body {
	b := &Body{
		MappedFile: MappedFile{
			span: newSpan(snap, ids),
			file: fileBacking{path: path},
		},
		signature: Signature{Type: SigningUnchecked, Level: SigningLevelUnchecked},
	}
	b.loadContent()
	b.data = snap.readRange(b.ids)

	img, err := peimage.Parse(b.data)
	if err == nil && img.Is64() != snap.proc.Is64Bit() {
		err = ErrArchMismatch
	}
	if err != nil {
		level.Debug(snap.logger).Log("msg", "mapped image headers unusable", "base", b.start, "path", path, "err", err)
		b.parseErr = err
		return b
	}
	b.image = img
	b.imageSize = img.SizeOfImage()
	b.parseDiskImage()

	meta := b.image
	if b.disk != nil {
		meta = b.disk
	}
	b.dll = meta.IsDLL()
	b.exe = meta.IsExecutable() && !b.dll

	b.buildSections()
	mapped := lo.SumBy(b.Subregions(), func(s *Subregion) uint64 {
		if !s.Committed() {
			return 0
		}
		return s.Size()
	})
	if mapped < uint64(b.imageSize) {
		b.partiallyMapped = true
	}

	declaresCode := meta.IsExecutable() && lo.SomeBy(meta.Sections, func(h peimage.SectionHeader) bool {
		return h.Executable()
	})
	executable := lo.SomeBy(b.Subregions(), func(s *Subregion) bool { return s.Executable() })
	b.nonExecutable = declaresCode && !executable

	b.peb = lookupPebModule(snap, b.start)
	return b
}

func (b *Body) parseDiskImage() {
	if b.file.err != nil {
		return
	}
	disk, err := peimage.ParseFile(b.file.content)
	if err != nil {
		level.Debug(b.snapshot.logger).Log("msg", "on-disk image headers unusable", "path", b.file.path, "err", err)
		return
	}
	b.disk = disk
}

func (b *Body) buildSections() {
	subs := b.Subregions()
	align := b.image.SectionAlignment()
	for _, hdr := range b.image.Sections {
		rva, end := hdr.VirtualBounds(align)
		declared := Range{Start: b.start.Add(rva), End: b.start.Add(end)}
		if declared.Empty() {
			continue
		}
		var ids []SubregionID
		for _, s := range subs {
			if s.Range().Overlaps(declared) {
				ids = append(ids, s.id)
			}
		}
		if !declaredCovered(subs, declared) {
			b.partiallyMapped = true
		}
		if len(ids) == 0 {
			continue
		}
		b.sections = append(b.sections, newSection(b.snapshot, ids, hdr, declared, b.sectionBytes(declared), b.file.path))
	}
}

// declaredCovered reports whether committed subregions cover r without a
// gap.
func declaredCovered(subs []*Subregion, r Range) bool {
	next := r.Start
	for _, s := range subs {
		if s.End() <= next || !s.Range().Overlaps(r) {
			continue
		}
		if s.Base() > next || !s.Committed() {
			return false
		}
		next = s.End()
		if next >= r.End {
			return true
		}
	}
	return next >= r.End
}

func (b *Body) sectionBytes(r Range) []byte {
	from := r.Start.Sub(b.start)
	to := r.End.Min(b.end).Sub(b.start)
	if from >= uint64(len(b.data)) || to <= from {
		return nil
	}
	return b.data[from:to]
}

func (b *Body) Kind() Kind { return KindPEFile }

// Image returns the headers parsed from memory, or nil.
func (b *Body) Image() *peimage.Image { return b.image }

// DiskImage returns the headers parsed from the backing file, or nil.
func (b *Body) DiskImage() *peimage.Image { return b.disk }

// ParseError says why the mapped headers were not usable.
func (b *Body) ParseError() error { return b.parseErr }

func (b *Body) Sections() []*Section { return b.sections }

// Section returns the section named name, or nil.
func (b *Body) Section(name string) *Section {
	for _, s := range b.sections {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// FindOverlapSect returns every section whose declared range overlaps sub.
func (b *Body) FindOverlapSect(sub *Subregion) []*Section {
	r := sub.Range()
	return lo.Filter(b.sections, func(s *Section, _ int) bool {
		return s.declared.Overlaps(r)
	})
}

// HeaderRange is the part of the image holding headers, rounded up to the
// section alignment. It is empty when the headers did not parse.
func (b *Body) HeaderRange() Range {
	if b.image == nil {
		return Range{Start: b.start, End: b.start}
	}
	end := b.start.Add(uint64(b.image.SizeOfHeaders())).Align(uint64(b.image.SectionAlignment()))
	return Range{Start: b.start, End: end}
}

func (b *Body) ImageSize() uint32          { return b.imageSize }
func (b *Body) IsNonExecutableImage() bool { return b.nonExecutable }
func (b *Body) IsPartiallyMapped() bool    { return b.partiallyMapped }
func (b *Body) IsExe() bool                { return b.exe }
func (b *Body) IsDll() bool                { return b.dll }
func (b *Body) PebModule() PebModule       { return b.peb }

// IsSigned reports whether the backing file carries a verified embedded or
// catalog signature.
func (b *Body) IsSigned() bool {
	t := b.SigningType()
	return t == SigningEmbedded || t == SigningCatalog
}

func (b *Body) SigningType() SigningType {
	b.evaluateSigning()
	return b.signature.Type
}

func (b *Body) SigningLevel() SigningLevel {
	b.evaluateSigning()
	return b.signature.Level
}

// evaluateSigning verifies the on-disk file once. Signatures do not cover
// relocated memory, so the file is what gets checked.
func (b *Body) evaluateSigning() {
	if b.signingEvaluated {
		return
	}
	b.signingEvaluated = true
	if b.image == nil || b.file.path == "" {
		return
	}
	sig, err := b.snapshot.signatures.Verify(b.file.path)
	if err != nil {
		level.Debug(b.snapshot.logger).Log("msg", "signature verification failed", "path", b.file.path, "err", err)
		return
	}
	b.signature = sig
}

func (b *Body) Dump(ctx context.Context, sink DumpSink) error {
	return b.dump(ctx, sink, DumpRecord{Kind: KindPEFile, Path: b.file.path})
}
