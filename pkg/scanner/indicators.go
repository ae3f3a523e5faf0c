package scanner

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/peimage"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

type IndicatorKind int

const (
	PartiallyMapped IndicatorKind = iota
	NonExecutableImage
	MissingPebModule
	MismatchingPebModule
	UnsignedModule
	PhantomImage
	ModifiedHeader
	WritableExecutableSection
	InconsistentExecution
	AbnormalPrivateExecutable
	UnbackedImage
)

var indicatorNames = map[IndicatorKind]string{
	PartiallyMapped:           "partially_mapped",
	NonExecutableImage:        "non_executable_image",
	MissingPebModule:          "missing_peb_module",
	MismatchingPebModule:      "mismatching_peb_module",
	UnsignedModule:            "unsigned_module",
	PhantomImage:              "phantom_image",
	ModifiedHeader:            "modified_header",
	WritableExecutableSection: "writable_executable_section",
	InconsistentExecution:     "inconsistent_execution",
	AbnormalPrivateExecutable: "abnormal_private_executable",
	UnbackedImage:             "unbacked_image",
}

func (k IndicatorKind) String() string {
	if n, ok := indicatorNames[k]; ok {
		return n
	}
	return fmt.Sprintf("indicator(%d)", int(k))
}

// Indicator is one suspicious property of an entity.
type Indicator struct {
	Kind     IndicatorKind
	Severity Severity
	Range    memory.Range
	Path     string
	Detail   string

	Entity memory.Entity
}

func newIndicator(e memory.Entity, kind IndicatorKind, sev Severity, detail string) Indicator {
	ind := Indicator{Kind: kind, Severity: sev, Range: e.Range(), Detail: detail, Entity: e}
	if fb, ok := e.(memory.FileBacked); ok {
		ind.Path = fb.FilePath()
	}
	return ind
}

// evaluate returns every indicator raised by e.
func evaluate(snap *memory.Snapshot, e memory.Entity) []Indicator {
	switch e := e.(type) {
	case *memory.Body:
		return evaluateBody(e)
	case *memory.MappedFile:
		return evaluateMappedFile(e)
	case *memory.Region:
		return evaluateRegion(snap, e)
	}
	return nil
}

func evaluateBody(b *memory.Body) []Indicator {
	var res []Indicator
	img := b.Image()
	if img == nil {
		if !errors.Is(b.ParseError(), memory.ErrArchMismatch) {
			if content, err := b.FileContent(); err == nil && peimage.HasSignature(content) {
				res = append(res, newIndicator(b, ModifiedHeader, SeverityHigh, fmt.Sprintf("mapped headers unusable: %v", b.ParseError())))
			}
		}
		return res
	}

	if _, err := b.FileContent(); err != nil {
		res = append(res, newIndicator(b, PhantomImage, SeverityHigh, "backing file unreadable"))
	}
	if b.IsPartiallyMapped() {
		res = append(res, newIndicator(b, PartiallyMapped, SeverityMedium, fmt.Sprintf("image size 0x%x, mapped 0x%x", b.ImageSize(), b.Size())))
	}
	if b.IsNonExecutableImage() {
		res = append(res, newIndicator(b, NonExecutableImage, SeverityMedium, "no executable pages in an executable image"))
	}

	peb := b.PebModule()
	switch {
	case !peb.Exists():
		res = append(res, newIndicator(b, MissingPebModule, SeverityHigh, "no loader entry at image base"))
	case !strings.EqualFold(baseName(peb.Path()), baseName(b.FilePath())):
		res = append(res, newIndicator(b, MismatchingPebModule, SeverityHigh, fmt.Sprintf("loader path %q", peb.Path())))
	case peb.Size() != 0 && peb.Size() != b.ImageSize():
		res = append(res, newIndicator(b, MismatchingPebModule, SeverityMedium, fmt.Sprintf("loader size 0x%x, image size 0x%x", peb.Size(), b.ImageSize())))
	}

	if b.SigningType() == memory.SigningUnsigned {
		res = append(res, newIndicator(b, UnsignedModule, SeverityMedium, b.SigningLevel().String()))
	}

	if disk := b.DiskImage(); disk != nil {
		if diff := headerDiff(img, disk); diff != "" {
			res = append(res, newIndicator(b, ModifiedHeader, SeverityHigh, diff))
		}
	}

	for _, sect := range b.Sections() {
		hdr := sect.Header()
		if hdr.Executable() && hdr.Writable() {
			res = append(res, newIndicator(sect, WritableExecutableSection, SeverityMedium, sect.Name()))
		}
		if !hdr.Executable() && lo.SomeBy(sect.Subregions(), func(s *memory.Subregion) bool { return s.Executable() }) {
			res = append(res, newIndicator(sect, InconsistentExecution, SeverityHigh, fmt.Sprintf("executable pages in %s", sect.Name())))
		}
	}
	return res
}

// evaluateMappedFile flags image mappings that lost their PE headers.
func evaluateMappedFile(m *memory.MappedFile) []Indicator {
	subs := m.Subregions()
	if subs[0].Info().Type != memory.MemImage || m.HeaderUnread() {
		return nil
	}
	return []Indicator{newIndicator(m, ModifiedHeader, SeverityHigh, "image mapping without a PE signature")}
}

func evaluateRegion(snap *memory.Snapshot, r *memory.Region) []Indicator {
	var res []Indicator
	subs := r.Subregions()
	if first := subs[0]; first.Committed() {
		size := first.Size()
		if size > 0x1000 {
			size = 0x1000
		}
		if data, err := snap.Process().ReadMemory(first.Base(), size); err == nil && peimage.HasSignature(data) {
			res = append(res, newIndicator(r, UnbackedImage, SeverityHigh, "PE headers in memory with no backing file"))
		}
	}
	n := lo.CountBy(subs, func(s *memory.Subregion) bool {
		return s.Committed() &&
			s.Info().Type == memory.MemPrivate &&
			s.Executable() &&
			s.Flags()&(memory.FlagStack|memory.FlagDotNet) == 0
	})
	if n > 0 {
		res = append(res, newIndicator(r, AbnormalPrivateExecutable, SeverityMedium, fmt.Sprintf("%d executable private subregions", n)))
	}
	return res
}

// headerDiff compares the loader-stable parts of the in-memory headers with
// the on-disk ones. ImageBase is left out because relocation rewrites it.
func headerDiff(mem, disk *peimage.Image) string {
	if mem.FileHeader.Machine != disk.FileHeader.Machine {
		return "machine differs"
	}
	if mem.FileHeader.Characteristics != disk.FileHeader.Characteristics {
		return "file characteristics differ"
	}
	if mem.Optional.AddressOfEntryPoint != disk.Optional.AddressOfEntryPoint {
		return fmt.Sprintf("entry point 0x%x, on disk 0x%x", mem.Optional.AddressOfEntryPoint, disk.Optional.AddressOfEntryPoint)
	}
	if mem.SizeOfImage() != disk.SizeOfImage() {
		return "image size differs"
	}
	if len(mem.Sections) != len(disk.Sections) {
		return fmt.Sprintf("%d sections, on disk %d", len(mem.Sections), len(disk.Sections))
	}
	for i := range mem.Sections {
		m, d := &mem.Sections[i], &disk.Sections[i]
		if m.Name() != d.Name() ||
			m.VirtualAddress != d.VirtualAddress ||
			m.VirtualSize != d.VirtualSize ||
			m.Characteristics != d.Characteristics {
			return fmt.Sprintf("section %d (%s) differs", i, m.Name())
		}
	}
	return ""
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}
