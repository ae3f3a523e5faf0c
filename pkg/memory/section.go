package memory

import (
	"context"

	"github.com/grafana/memscan/pkg/memory/peimage"
)

// component grants access to raw image bytes starting at the entity's
// first subregion.
type component struct {
	data []byte
}

// PeData returns the image bytes as read from process memory. Unreadable
// pages are zero.
func (c *component) PeData() []byte { return c.data }

// Section is one section of a PE body.
type Section struct {
	span
	component
	header   peimage.SectionHeader
	declared Range
	path     string
}

func newSection(snap *Snapshot, ids []SubregionID, hdr peimage.SectionHeader, declared Range, data []byte, path string) *Section {
	return &Section{
		span:      newSpan(snap, ids),
		component: component{data: data},
		header:    hdr,
		declared:  declared,
		path:      path,
	}
}

func (s *Section) Kind() Kind { return KindPESection }

// Header returns a copy of the section header as found in the mapped image.
func (s *Section) Header() peimage.SectionHeader { return s.header }

func (s *Section) Name() string { return s.header.Name() }

// FilePath is the path of the image the section belongs to.
func (s *Section) FilePath() string { return s.path }

// DeclaredRange is the absolute range the header assigns to the section,
// rounded up to the section alignment.
func (s *Section) DeclaredRange() Range { return s.declared }

func (s *Section) Dump(ctx context.Context, sink DumpSink) error {
	return s.dump(ctx, sink, DumpRecord{Kind: KindPESection, Path: s.path, Section: s.header.Name()})
}
