package memory

import (
	"github.com/go-kit/log/level"

	"github.com/grafana/memscan/pkg/memory/peimage"
)

// headerReadSize is how much of the first subregion is read to look for a PE
// signature. When e_lfanew points further, up to maxHeaderReadSize is read.
const (
	headerReadSize    = 0x1000
	maxHeaderReadSize = 0x10000
)

// Create picks the entity variant for an address-contiguous group of
// subregions:
//
//   - no file identity: *Region
//   - file identity with a valid PE signature at the start: *Body
//   - file identity otherwise: *MappedFile, with content not cached. If the
//     start of the mapping could not be read it is marked as such.
//
// ids must be non-empty.
func Create(snap *Snapshot, ids []SubregionID) Entity {
	if len(ids) == 0 {
		panic("memory: Create requires at least one subregion")
	}
	sp := newSpan(snap, ids)
	path, ok := snap.files.FileIdentity(snap.proc, sp.Range())
	if !ok || path == "" {
		return &Region{span: sp}
	}
	isPE, read := readPESignature(snap, snap.subregions[sp.ids[0]])
	if isPE {
		return NewBody(snap, sp.ids, path)
	}
	m := NewMappedFile(snap, sp.ids, path, false)
	m.headerUnread = !read
	return m
}

// readPESignature reports whether first starts with PE headers. read is
// false when the memory could not be read, in which case nothing is known.
func readPESignature(snap *Snapshot, first *Subregion) (isPE, read bool) {
	if !first.Committed() {
		return false, true
	}
	data, err := snap.proc.ReadMemory(first.Base(), min(first.Size(), headerReadSize))
	if err != nil {
		level.Debug(snap.logger).Log("msg", "read image header", "range", first.Range(), "err", err)
		return false, false
	}
	if end, ok := peimage.SignatureEnd(data); ok && end > uint64(len(data)) && end <= min(first.Size(), maxHeaderReadSize) {
		if data, err = snap.proc.ReadMemory(first.Base(), end); err != nil {
			level.Debug(snap.logger).Log("msg", "read image header", "range", first.Range(), "err", err)
			return false, false
		}
	}
	return peimage.HasSignature(data), true
}
