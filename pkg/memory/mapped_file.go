package memory

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// fileBacking is the file identity of a mapping plus optionally its full
// content.
type fileBacking struct {
	path    string
	cached  bool
	content []byte
	err     error
}

// MappedFile is an entity backed by an on-disk file.
type MappedFile struct {
	span
	file fileBacking

	headerUnread bool
}

// NewMappedFile builds a MappedFile. With cache set, the whole file is read
// once now; a read failure is remembered and the entity is still created.
// Without cache nothing is read until FileContent is called.
func NewMappedFile(snap *Snapshot, ids []SubregionID, path string, cache bool) *MappedFile {
	m := &MappedFile{
		span: newSpan(snap, ids),
		file: fileBacking{path: path},
	}
	if cache {
		m.loadContent()
	}
	return m
}

func (m *MappedFile) loadContent() {
	m.file.cached = true
	data, err := m.snapshot.contents.ReadFile(m.file.path)
	if err != nil {
		level.Debug(m.snapshot.logger).Log("msg", "mapped file content unavailable", "path", m.file.path, "err", err)
		m.file.err = err
		return
	}
	m.file.content = data
}

// CacheContent reads the backing file now unless it already was.
func (m *MappedFile) CacheContent() {
	if !m.file.cached {
		m.loadContent()
	}
}

func (m *MappedFile) Kind() Kind { return KindMappedFile }

// HeaderUnread reports whether the start of the mapping could not be read
// when the entity was classified, so a missing PE signature proves nothing.
func (m *MappedFile) HeaderUnread() bool { return m.headerUnread }

func (m *MappedFile) FilePath() string { return m.file.path }

// FileContent returns the full content of the backing file. The error
// wraps ErrContentUnavailable when the file could not be read.
func (m *MappedFile) FileContent() ([]byte, error) {
	if m.file.cached {
		if m.file.err != nil {
			return nil, contentUnavailable(m.file.path, m.file.err)
		}
		return m.file.content, nil
	}
	data, err := m.snapshot.contents.ReadFile(m.file.path)
	if err != nil {
		return nil, contentUnavailable(m.file.path, err)
	}
	return data, nil
}

func contentUnavailable(path string, cause error) error {
	if cause == nil || errors.Is(cause, ErrContentUnavailable) {
		return errors.Wrap(ErrContentUnavailable, path)
	}
	return errors.Wrapf(ErrContentUnavailable, "%s: %v", path, cause)
}

func (m *MappedFile) Dump(ctx context.Context, sink DumpSink) error {
	return m.dump(ctx, sink, DumpRecord{Kind: KindMappedFile, Path: m.file.path})
}
