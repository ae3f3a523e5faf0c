package memory_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/memtest"
)

func TestCreate(t *testing.T) {
	f := newFixture()
	regions := memtest.MapImage(f.proc, imageBase, memtest.StandardImage())
	f.proc.Write(0x20000, make([]byte, 0x2000))
	f.proc.Write(0x30000, make([]byte, 0x1000))
	regions = append(regions,
		memtest.Region(0x20000, 0x20000, 0x2000, memory.PageReadWrite, memory.MemPrivate),
		memtest.Region(0x30000, 0x30000, 0x1000, memory.PageReadOnly, memory.MemMapped),
	)
	f.resolver.Paths[imageBase] = imagePath
	f.resolver.Paths[0x30000] = "/data/locale.nls"
	f.files.Data["/data/locale.nls"] = []byte("content")
	snap := f.snapshot(t, memory.Layout{Regions: regions})

	byBase := func(a memory.Address) []memory.SubregionID {
		var res []memory.SubregionID
		for _, s := range snap.Subregions() {
			if s.Info().AllocationBase == a {
				res = append(res, s.ID())
			}
		}
		return res
	}

	switch e := snap.Create(byBase(imageBase)).(type) {
	case *memory.Body:
		require.Equal(t, memory.KindPEFile, e.Kind())
		require.Len(t, e.Sections(), 2)
	default:
		t.Fatalf("image mapping classified as %T", e)
	}

	switch e := memory.Create(snap, byBase(0x20000)).(type) {
	case *memory.Region:
		require.Equal(t, memory.KindUnknown, e.Kind())
		require.Equal(t, uint64(0x2000), e.Size())
	default:
		t.Fatalf("private mapping classified as %T", e)
	}

	reads := f.files.Reads()
	switch e := memory.Create(snap, byBase(0x30000)).(type) {
	case *memory.MappedFile:
		require.Equal(t, memory.KindMappedFile, e.Kind())
		require.Equal(t, "/data/locale.nls", e.FilePath())
		require.Equal(t, reads, f.files.Reads())

		content, err := e.FileContent()
		require.NoError(t, err)
		require.Equal(t, []byte("content"), content)
		_, err = e.FileContent()
		require.NoError(t, err)
		require.Equal(t, reads+2, f.files.Reads())
	default:
		t.Fatalf("data mapping classified as %T", e)
	}
}

func TestCreateImageHeaderRead(t *testing.T) {
	f := newFixture()
	// e_lfanew past the first page
	far := make([]byte, 0x3000)
	copy(far, "MZ")
	binary.LittleEndian.PutUint32(far[0x3c:], 0x1800)
	copy(far[0x1800:], "PE\x00\x00")
	f.proc.Write(0x40000, far)
	f.proc.Write(0x50000, make([]byte, 0x1000))
	snap := f.snapshot(t, memory.Layout{Regions: []memory.RegionInfo{
		memtest.Region(0x40000, 0x40000, 0x3000, memory.PageReadOnly, memory.MemImage),
		memtest.Region(0x50000, 0x50000, 0x1000, memory.PageReadOnly, memory.MemImage),
		memtest.Region(0x60000, 0x60000, 0x1000, memory.PageReadOnly, memory.MemImage),
	}})
	for _, base := range []memory.Address{0x40000, 0x50000, 0x60000} {
		f.resolver.Paths[base] = "/image.dll"
	}
	create := func(base memory.Address) memory.Entity {
		return memory.Create(snap, []memory.SubregionID{snap.Lookup(base).ID()})
	}

	require.IsType(t, &memory.Body{}, create(0x40000))

	wiped, ok := create(0x50000).(*memory.MappedFile)
	require.True(t, ok)
	require.False(t, wiped.HeaderUnread())

	unread, ok := create(0x60000).(*memory.MappedFile)
	require.True(t, ok)
	require.True(t, unread.HeaderUnread())
}

func TestCreateEmpty(t *testing.T) {
	f := newFixture()
	snap := f.snapshot(t, memory.Layout{})
	require.Panics(t, func() { memory.Create(snap, nil) })
	require.Panics(t, func() { snap.Create([]memory.SubregionID{}) })
}

func TestMappedFileCaching(t *testing.T) {
	f := newFixture()
	f.proc.Write(0x30000, make([]byte, 0x1000))
	snap := f.snapshot(t, memory.Layout{Regions: []memory.RegionInfo{
		memtest.Region(0x30000, 0x30000, 0x1000, memory.PageReadOnly, memory.MemMapped),
	}})
	f.files.Data["/a"] = []byte("a")

	m := memory.NewMappedFile(snap, ids(snap), "/a", true)
	require.Equal(t, 1, f.files.Reads())
	content, err := m.FileContent()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), content)
	require.Equal(t, 1, f.files.Reads())

	m = memory.NewMappedFile(snap, ids(snap), "/deleted", true)
	_, err = m.FileContent()
	require.ErrorIs(t, err, memory.ErrContentUnavailable)
	require.Equal(t, 2, f.files.Reads())

	m = memory.NewMappedFile(snap, ids(snap), "/deleted", false)
	require.Equal(t, 2, f.files.Reads())
	_, err = m.FileContent()
	require.ErrorIs(t, err, memory.ErrContentUnavailable)
}
