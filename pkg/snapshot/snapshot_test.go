package snapshot

import (
	"context"
	"fmt"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/memtest"
	"github.com/grafana/memscan/pkg/scanner"
)

const (
	imageBase = memory.Address(0x7ff600000000)
	imagePath = `C:\Windows\System32\notepad.exe`
	heapBase  = memory.Address(0x20000)
)

// writeSnapshot stores a mapped, loader-registered image and one heap
// region in dir.
func writeSnapshot(t *testing.T, fs afero.Fs, dir string) memtest.PEImage {
	img := memtest.StandardImage()
	p := memtest.NewProcess(100, true)
	regions := memtest.MapImage(p, imageBase, img)
	p.Write(heapBase, make([]byte, 0x1000))
	regions = append(regions,
		memtest.Region(heapBase, heapBase, 0x1000, memory.PageReadWrite, memory.MemPrivate),
		memory.RegionInfo{BaseAddress: heapBase + 0x1000, AllocationBase: heapBase, RegionSize: 0x3000, State: memory.MemReserve, Type: memory.MemPrivate},
	)

	doc := Document{
		PID:       100,
		Is64:      true,
		ImageBase: Hex(imageBase),
		Threads:   []Thread{{ID: 7, TEB: 0x30000}},
		Heaps:     []Span{{Start: Hex(heapBase), End: Hex(heapBase + 0x1000)}},
		Modules: []Module{{
			Base:       Hex(imageBase),
			EntryPoint: Hex(imageBase + 0x1000),
			Path:       imagePath,
			Name:       "notepad.exe",
			Size:       uint32(len(img.Mapped())),
		}},
		Files: map[string]string{imagePath: "files/0.bin"},
	}
	for _, info := range regions {
		r := regionFromInfo(info)
		if info.AllocationBase == imageBase {
			r.Path = imagePath
		}
		if info.State == memory.MemCommit {
			data, err := p.ReadMemory(info.BaseAddress, info.RegionSize)
			require.NoError(t, err)
			r.Data = fmt.Sprintf("mem/%x.bin", uint64(info.BaseAddress))
			require.NoError(t, afero.WriteFile(fs, path.Join(dir, r.Data), data, 0o644))
		}
		doc.Regions = append(doc.Regions, r)
	}
	doc.Regions[len(doc.Regions)-2].PrivateSize = 0x1000
	require.NoError(t, afero.WriteFile(fs, path.Join(dir, "files/0.bin"), img.File(), 0o644))
	require.NoError(t, Save(fs, dir, doc))
	return img
}

func scan(t *testing.T, target *Target) *scanner.Result {
	verifier := memtest.NewVerifier()
	verifier.Signatures[imagePath] = memory.Signature{Type: memory.SigningCatalog, Level: memory.SigningLevelWindows}
	cfg := scanner.Config{CollectPrivateSize: true}
	res, err := scanner.New(cfg, memtest.NewTestingLogger(t), nil, target, verifier).Scan(context.Background(), target)
	require.NoError(t, err)
	return res
}

func TestDocumentYAML(t *testing.T) {
	raw, err := yaml.Marshal(Region{
		Base:           0x7ff600001000,
		AllocationBase: 0x7ff600000000,
		Size:           0x1000,
		State:          State(memory.MemCommit),
		Protect:        Protection(memory.PageExecuteRead | memory.PageGuard),
		Type:           Type(memory.MemImage),
	})
	require.NoError(t, err)
	assert.Equal(t, `base: 0x7ff600001000
allocation_base: 0x7ff600000000
size: 0x1000
state: COMMIT
protect: RX+G
type: IMG
`, string(raw))

	var r Region
	require.NoError(t, yaml.Unmarshal([]byte(`
base: 0x10000
allocation_base: 65536
size: 0x2000
state: RESERVE
protect: "0x40"
allocation_protect: RCX
type: PRV
`), &r))
	assert.Equal(t, memory.RegionInfo{
		BaseAddress:       0x10000,
		AllocationBase:    0x10000,
		AllocationProtect: memory.PageExecuteWriteCopy,
		RegionSize:        0x2000,
		State:             memory.MemReserve,
		Protect:           memory.PageExecuteReadWrite,
		Type:              memory.MemPrivate,
	}, r.Info())

	for _, bad := range []string{"protect: RWXZ", "protect: RX+Q", "state: DORMANT", "type: SHARED", "base: zz"} {
		require.Error(t, yaml.Unmarshal([]byte(bad), &r), bad)
	}
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	img := writeSnapshot(t, fs, "/snap")

	target, err := Load(fs, "/snap", memtest.NewTestingLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 100, target.PID())
	assert.True(t, target.Is64Bit())

	regions, err := target.Regions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 5)

	data, err := target.ReadMemory(imageBase, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("MZ"), data)
	data, err = target.ReadMemory(imageBase+0x1000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcc, 0xc3}, data)
	_, err = target.ReadMemory(heapBase+0x1000, 1)
	require.ErrorIs(t, err, ErrNotCaptured)
	_, err = target.ReadMemory(imageBase+0x2800, 0x1000)
	require.ErrorIs(t, err, ErrNotCaptured)

	path, ok := target.FileIdentity(target, memory.Range{Start: imageBase, End: imageBase + 0x3000})
	require.True(t, ok)
	assert.Equal(t, imagePath, path)
	_, ok = target.FileIdentity(target, memory.Range{Start: heapBase, End: heapBase + 0x1000})
	assert.False(t, ok)

	content, err := target.ReadFile(imagePath)
	require.NoError(t, err)
	assert.Equal(t, img.File(), content)
	_, err = target.ReadFile(`C:\Windows\System32\kernel32.dll`)
	require.Error(t, err)

	rec, ok, err := target.Module(target, imageBase)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "notepad.exe", rec.Name)

	size, err := target.QueryPrivateSize(memory.Range{Start: heapBase, End: heapBase + 0x4000})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), size)

	_, err = Load(fs, "/missing", nil)
	require.Error(t, err)
}

func TestScanSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSnapshot(t, fs, "/snap")
	target, err := Load(fs, "/snap", nil)
	require.NoError(t, err)

	res := scan(t, target)
	require.Empty(t, res.Indicators)
	require.Len(t, res.Entities, 2)

	// entities come in address order, the heap sits below the image
	heap, image := res.Entities[0], res.Entities[1]
	assert.Equal(t, heapBase, heap.Start())
	assert.Equal(t, imageBase, image.Start())

	body, ok := image.(*memory.Body)
	require.True(t, ok)
	assert.True(t, body.ContainsFlag(memory.FlagBaseImage))
	assert.True(t, body.PebModule().Exists())
	assert.Equal(t, memory.SigningCatalog, body.SigningType())

	assert.IsType(t, &memory.Region{}, heap)
	assert.True(t, heap.ContainsFlag(memory.FlagHeap))
	assert.Equal(t, uint64(0x1000), heap.Subregions()[0].PrivateSize())
}

func TestCapture(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSnapshot(t, fs, "/snap")
	source, err := Load(fs, "/snap", nil)
	require.NoError(t, err)

	doc, err := Capture(context.Background(), source, source, fs, "/copy", memtest.NewTestingLogger(t))
	require.NoError(t, err)
	assert.Len(t, doc.Files, 1)
	assert.Equal(t, source.Document().Modules, doc.Modules)
	assert.Equal(t, source.Document().Threads, doc.Threads)

	copied, err := Load(fs, "/copy", nil)
	require.NoError(t, err)
	assert.Equal(t, source.Document().Regions[0].Info(), copied.Document().Regions[0].Info())

	res := scan(t, copied)
	require.Empty(t, res.Indicators)
	require.Len(t, res.Entities, 2)
	assert.IsType(t, &memory.Region{}, res.Entities[0])
	assert.IsType(t, &memory.Body{}, res.Entities[1])
	assert.Equal(t, imageBase, res.Entities[1].Start())
}
