package scanner

import (
	"context"
	"flag"
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/memtest"
)

const (
	imageBase = memory.Address(0x7ff600000000)
	imagePath = `\Device\HarddiskVolume3\Windows\System32\notepad.exe`
)

type fakeTarget struct {
	*memtest.Process
	*memtest.Resolver

	regions    []memory.RegionInfo
	threads    []memory.Thread
	markers    Markers
	regionsErr error
	threadsErr error
}

func (t *fakeTarget) Regions(context.Context) ([]memory.RegionInfo, error) {
	return t.regions, t.regionsErr
}

func (t *fakeTarget) Threads(context.Context) ([]memory.Thread, error) {
	return t.threads, t.threadsErr
}

func (t *fakeTarget) Markers(context.Context) (Markers, error) {
	return t.markers, nil
}

type scenario struct {
	target   *fakeTarget
	files    *memtest.Files
	verifier *memtest.Verifier
	cfg      Config
}

// newScenario maps a healthy, signed and loader-registered image.
func newScenario(img memtest.PEImage) *scenario {
	sc := &scenario{
		target: &fakeTarget{
			Process:  memtest.NewProcess(100, true),
			Resolver: memtest.NewResolver(),
			markers:  Markers{ImageBase: imageBase},
		},
		files:    memtest.NewFiles(),
		verifier: memtest.NewVerifier(),
	}
	flagext.DefaultValues(&sc.cfg)
	sc.target.regions = memtest.MapImage(sc.target.Process, imageBase, img)
	sc.target.Paths[imageBase] = imagePath
	sc.target.Modules[imageBase] = memory.ModuleRecord{
		Base:       imageBase,
		EntryPoint: imageBase + 0x1000,
		Path:       `C:\Windows\System32\notepad.exe`,
		Name:       "notepad.exe",
		Size:       uint32(len(img.Mapped())),
	}
	sc.files.Data[imagePath] = img.File()
	sc.verifier.Signatures[imagePath] = memory.Signature{Type: memory.SigningCatalog, Level: memory.SigningLevelWindows}
	return sc
}

func (sc *scenario) scan(t *testing.T) (*Result, *Metrics) {
	m := NewMetrics(nil)
	s := New(sc.cfg, memtest.NewTestingLogger(t), m, sc.files, sc.verifier)
	res, err := s.Scan(context.Background(), sc.target)
	require.NoError(t, err)
	return res, m
}

func kinds(res *Result) []IndicatorKind {
	out := []IndicatorKind{}
	for _, ind := range res.Indicators {
		out = append(out, ind.Kind)
	}
	return out
}

func TestGroup(t *testing.T) {
	proc := memtest.NewProcess(1, true)
	snap := memory.NewSnapshot(proc, memory.Layout{Regions: []memory.RegionInfo{
		memtest.Region(0x10000, 0x10000, 0x1000, memory.PageReadWrite, memory.MemPrivate),
		memtest.Region(0x11000, 0x10000, 0x1000, memory.PageExecuteRead, memory.MemPrivate),
		memtest.Region(0x12000, 0x12000, 0x1000, memory.PageReadWrite, memory.MemPrivate),
		{BaseAddress: 0x13000, RegionSize: 0xd000, State: memory.MemFree},
		memtest.Region(0x20000, 0x20000, 0x1000, memory.PageReadWrite, memory.MemPrivate),
		memtest.Region(0x22000, 0x20000, 0x1000, memory.PageReadWrite, memory.MemPrivate),
		{BaseAddress: 0x23000, AllocationBase: 0x20000, RegionSize: 0x1000, State: memory.MemReserve, Type: memory.MemPrivate},
	}}, memory.Options{})

	require.Equal(t, [][]memory.SubregionID{{0, 1}, {2}, {4}, {5, 6}}, Group(snap))
	require.Empty(t, Group(memory.NewSnapshot(proc, memory.Layout{}, memory.Options{})))
}

func TestScanCleanImage(t *testing.T) {
	sc := newScenario(memtest.StandardImage())
	res, m := sc.scan(t)

	require.Equal(t, 100, res.PID)
	require.Empty(t, kinds(res))
	require.Len(t, res.Entities, 1)
	b, ok := res.Entities[0].(*memory.Body)
	require.True(t, ok)
	require.Len(t, b.Sections(), 2)
	require.True(t, b.ContainsFlag(memory.FlagBaseImage))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Entities.WithLabelValues("pe_file")))
	require.Equal(t, 1, testutil.CollectAndCount(m.ScanDuration))
}

func TestScanIndicators(t *testing.T) {
	for _, tc := range []struct {
		name  string
		img   func() memtest.PEImage
		setup func(sc *scenario)
		want  []IndicatorKind
	}{
		{
			name:  "clean",
			setup: func(*scenario) {},
			want:  []IndicatorKind{},
		},
		{
			name: "unlinked and unsigned",
			setup: func(sc *scenario) {
				delete(sc.target.Modules, imageBase)
				delete(sc.verifier.Signatures, imagePath)
			},
			want: []IndicatorKind{MissingPebModule, UnsignedModule},
		},
		{
			name: "loader path differs",
			setup: func(sc *scenario) {
				rec := sc.target.Modules[imageBase]
				rec.Path = `C:\Windows\System32\kernel32.dll`
				sc.target.Modules[imageBase] = rec
			},
			want: []IndicatorKind{MismatchingPebModule},
		},
		{
			name: "loader size differs",
			setup: func(sc *scenario) {
				rec := sc.target.Modules[imageBase]
				rec.Size = 0x9000
				sc.target.Modules[imageBase] = rec
			},
			want: []IndicatorKind{MismatchingPebModule},
		},
		{
			name: "backing file gone",
			setup: func(sc *scenario) {
				delete(sc.files.Data, imagePath)
			},
			want: []IndicatorKind{PhantomImage},
		},
		{
			name: "disk headers differ",
			setup: func(sc *scenario) {
				other := memtest.StandardImage()
				other.Sections[0].Characteristics |= 0x80000000
				sc.files.Data[imagePath] = other.File()
			},
			want: []IndicatorKind{ModifiedHeader},
		},
		{
			name: "partially mapped",
			setup: func(sc *scenario) {
				sc.target.regions = sc.target.regions[:2]
			},
			want: []IndicatorKind{PartiallyMapped},
		},
		{
			name: "no executable pages",
			setup: func(sc *scenario) {
				for i := range sc.target.regions {
					sc.target.regions[i].Protect = memory.PageReadOnly
				}
			},
			want: []IndicatorKind{NonExecutableImage},
		},
		{
			name: "writable code section",
			img: func() memtest.PEImage {
				img := memtest.StandardImage()
				img.Sections[0].Characteristics |= 0x80000000
				return img
			},
			setup: func(*scenario) {},
			want:  []IndicatorKind{WritableExecutableSection},
		},
		{
			name: "executable data section",
			setup: func(sc *scenario) {
				sc.target.regions[2].Protect = memory.PageExecuteReadWrite
			},
			want: []IndicatorKind{InconsistentExecution},
		},
		{
			name: "wiped headers",
			setup: func(sc *scenario) {
				sc.target.Write(imageBase, make([]byte, 0x1000))
			},
			want: []IndicatorKind{ModifiedHeader},
		},
		{
			name: "unreadable image headers",
			setup: func(sc *scenario) {
				sc.target.regions = append(sc.target.regions,
					memtest.Region(0x70000, 0x70000, 0x2000, memory.PageReadOnly, memory.MemImage))
				sc.target.Paths[0x70000] = `C:\Windows\System32\version.dll`
			},
			want: []IndicatorKind{},
		},
		{
			name: "excluded path",
			setup: func(sc *scenario) {
				delete(sc.target.Modules, imageBase)
				sc.cfg.ExcludePaths = []string{`\device\harddiskvolume3\windows\`}
			},
			want: []IndicatorKind{},
		},
		{
			name: "reflectively loaded image",
			setup: func(sc *scenario) {
				img := memtest.StandardImage()
				sc.target.Write(0x50000, img.Mapped())
				sc.target.regions = append(sc.target.regions,
					memtest.Region(0x50000, 0x50000, 0x3000, memory.PageReadWrite, memory.MemPrivate))
			},
			want: []IndicatorKind{UnbackedImage},
		},
		{
			name: "private executable memory",
			setup: func(sc *scenario) {
				sc.target.Write(0x60000, make([]byte, 0x2000))
				sc.target.regions = append(sc.target.regions,
					memtest.Region(0x60000, 0x60000, 0x1000, memory.PageReadWrite, memory.MemPrivate),
					memtest.Region(0x61000, 0x60000, 0x1000, memory.PageExecuteRead, memory.MemPrivate))
			},
			want: []IndicatorKind{AbnormalPrivateExecutable},
		},
		{
			name: "executable stack is not private code",
			setup: func(sc *scenario) {
				sc.target.Write(0x60000, make([]byte, 0x1000))
				sc.target.regions = append(sc.target.regions,
					memtest.Region(0x60000, 0x60000, 0x1000, memory.PageExecuteReadWrite, memory.MemPrivate))
				sc.target.threads = []memory.Thread{{ID: 1, Stack: memory.Range{Start: 0x60000, End: 0x61000}}}
			},
			want: []IndicatorKind{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := memtest.StandardImage()
			if tc.img != nil {
				img = tc.img()
			}
			sc := newScenario(img)
			tc.setup(sc)
			res, m := sc.scan(t)
			require.Equal(t, tc.want, kinds(res))
			for _, k := range tc.want {
				require.NotZero(t, testutil.ToFloat64(m.Indicators.WithLabelValues(k.String(), severityOf(res, k).String())))
			}
		})
	}
}

func severityOf(res *Result, k IndicatorKind) Severity {
	for _, ind := range res.Indicators {
		if ind.Kind == k {
			return ind.Severity
		}
	}
	return SeverityLow
}

func TestScanMaxEntitySize(t *testing.T) {
	sc := newScenario(memtest.StandardImage())
	delete(sc.target.Modules, imageBase)
	sc.cfg.MaxEntitySize = 0x1000
	res, _ := sc.scan(t)
	require.Len(t, res.Entities, 1)
	require.Equal(t, memory.KindUnknown, res.Entities[0].Kind())
	require.Empty(t, res.Indicators)
}

func TestScanPrivateSize(t *testing.T) {
	sc := newScenario(memtest.StandardImage())
	sc.target.SetPrivateSize(imageBase+0x2000, 0x1000)
	sc.cfg.CollectPrivateSize = true
	res, _ := sc.scan(t)
	require.Equal(t, uint64(0x1000), res.Snapshot.Lookup(imageBase+0x2000).PrivateSize())
	require.Zero(t, res.Snapshot.Lookup(imageBase).PrivateSize())
}

func TestScanCacheMappedFiles(t *testing.T) {
	sc := newScenario(memtest.StandardImage())
	sc.target.Write(0x30000, make([]byte, 0x1000))
	sc.target.regions = append(sc.target.regions, memtest.Region(0x30000, 0x30000, 0x1000, memory.PageReadOnly, memory.MemMapped))
	sc.target.Paths[0x30000] = "/locale.nls"
	sc.files.Data["/locale.nls"] = []byte("nls")

	reads := func() int {
		before := sc.files.Reads()
		_, _ = sc.scan(t)
		return sc.files.Reads() - before
	}
	require.Equal(t, 1, reads())
	sc.cfg.CacheMappedFiles = true
	require.Equal(t, 2, reads())
}

func TestScanErrors(t *testing.T) {
	sc := newScenario(memtest.StandardImage())
	sc.target.threadsErr = errors.New("thread snapshot failed")
	res, m := sc.scan(t)
	require.Len(t, res.Entities, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ScanErrors.WithLabelValues("threads")))

	sc.target.regionsErr = errors.New("access denied")
	_, err := New(sc.cfg, nil, nil, sc.files, sc.verifier).Scan(context.Background(), sc.target)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc.target.regionsErr = nil
	_, err = New(sc.cfg, nil, nil, sc.files, sc.verifier).Scan(ctx, sc.target)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDumpFlagged(t *testing.T) {
	sc := newScenario(memtest.StandardImage())
	delete(sc.target.Modules, imageBase)
	delete(sc.verifier.Signatures, imagePath)
	res, _ := sc.scan(t)
	require.Len(t, res.Indicators, 2)
	require.Len(t, res.Flagged(), 1)

	sink := &memtest.Sink{}
	require.NoError(t, res.DumpFlagged(context.Background(), sink))
	require.Len(t, sink.Records, 1)
	require.Equal(t, memory.KindPEFile, sink.Records[0].Kind)

	err := res.DumpFlagged(context.Background(), &memtest.Sink{Err: errors.New("bucket down")})
	require.Error(t, err)
}

func TestConfig(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-scanner.exclude-paths=C:\\Windows\\WinSxS,/usr/lib",
		"-scanner.collect-private-size",
	}))
	require.True(t, cfg.CollectPrivateSize)
	require.Equal(t, uint64(4<<30), cfg.MaxEntitySize)
	require.Equal(t, []string{`C:\Windows\WinSxS`, "/usr/lib"}, []string(cfg.ExcludePaths))
	require.True(t, cfg.excluded(`c:\windows\winsxs\amd64\comctl32.dll`))
	require.False(t, cfg.excluded(`C:\Windows\System32\comctl32.dll`))
	require.False(t, cfg.excluded(""))
}
