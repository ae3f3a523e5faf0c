package snapshot

import (
	"context"
	"os"
	"path"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/scanner"
)

var ErrNotCaptured = errors.New("memory not captured")

type segment struct {
	start memory.Address
	data  []byte
}

func (s segment) end() memory.Address { return s.start.Add(uint64(len(s.data))) }

// Target replays a captured process. It also serves the captured file
// copies as a memory.FileSource.
type Target struct {
	doc    Document
	fs     afero.Fs
	dir    string
	logger log.Logger

	segments []segment
	paths    map[memory.Address]string
	modules  map[memory.Address]memory.ModuleRecord
}

var (
	_ scanner.Target    = (*Target)(nil)
	_ memory.FileSource = (*Target)(nil)
)

// Load reads the snapshot stored in dir.
func Load(fs afero.Fs, dir string, logger log.Logger) (*Target, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	raw, err := afero.ReadFile(fs, path.Join(dir, DocumentName))
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parse snapshot")
	}
	t := &Target{
		doc:     doc,
		fs:      fs,
		dir:     dir,
		logger:  log.With(logger, "snapshot", dir, "pid", doc.PID),
		paths:   make(map[memory.Address]string),
		modules: make(map[memory.Address]memory.ModuleRecord, len(doc.Modules)),
	}
	for _, r := range doc.Regions {
		if r.Path != "" {
			t.paths[memory.Address(r.AllocationBase)] = r.Path
		}
		if r.Data == "" {
			continue
		}
		data, err := afero.ReadFile(fs, path.Join(dir, r.Data))
		if err != nil {
			return nil, errors.Wrapf(err, "read region %s", memory.Address(r.Base))
		}
		if uint64(len(data)) > uint64(r.Size) {
			data = data[:r.Size]
		}
		t.segments = append(t.segments, segment{start: memory.Address(r.Base), data: data})
	}
	sort.Slice(t.segments, func(i, j int) bool { return t.segments[i].start < t.segments[j].start })
	for _, m := range doc.Modules {
		t.modules[memory.Address(m.Base)] = memory.ModuleRecord{
			Base:       memory.Address(m.Base),
			EntryPoint: memory.Address(m.EntryPoint),
			Path:       m.Path,
			Name:       m.Name,
			Size:       m.Size,
		}
	}
	level.Debug(t.logger).Log("msg", "snapshot loaded", "regions", len(doc.Regions), "segments", len(t.segments))
	return t, nil
}

func (t *Target) Document() Document { return t.doc }

func (t *Target) PID() int      { return t.doc.PID }
func (t *Target) Is64Bit() bool { return t.doc.Is64 }

// ReadMemory serves reads that fall entirely inside one captured region.
func (t *Target) ReadMemory(addr memory.Address, size uint64) ([]byte, error) {
	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].end() > addr
	})
	if i == len(t.segments) || t.segments[i].start > addr || addr.Add(size) > t.segments[i].end() {
		return nil, errors.Wrapf(ErrNotCaptured, "%s+0x%x", addr, size)
	}
	off := addr.Sub(t.segments[i].start)
	return append([]byte(nil), t.segments[i].data[off:off+size]...), nil
}

func (t *Target) QueryPrivateSize(r memory.Range) (uint64, error) {
	var total uint64
	for _, reg := range t.doc.Regions {
		if r.Contains(memory.Address(reg.Base)) {
			total += reg.PrivateSize
		}
	}
	return total, nil
}

func (t *Target) Regions(context.Context) ([]memory.RegionInfo, error) {
	res := make([]memory.RegionInfo, 0, len(t.doc.Regions))
	for _, r := range t.doc.Regions {
		res = append(res, r.Info())
	}
	return res, nil
}

func (t *Target) Threads(context.Context) ([]memory.Thread, error) {
	res := make([]memory.Thread, 0, len(t.doc.Threads))
	for _, th := range t.doc.Threads {
		res = append(res, memory.Thread{ID: th.ID, Stack: th.Stack.Range(), TEB: memory.Address(th.TEB)})
	}
	return res, nil
}

func (t *Target) Markers(context.Context) (scanner.Markers, error) {
	m := scanner.Markers{ImageBase: memory.Address(t.doc.ImageBase)}
	for _, h := range t.doc.Heaps {
		m.Heaps = append(m.Heaps, h.Range())
	}
	for _, h := range t.doc.ManagedHeaps {
		m.ManagedHeaps = append(m.ManagedHeaps, h.Range())
	}
	return m, nil
}

func (t *Target) FileIdentity(_ memory.Process, r memory.Range) (string, bool) {
	p, ok := t.paths[r.Start]
	return p, ok
}

func (t *Target) Module(_ memory.Process, base memory.Address) (memory.ModuleRecord, bool, error) {
	rec, ok := t.modules[base]
	return rec, ok, nil
}

func (t *Target) ReadFile(p string) ([]byte, error) {
	blob, ok := t.doc.Files[p]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "%s not captured", p)
	}
	return afero.ReadFile(t.fs, path.Join(t.dir, blob))
}
