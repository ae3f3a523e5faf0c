//go:build linux

package procfs

import (
	"context"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	promprocfs "github.com/prometheus/procfs"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/scanner"
)

var _ scanner.Target = (*Process)(nil)

// Process is a live Linux process opened for scanning.
type Process struct {
	pid    int
	root   string
	logger log.Logger
	fs     promprocfs.FS
	mem    *os.File
	exe    string
	is64   bool

	mu      sync.Mutex
	entries []MapEntry
	private map[uint64]uint64
}

// Open prepares pid for scanning using the procfs mounted at
// promprocfs.DefaultMountPoint.
func Open(pid int, logger log.Logger) (*Process, error) {
	return OpenAt(promprocfs.DefaultMountPoint, pid, logger)
}

func OpenAt(mountPoint string, pid int, logger log.Logger) (*Process, error) {
	fs, err := promprocfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrap(err, "open procfs")
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d", pid)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Process{
		pid:    pid,
		root:   filepath.Join(mountPoint, strconv.Itoa(pid)),
		logger: log.With(logger, "pid", pid),
		fs:     fs,
		is64:   true,
	}
	if p.exe, err = proc.Executable(); err != nil {
		level.Debug(p.logger).Log("msg", "executable unknown", "err", err)
	}
	if f, err := elf.Open(filepath.Join(p.root, "exe")); err == nil {
		p.is64 = f.Class == elf.ELFCLASS64
		_ = f.Close()
	}
	if p.mem, err = os.Open(filepath.Join(p.root, "mem")); err != nil {
		return nil, errors.Wrapf(err, "open memory of %d", pid)
	}
	return p, nil
}

func (p *Process) Close() error {
	return p.mem.Close()
}

func (p *Process) PID() int      { return p.pid }
func (p *Process) Is64Bit() bool { return p.is64 }

func (p *Process) ReadMemory(addr memory.Address, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := p.mem.ReadAt(buf, int64(addr))
	if err != nil && !(errors.Is(err, io.EOF) && uint64(n) == size) {
		return nil, errors.Wrapf(err, "read %s+0x%x", addr, size)
	}
	return buf, nil
}

// QueryPrivateSize sums the private resident bytes of every mapping that
// starts inside r. smaps is read once per Regions call.
func (p *Process) QueryPrivateSize(r memory.Range) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.private == nil {
		data, err := os.ReadFile(filepath.Join(p.root, "smaps"))
		if err != nil {
			return 0, errors.Wrap(err, "read smaps")
		}
		if p.private, err = ParseSmapsPrivate(data); err != nil {
			return 0, err
		}
	}
	var total uint64
	for start, size := range p.private {
		if r.Contains(memory.Address(start)) {
			total += size
		}
	}
	return total, nil
}

func (p *Process) Regions(ctx context.Context) ([]memory.RegionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(p.root, "maps"))
	if err != nil {
		return nil, errors.Wrap(err, "read maps")
	}
	entries, err := ParseMaps(data)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.entries = entries
	p.private = nil
	p.mu.Unlock()
	return Regions(entries), nil
}

// Threads lists every task of the process. Only the main thread has a
// known stack: the kernel stopped labelling the others.
func (p *Process) Threads(ctx context.Context) ([]memory.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tasks, err := p.fs.AllThreads(p.pid)
	if err != nil {
		return nil, errors.Wrap(err, "list threads")
	}
	stack := p.pseudo("[stack]")
	res := make([]memory.Thread, 0, len(tasks))
	for _, t := range tasks {
		th := memory.Thread{ID: uint32(t.PID)}
		if t.PID == p.pid && len(stack) > 0 {
			th.Stack = stack[0]
		}
		res = append(res, th)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (p *Process) Markers(context.Context) (scanner.Markers, error) {
	m := scanner.Markers{Heaps: p.pseudo("[heap]")}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exe == "" {
		return m, nil
	}
	for _, e := range p.entries {
		if e.Path == p.exe {
			m.ImageBase = memory.Address(e.Start)
			break
		}
	}
	return m, nil
}

func (p *Process) pseudo(name string) []memory.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []memory.Range
	for _, e := range p.entries {
		if e.Path == name {
			res = append(res, e.Range())
		}
	}
	return res
}

func (p *Process) entryAt(a memory.Address) (int, bool) {
	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].End > uint64(a)
	})
	if i < len(p.entries) && p.entries[i].Start == uint64(a) {
		return i, true
	}
	return 0, false
}

func (p *Process) FileIdentity(_ memory.Process, r memory.Range) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.entryAt(r.Start)
	if !ok || !p.entries[i].FileBacked() {
		return "", false
	}
	return p.entries[i].Path, true
}

// Module treats a file mapped from offset zero as loaded at its start, the
// closest Linux analogue of a loader list entry.
func (p *Process) Module(_ memory.Process, base memory.Address) (memory.ModuleRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.entryAt(base)
	if !ok {
		return memory.ModuleRecord{}, false, nil
	}
	e := p.entries[i]
	if !e.FileBacked() || e.Offset != 0 {
		return memory.ModuleRecord{}, false, nil
	}
	return memory.ModuleRecord{
		Base: base,
		Path: e.Path,
		Name: filepath.Base(e.Path),
		Size: uint32(fileRun(p.entries, i).Size()),
	}, true, nil
}
