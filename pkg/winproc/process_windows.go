//go:build windows

package winproc

import (
	"context"
	"sort"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/scanner"
)

var (
	modpsapi = windows.NewLazySystemDLL("psapi.dll")
	modntdll = windows.NewLazySystemDLL("ntdll.dll")

	procGetMappedFileNameW       = modpsapi.NewProc("GetMappedFileNameW")
	procQueryWorkingSetEx        = modpsapi.NewProc("QueryWorkingSetEx")
	procNtQueryInformationThread = modntdll.NewProc("NtQueryInformationThread")
)

const (
	threadBasicInformation  = 0
	processWow64Information = 26

	listModulesAll = 0x03

	pageSize = 0x1000
)

type threadBasicInfo struct {
	ExitStatus     windows.NTStatus
	TebBaseAddress uintptr
	UniqueProcess  uintptr
	UniqueThread   uintptr
	AffinityMask   uintptr
	Priority       int32
	BasePriority   int32
}

type workingSetExInfo struct {
	VirtualAddress    uintptr
	VirtualAttributes uintptr
}

// Process is a live Windows process opened for scanning.
type Process struct {
	pid     uint32
	handle  windows.Handle
	logger  log.Logger
	is64    bool
	layout  layout
	devices *DeviceMap

	mu      sync.Mutex
	modules map[memory.Address]memory.ModuleRecord
}

var _ scanner.Target = (*Process)(nil)

// Open opens pid with the query and read rights needed for a scan.
func Open(pid int, logger log.Logger) (*Process, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, uint32(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open process %d", pid)
	}
	p := &Process{
		pid:     uint32(pid),
		handle:  h,
		logger:  log.With(logger, "pid", pid),
		is64:    unsafe.Sizeof(uintptr(0)) == 8,
		layout:  layout64,
		devices: dosDevices(),
	}
	var wow64 bool
	if err := windows.IsWow64Process(h, &wow64); err != nil {
		level.Debug(p.logger).Log("msg", "wow64 query failed", "err", err)
	}
	if wow64 || !p.is64 {
		p.is64 = false
		p.layout = layout32
	}
	return p, nil
}

func dosDevices() *DeviceMap {
	drives := map[string]string{}
	buf := make([]uint16, windows.MAX_PATH)
	for c := 'A'; c <= 'Z'; c++ {
		drive := string(c) + ":"
		name, _ := windows.UTF16PtrFromString(drive)
		n, err := windows.QueryDosDevice(name, &buf[0], uint32(len(buf)))
		if err != nil || n == 0 {
			continue
		}
		drives[drive] = windows.UTF16ToString(buf[:n])
	}
	return NewDeviceMap(drives)
}

func (p *Process) Close() error {
	return windows.CloseHandle(p.handle)
}

func (p *Process) PID() int      { return int(p.pid) }
func (p *Process) Is64Bit() bool { return p.is64 }

func (p *Process) ReadMemory(addr memory.Address, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	var n uintptr
	if err := windows.ReadProcessMemory(p.handle, uintptr(addr), &buf[0], uintptr(size), &n); err != nil {
		return nil, errors.Wrapf(err, "read %s+0x%x", addr, size)
	}
	return buf[:n], nil
}

// QueryPrivateSize counts the resident pages of r that are not shared.
func (p *Process) QueryPrivateSize(r memory.Range) (uint64, error) {
	pages := r.Size() / pageSize
	if pages == 0 {
		return 0, nil
	}
	info := make([]workingSetExInfo, pages)
	for i := range info {
		info[i].VirtualAddress = uintptr(r.Start) + uintptr(i)*pageSize
	}
	ok, _, err := procQueryWorkingSetEx.Call(uintptr(p.handle), uintptr(unsafe.Pointer(&info[0])), uintptr(len(info))*unsafe.Sizeof(info[0]))
	if ok == 0 {
		return 0, errors.Wrap(err, "QueryWorkingSetEx")
	}
	var private uint64
	for _, i := range info {
		valid := i.VirtualAttributes&1 != 0
		shared := i.VirtualAttributes&(1<<15) != 0
		if valid && !shared {
			private += pageSize
		}
	}
	return private, nil
}

func (p *Process) Regions(ctx context.Context) ([]memory.RegionInfo, error) {
	var (
		res  []memory.RegionInfo
		addr uintptr
		mbi  windows.MemoryBasicInformation
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := windows.VirtualQueryEx(p.handle, addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
			// ERROR_INVALID_PARAMETER past the last region
			break
		}
		res = append(res, memory.RegionInfo{
			BaseAddress:       memory.Address(mbi.BaseAddress),
			AllocationBase:    memory.Address(mbi.AllocationBase),
			AllocationProtect: memory.Protection(mbi.AllocationProtect),
			RegionSize:        uint64(mbi.RegionSize),
			State:             memory.State(mbi.State),
			Protect:           memory.Protection(mbi.Protect),
			Type:              memory.Type(mbi.Type),
		})
		next := mbi.BaseAddress + mbi.RegionSize
		if next <= addr {
			break
		}
		addr = next
	}
	if len(res) == 0 {
		return nil, errors.Errorf("no regions reported for %d", p.pid)
	}
	p.mu.Lock()
	p.modules = nil
	p.mu.Unlock()
	return res, nil
}

func (p *Process) Threads(ctx context.Context) ([]memory.Thread, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, errors.Wrap(err, "thread snapshot")
	}
	defer windows.CloseHandle(snap)

	var (
		res   []memory.Thread
		entry = windows.ThreadEntry32{Size: uint32(unsafe.Sizeof(windows.ThreadEntry32{}))}
	)
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.OwnerProcessID != p.pid {
			continue
		}
		th := memory.Thread{ID: entry.ThreadID}
		if teb, err := p.teb(entry.ThreadID); err != nil {
			level.Debug(p.logger).Log("msg", "thread environment unavailable", "tid", entry.ThreadID, "err", err)
		} else {
			th.TEB, th.Stack = p.stack(teb)
		}
		res = append(res, th)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (p *Process) teb(tid uint32) (memory.Address, error) {
	h, err := windows.OpenThread(windows.THREAD_QUERY_INFORMATION, false, tid)
	if err != nil {
		return 0, errors.Wrap(err, "open thread")
	}
	defer windows.CloseHandle(h)
	var info threadBasicInfo
	status, _, _ := procNtQueryInformationThread.Call(uintptr(h), threadBasicInformation, uintptr(unsafe.Pointer(&info)), unsafe.Sizeof(info), 0)
	if status != 0 {
		return 0, errors.Wrap(windows.NTStatus(status), "NtQueryInformationThread")
	}
	teb := memory.Address(info.TebBaseAddress)
	if !p.is64 && unsafe.Sizeof(uintptr(0)) == 8 {
		teb += wow64TebOffset
	}
	return teb, nil
}

// stack reads the reserved stack range from the TEB: from the deallocation
// stack up to the stack base.
func (p *Process) stack(teb memory.Address) (memory.Address, memory.Range) {
	head, err := p.ReadMemory(teb, p.layout.tebStackBase+p.layout.ptrSize)
	if err != nil {
		return teb, memory.Range{}
	}
	dealloc, err := p.ReadMemory(teb.Add(p.layout.tebDeallocationStack), p.layout.ptrSize)
	if err != nil {
		return teb, memory.Range{}
	}
	return teb, memory.Range{
		Start: memory.Address(p.layout.pointer(dealloc, 0)),
		End:   memory.Address(p.layout.pointer(head, p.layout.tebStackBase)),
	}
}

func (p *Process) peb() (memory.Address, error) {
	if !p.is64 && unsafe.Sizeof(uintptr(0)) == 8 {
		var peb32 uintptr
		if err := windows.NtQueryInformationProcess(p.handle, processWow64Information, unsafe.Pointer(&peb32), uint32(unsafe.Sizeof(peb32)), nil); err != nil {
			return 0, errors.Wrap(err, "query wow64 peb")
		}
		return memory.Address(peb32), nil
	}
	var info windows.PROCESS_BASIC_INFORMATION
	if err := windows.NtQueryInformationProcess(p.handle, windows.ProcessBasicInformation, unsafe.Pointer(&info), uint32(unsafe.Sizeof(info)), nil); err != nil {
		return 0, errors.Wrap(err, "query peb")
	}
	return memory.Address(uintptr(unsafe.Pointer(info.PebBaseAddress))), nil
}

// Markers reads the image base and the heap list from the PEB. Managed
// heaps are not located.
func (p *Process) Markers(context.Context) (scanner.Markers, error) {
	var m scanner.Markers
	peb, err := p.peb()
	if err != nil {
		return m, err
	}
	l := p.layout
	raw, err := p.ReadMemory(peb, l.pebProcessHeaps+l.ptrSize)
	if err != nil {
		return m, errors.Wrap(err, "read peb")
	}
	m.ImageBase = memory.Address(l.pointer(raw, l.pebImageBase))
	count := uint64(uint32(l.pointer(raw, l.pebNumberOfHeaps)))
	heaps := memory.Address(l.pointer(raw, l.pebProcessHeaps))
	if count == 0 || heaps == 0 {
		return m, nil
	}
	list, err := p.ReadMemory(heaps, count*l.ptrSize)
	if err != nil {
		return m, errors.Wrap(err, "read heap list")
	}
	for i := uint64(0); i < count; i++ {
		base := uintptr(l.pointer(list, i*l.ptrSize))
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQueryEx(p.handle, base, &mbi, unsafe.Sizeof(mbi)); err != nil {
			continue
		}
		m.Heaps = append(m.Heaps, memory.Range{
			Start: memory.Address(mbi.AllocationBase),
			End:   memory.Address(mbi.BaseAddress + mbi.RegionSize),
		})
	}
	return m, nil
}

func (p *Process) FileIdentity(_ memory.Process, r memory.Range) (string, bool) {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, _, _ := procGetMappedFileNameW.Call(uintptr(p.handle), uintptr(r.Start), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return "", false
	}
	return p.devices.DOSPath(windows.UTF16ToString(buf[:n])), true
}

func (p *Process) Module(_ memory.Process, base memory.Address) (memory.ModuleRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.modules == nil {
		mods, err := p.loadModules()
		if err != nil {
			return memory.ModuleRecord{}, false, err
		}
		p.modules = mods
	}
	rec, ok := p.modules[base]
	return rec, ok, nil
}

func (p *Process) loadModules() (map[memory.Address]memory.ModuleRecord, error) {
	var needed uint32
	handles := make([]windows.Handle, 256)
	for {
		size := uint32(len(handles)) * uint32(unsafe.Sizeof(handles[0]))
		if err := windows.EnumProcessModulesEx(p.handle, &handles[0], size, &needed, listModulesAll); err != nil {
			return nil, errors.Wrap(err, "enumerate modules")
		}
		if needed <= size {
			handles = handles[:needed/uint32(unsafe.Sizeof(handles[0]))]
			break
		}
		handles = make([]windows.Handle, needed/uint32(unsafe.Sizeof(handles[0])))
	}

	res := make(map[memory.Address]memory.ModuleRecord, len(handles))
	name := make([]uint16, windows.MAX_LONG_PATH)
	for _, h := range handles {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(p.handle, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		rec := memory.ModuleRecord{
			Base:       memory.Address(info.BaseOfDll),
			EntryPoint: memory.Address(info.EntryPoint),
			Size:       info.SizeOfImage,
		}
		if err := windows.GetModuleFileNameEx(p.handle, h, &name[0], uint32(len(name))); err == nil {
			rec.Path = windows.UTF16ToString(name)
		}
		if err := windows.GetModuleBaseName(p.handle, h, &name[0], uint32(len(name))); err == nil {
			rec.Name = windows.UTF16ToString(name)
		}
		res[rec.Base] = rec
	}
	return res, nil
}
