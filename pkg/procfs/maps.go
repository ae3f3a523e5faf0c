// Package procfs scans live Linux processes through /proc.
package procfs

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/memscan/pkg/memory"
)

// MapEntry is one line of /proc/<pid>/maps.
type MapEntry struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Inode  uint64
	Path   string
}

// FileBacked reports whether the mapping has an on-disk file behind it.
// Pseudo paths such as [heap] or [vdso] are not files.
func (e MapEntry) FileBacked() bool {
	return strings.HasPrefix(e.Path, "/") && e.Inode != 0
}

// KernelProvided reports whether the kernel mapped the entry into every
// process, such as the vDSO.
func (e MapEntry) KernelProvided() bool {
	switch e.Path {
	case "[vdso]", "[vsyscall]", "[vvar]", "[vvar_vclock]":
		return true
	}
	return false
}

func (e MapEntry) Range() memory.Range {
	return memory.Range{Start: memory.Address(e.Start), End: memory.Address(e.End)}
}

// Protection translates the rwxp flags into the PAGE_* encoding used by the
// memory package. Private writable file mappings are copy-on-write.
func (e MapEntry) Protection() memory.Protection {
	if len(e.Perms) < 4 {
		return memory.PageNoAccess
	}
	r, w, x := e.Perms[0] == 'r', e.Perms[1] == 'w', e.Perms[2] == 'x'
	cow := e.Perms[3] == 'p' && e.FileBacked()
	switch {
	case x && w && cow:
		return memory.PageExecuteWriteCopy
	case x && w:
		return memory.PageExecuteReadWrite
	case x && r:
		return memory.PageExecuteRead
	case x:
		return memory.PageExecute
	case w && cow:
		return memory.PageWriteCopy
	case w:
		return memory.PageReadWrite
	case r:
		return memory.PageReadOnly
	}
	return memory.PageNoAccess
}

// ParseMaps parses the content of /proc/<pid>/maps. Lines that do not have
// the expected shape are skipped; malformed numbers are errors.
func ParseMaps(procMaps []byte) ([]MapEntry, error) {
	lines := bytes.Split(procMaps, []byte("\n"))
	var entries []MapEntry

	for _, line := range lines {
		parts := bytes.Fields(line)
		if len(parts) < 5 {
			continue
		}

		addrs := bytes.Split(parts[0], []byte("-"))
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(string(addrs[0]), 16, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing start address")
		}
		end, err := strconv.ParseUint(string(addrs[1]), 16, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing end address")
		}
		offset, err := strconv.ParseUint(string(parts[2]), 16, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing file offset")
		}
		inode, err := strconv.ParseUint(string(parts[4]), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing inode")
		}

		// paths may contain spaces, and deleted files carry a " (deleted)" suffix
		var path string
		if len(parts) > 5 {
			path = string(bytes.Join(parts[5:], []byte(" ")))
		}

		entries = append(entries, MapEntry{
			Start:  start,
			End:    end,
			Perms:  string(parts[1]),
			Offset: offset,
			Inode:  inode,
			Path:   path,
		})
	}

	return entries, nil
}

// Regions converts map entries into region descriptors. Consecutive
// mappings of the same file share the allocation base of the first one, so
// an ELF or PE image mapped in several pieces groups as one entity.
// Mappings without any permission are treated as reservations. Kernel
// provided mappings are reported as images.
func Regions(entries []MapEntry) []memory.RegionInfo {
	res := make([]memory.RegionInfo, 0, len(entries))
	var prev *MapEntry
	var allocBase uint64
	for i := range entries {
		e := &entries[i]
		typ := memory.MemPrivate
		switch {
		case e.FileBacked():
			typ = memory.MemMapped
		case e.KernelProvided():
			typ = memory.MemImage
		}
		if prev == nil || !sameFile(prev, e) || prev.End != e.Start {
			allocBase = e.Start
		}
		state := memory.MemCommit
		prot := e.Protection()
		if strings.HasPrefix(e.Perms, "---") {
			state = memory.MemReserve
			prot = 0
		}
		res = append(res, memory.RegionInfo{
			BaseAddress:       memory.Address(e.Start),
			AllocationBase:    memory.Address(allocBase),
			AllocationProtect: e.Protection(),
			RegionSize:        e.End - e.Start,
			State:             state,
			Protect:           prot,
			Type:              typ,
		})
		prev = e
	}
	return res
}

func sameFile(a, b *MapEntry) bool {
	return a.FileBacked() && b.FileBacked() && a.Inode == b.Inode && a.Path == b.Path
}

// fileRun returns the address range of the run of consecutive mappings of
// the same file that starts at entries[i].
func fileRun(entries []MapEntry, i int) memory.Range {
	r := entries[i].Range()
	for j := i + 1; j < len(entries); j++ {
		if !sameFile(&entries[i], &entries[j]) || entries[j-1].End != entries[j].Start {
			break
		}
		r.End = memory.Address(entries[j].End)
	}
	return r
}
