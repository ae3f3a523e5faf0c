// Package winproc scans live Windows processes.
package winproc

import (
	"encoding/binary"
	"sort"
	"strings"
)

// DeviceMap translates NT device paths such as
// \Device\HarddiskVolume3\Windows\notepad.exe into DOS paths.
type DeviceMap struct {
	// prefixes are sorted longest first so nested devices win
	prefixes []devicePrefix
}

type devicePrefix struct {
	device string
	drive  string
}

// NewDeviceMap builds a map from drive letters ("C:") to the device each
// one is linked to.
func NewDeviceMap(drives map[string]string) *DeviceMap {
	m := &DeviceMap{}
	for drive, device := range drives {
		m.prefixes = append(m.prefixes, devicePrefix{device: strings.TrimSuffix(device, `\`), drive: drive})
	}
	sort.Slice(m.prefixes, func(i, j int) bool {
		if len(m.prefixes[i].device) != len(m.prefixes[j].device) {
			return len(m.prefixes[i].device) > len(m.prefixes[j].device)
		}
		return m.prefixes[i].drive < m.prefixes[j].drive
	})
	return m
}

// DOSPath returns the DOS form of p, or p unchanged when no drive maps its
// device.
func (m *DeviceMap) DOSPath(p string) string {
	for _, d := range m.prefixes {
		if len(p) > len(d.device) && strings.EqualFold(p[:len(d.device)], d.device) && p[len(d.device)] == '\\' {
			return d.drive + p[len(d.device):]
		}
	}
	return p
}

// Offsets of the fields read from the TEB and PEB, per bitness.
type layout struct {
	tebStackBase         uint64
	tebDeallocationStack uint64
	pebImageBase         uint64
	pebNumberOfHeaps     uint64
	pebProcessHeaps      uint64
	ptrSize              uint64
}

var (
	layout64 = layout{
		tebStackBase:         0x08,
		tebDeallocationStack: 0x1478,
		pebImageBase:         0x10,
		pebNumberOfHeaps:     0xe8,
		pebProcessHeaps:      0xf0,
		ptrSize:              8,
	}
	layout32 = layout{
		tebStackBase:         0x04,
		tebDeallocationStack: 0xe0c,
		pebImageBase:         0x08,
		pebNumberOfHeaps:     0x88,
		pebProcessHeaps:      0x90,
		ptrSize:              4,
	}
)

// wow64TebOffset is the distance from the 64-bit TEB of a WOW64 thread to
// its 32-bit TEB.
const wow64TebOffset = 0x2000

func (l layout) pointer(b []byte, off uint64) uint64 {
	if off+l.ptrSize > uint64(len(b)) {
		return 0
	}
	if l.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b[off:]))
	}
	return binary.LittleEndian.Uint64(b[off:])
}
