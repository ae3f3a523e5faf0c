package memtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/grafana/memscan/pkg/memory"
)

const (
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	lfanew           = 0x40
	sizeOfHeaders    = 0x400
)

// PESection describes one section of a generated image.
type PESection struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
	Data            []byte
}

const (
	TextCharacteristics  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	DataCharacteristics  = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	RDataCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
)

// PEImage generates minimal but well-formed PE images.
type PEImage struct {
	Is32 bool
	DLL  bool
	// NotExecutable clears IMAGE_FILE_EXECUTABLE_IMAGE.
	NotExecutable bool
	// SizeOfImage overrides the computed image size when non-zero.
	SizeOfImage uint32
	Sections    []PESection
	// Certificate, when set, is appended to File as a PKCS#7 entry of the
	// attribute certificate table.
	Certificate []byte
}

// StandardImage is a 64-bit program with a code and a data section.
func StandardImage() PEImage {
	return PEImage{
		Sections: []PESection{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x800, Characteristics: TextCharacteristics, Data: []byte{0xcc, 0xc3}},
			{Name: ".data", VirtualAddress: 0x2000, VirtualSize: 0x1000, Characteristics: DataCharacteristics, Data: []byte("data")},
		},
	}
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func (img PEImage) imageSize() uint32 {
	if img.SizeOfImage != 0 {
		return img.SizeOfImage
	}
	end := uint32(SectionAlignment)
	for _, s := range img.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = uint32(len(s.Data))
		}
		if e := alignUp(s.VirtualAddress+size, SectionAlignment); e > end {
			end = e
		}
	}
	return end
}

type fileLayout struct {
	rawOffsets []uint32
	rawSizes   []uint32
	certOffset uint32
	end        uint32
}

func (img PEImage) layout() fileLayout {
	l := fileLayout{end: sizeOfHeaders}
	for _, s := range img.Sections {
		size := alignUp(uint32(len(s.Data)), FileAlignment)
		l.rawOffsets = append(l.rawOffsets, l.end)
		l.rawSizes = append(l.rawSizes, size)
		l.end += size
	}
	l.certOffset = alignUp(l.end, 8)
	return l
}

func (img PEImage) certEntrySize() uint32 {
	if img.Certificate == nil {
		return 0
	}
	return 8 + uint32(len(img.Certificate))
}

// Headers returns the header page, sizeOfHeaders bytes long.
func (img PEImage) Headers() []byte {
	l := img.layout()
	var buf bytes.Buffer
	dos := make([]byte, lfanew)
	binary.LittleEndian.PutUint16(dos, 0x5A4D)
	binary.LittleEndian.PutUint32(dos[0x3C:], lfanew)
	buf.Write(dos)
	buf.Write([]byte{'P', 'E', 0, 0})

	fh := pe.FileHeader{
		Machine:          pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections: uint16(len(img.Sections)),
		Characteristics:  pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	if img.Is32 {
		fh.Machine = pe.IMAGE_FILE_MACHINE_I386
		fh.Characteristics = pe.IMAGE_FILE_32BIT_MACHINE
	}
	if !img.NotExecutable {
		fh.Characteristics |= pe.IMAGE_FILE_EXECUTABLE_IMAGE
	}
	if img.DLL {
		fh.Characteristics |= pe.IMAGE_FILE_DLL
	}

	var dirs [16]pe.DataDirectory
	if img.Certificate != nil {
		dirs[pe.IMAGE_DIRECTORY_ENTRY_SECURITY] = pe.DataDirectory{VirtualAddress: l.certOffset, Size: img.certEntrySize()}
	}

	var opt interface{}
	if img.Is32 {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader32{}))
		opt = &pe.OptionalHeader32{
			Magic:               0x10b,
			AddressOfEntryPoint: 0x1000,
			ImageBase:           0x400000,
			SectionAlignment:    SectionAlignment,
			FileAlignment:       FileAlignment,
			SizeOfImage:         img.imageSize(),
			SizeOfHeaders:       sizeOfHeaders,
			Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		}
	} else {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader64{}))
		opt = &pe.OptionalHeader64{
			Magic:               0x20b,
			AddressOfEntryPoint: 0x1000,
			ImageBase:           0x140000000,
			SectionAlignment:    SectionAlignment,
			FileAlignment:       FileAlignment,
			SizeOfImage:         img.imageSize(),
			SizeOfHeaders:       sizeOfHeaders,
			Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		}
	}
	_ = binary.Write(&buf, binary.LittleEndian, &fh)
	_ = binary.Write(&buf, binary.LittleEndian, opt)

	for i, s := range img.Sections {
		var sh pe.SectionHeader32
		copy(sh.Name[:], s.Name)
		sh.VirtualAddress = s.VirtualAddress
		sh.VirtualSize = s.VirtualSize
		sh.SizeOfRawData = l.rawSizes[i]
		sh.PointerToRawData = l.rawOffsets[i]
		sh.Characteristics = s.Characteristics
		_ = binary.Write(&buf, binary.LittleEndian, &sh)
	}

	out := make([]byte, sizeOfHeaders)
	copy(out, buf.Bytes())
	return out
}

// File returns the on-disk layout of the image.
func (img PEImage) File() []byte {
	l := img.layout()
	out := make([]byte, l.certOffset+img.certEntrySize())
	copy(out, img.Headers())
	for i, s := range img.Sections {
		copy(out[l.rawOffsets[i]:], s.Data)
	}
	if img.Certificate != nil {
		cert := out[l.certOffset:]
		binary.LittleEndian.PutUint32(cert, img.certEntrySize())
		binary.LittleEndian.PutUint16(cert[4:], 0x0200)
		binary.LittleEndian.PutUint16(cert[6:], 0x0002)
		copy(cert[8:], img.Certificate)
	}
	return out
}

// Mapped returns the image as the loader lays it out in memory.
func (img PEImage) Mapped() []byte {
	out := make([]byte, img.imageSize())
	copy(out, img.Headers())
	for _, s := range img.Sections {
		if int(s.VirtualAddress) < len(out) {
			copy(out[s.VirtualAddress:], s.Data)
		}
	}
	return out
}

// SectionProtection is the protection the loader would apply to a section.
func SectionProtection(characteristics uint32) memory.Protection {
	x := characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0
	w := characteristics&pe.IMAGE_SCN_MEM_WRITE != 0
	switch {
	case x && w:
		return memory.PageExecuteWriteCopy
	case x:
		return memory.PageExecuteRead
	case w:
		return memory.PageWriteCopy
	}
	return memory.PageReadOnly
}

// MapImage writes the mapped image into p at base and returns one committed
// MEM_IMAGE region for the headers and one per section.
func MapImage(p *Process, base memory.Address, img PEImage) []memory.RegionInfo {
	p.Write(base, img.Mapped())
	regions := []memory.RegionInfo{
		Region(base, base, SectionAlignment, memory.PageReadOnly, memory.MemImage),
	}
	for _, s := range img.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = uint32(len(s.Data))
		}
		start := base.Add(uint64(s.VirtualAddress))
		regions = append(regions, Region(start, base, uint64(alignUp(size, SectionAlignment)), SectionProtection(s.Characteristics), memory.MemImage))
	}
	return regions
}

// Region is a committed region of the given protection and type.
func Region(base, allocBase memory.Address, size uint64, prot memory.Protection, typ memory.Type) memory.RegionInfo {
	return memory.RegionInfo{
		BaseAddress:       base,
		AllocationBase:    allocBase,
		AllocationProtect: memory.PageExecuteWriteCopy,
		RegionSize:        size,
		State:             memory.MemCommit,
		Protect:           prot,
		Type:              typ,
	}
}
