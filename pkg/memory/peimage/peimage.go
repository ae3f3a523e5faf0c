// Package peimage parses PE headers, either from a mapped image in process
// memory or from an on-disk file. Only header and section-table structure is
// interpreted.
package peimage

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

const (
	mzSignature      = uint16(0x5A4D)     // MZ
	peSignature      = uint32(0x00004550) // PE\0\0
	offsetLfanew     = 0x3C
	dosHeaderSize    = 64
	fileHeaderSize   = 20
	sectionHdrSize   = 40
	maxLfanew        = 0x10000000
	maxNumSections   = 96
	optionalMagic32  = 0x10b
	optionalMagic64  = 0x20b
	numDataDirectory = 16

	directoryEntrySecurity = 4

	fileExecutableImage = 0x0002
	fileDLL             = 0x2000

	scnCntCode    = 0x00000020
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

var (
	ErrTruncated         = errors.New("pe headers are truncated")
	ErrBadDOSSignature   = errors.New("missing MZ signature")
	ErrBadNTSignature    = errors.New("missing PE signature")
	ErrBadOptionalHeader = errors.New("unrecognized optional header")
	ErrTooManySections   = errors.New("too many sections")
)

// OptionalHeader is the bitness-independent subset of the optional header.
type OptionalHeader struct {
	Magic               uint16
	AddressOfEntryPoint uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	CheckSum            uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	NumberOfRvaAndSizes uint32
	DataDirectory       [numDataDirectory]pe.DataDirectory
}

// SectionHeader is the part of IMAGE_SECTION_HEADER that describes where a
// section lives and how it is protected.
type SectionHeader struct {
	name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

func (h *SectionHeader) Name() string { return h.name }

func (h *SectionHeader) Executable() bool {
	return h.Characteristics&scnMemExecute != 0
}

func (h *SectionHeader) Writable() bool {
	return h.Characteristics&scnMemWrite != 0
}

func (h *SectionHeader) Readable() bool {
	return h.Characteristics&scnMemRead != 0
}

func (h *SectionHeader) Code() bool {
	return h.Characteristics&scnCntCode != 0
}

// VirtualBounds returns the section's RVA range once loaded, with the end
// rounded up to alignment. A zero VirtualSize falls back to SizeOfRawData.
func (h *SectionHeader) VirtualBounds(alignment uint32) (start, end uint64) {
	size := uint64(h.VirtualSize)
	if size == 0 {
		size = uint64(h.SizeOfRawData)
	}
	start = uint64(h.VirtualAddress)
	end = start + size
	if alignment > 1 && alignment&(alignment-1) == 0 {
		a := uint64(alignment)
		end = (end + a - 1) &^ (a - 1)
	}
	return start, end
}

// Image is a parsed header set.
type Image struct {
	Lfanew     uint32
	FileHeader pe.FileHeader
	Optional   OptionalHeader
	Sections   []SectionHeader

	// HeaderBytes is the span from the start of the buffer to the end of the
	// section table.
	HeaderBytes []byte

	certTable []byte
}

// HasSignature reports whether data starts with a DOS header whose
// e_lfanew points at a PE signature.
func HasSignature(data []byte) bool {
	_, err := ntHeaders(data)
	return err == nil
}

// SignatureEnd returns the offset just past the NT signature announced by
// the DOS header of data. ok is false when data has no DOS header.
func SignatureEnd(data []byte) (end uint64, ok bool) {
	if len(data) < dosHeaderSize || binary.LittleEndian.Uint16(data) != mzSignature {
		return 0, false
	}
	lfanew := binary.LittleEndian.Uint32(data[offsetLfanew:])
	if lfanew > maxLfanew {
		return 0, false
	}
	return uint64(lfanew) + 4, true
}

// ntHeaders checks the DOS header and the NT signature and returns the
// offset of the file header.
func ntHeaders(data []byte) (uint64, error) {
	if len(data) < dosHeaderSize {
		return 0, ErrTruncated
	}
	if binary.LittleEndian.Uint16(data) != mzSignature {
		return 0, ErrBadDOSSignature
	}
	lfanew := binary.LittleEndian.Uint32(data[offsetLfanew:])
	if lfanew > maxLfanew {
		return 0, errors.Wrapf(ErrTruncated, "e_lfanew 0x%x", lfanew)
	}
	off := uint64(lfanew)
	if off+4 > uint64(len(data)) {
		return 0, ErrTruncated
	}
	if binary.LittleEndian.Uint32(data[off:]) != peSignature {
		return 0, ErrBadNTSignature
	}
	return off + 4, nil
}

// checkHeaders validates the fixed-size parts of the headers and returns the end
// of the section table.
func checkHeaders(data []byte) (uint64, error) {
	off, err := ntHeaders(data)
	if err != nil {
		return 0, err
	}
	if off+fileHeaderSize > uint64(len(data)) {
		return 0, ErrTruncated
	}
	n := uint64(binary.LittleEndian.Uint16(data[off+2:]))
	if n > maxNumSections {
		return 0, errors.Wrapf(ErrTooManySections, "%d", n)
	}
	optSize := uint64(binary.LittleEndian.Uint16(data[off+16:]))
	off += fileHeaderSize
	if optSize < 2 {
		return 0, ErrBadOptionalHeader
	}
	if off+2 > uint64(len(data)) {
		return 0, ErrTruncated
	}
	if magic := binary.LittleEndian.Uint16(data[off:]); magic != optionalMagic32 && magic != optionalMagic64 {
		return 0, errors.Wrapf(ErrBadOptionalHeader, "magic 0x%x", magic)
	}
	end := off + optSize + n*sectionHdrSize
	if end > uint64(len(data)) {
		return 0, ErrTruncated
	}
	return end, nil
}

// Parse decodes the headers of an image laid out as the loader maps it.
// Section data is addressed by RVA.
func Parse(data []byte) (*Image, error) {
	return parse(data, pe.NewFileFromMemory, false)
}

// ParseFile decodes the headers of an image laid out as on disk, including
// the attribute certificate table.
func ParseFile(data []byte) (*Image, error) {
	return parse(data, pe.NewFile, true)
}

func parse(data []byte, open func(io.ReaderAt) (*pe.File, error), onDisk bool) (*Image, error) {
	end, err := checkHeaders(data)
	if err != nil {
		return nil, err
	}
	f, err := open(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		return nil, errors.Wrap(err, "parse pe headers")
	}
	img := &Image{
		Lfanew:      binary.LittleEndian.Uint32(data[offsetLfanew:]),
		FileHeader:  f.FileHeader,
		HeaderBytes: append([]byte(nil), data[:end]...),
	}
	if onDisk {
		img.certTable = f.CertificateTable
	}
	if err := img.setOptional(f.OptionalHeader); err != nil {
		return nil, err
	}
	img.Sections = make([]SectionHeader, 0, len(f.Sections))
	for _, s := range f.Sections {
		img.Sections = append(img.Sections, SectionHeader{
			name:             s.Name,
			VirtualSize:      s.VirtualSize,
			VirtualAddress:   s.VirtualAddress,
			SizeOfRawData:    s.Size,
			PointerToRawData: s.Offset,
			Characteristics:  s.Characteristics,
		})
	}
	return img, nil
}

func (img *Image) setOptional(h interface{}) error {
	o := &img.Optional
	switch h := h.(type) {
	case *pe.OptionalHeader32:
		*o = OptionalHeader{
			Magic:               h.Magic,
			AddressOfEntryPoint: h.AddressOfEntryPoint,
			ImageBase:           uint64(h.ImageBase),
			SectionAlignment:    h.SectionAlignment,
			FileAlignment:       h.FileAlignment,
			SizeOfImage:         h.SizeOfImage,
			SizeOfHeaders:       h.SizeOfHeaders,
			CheckSum:            h.CheckSum,
			Subsystem:           h.Subsystem,
			DllCharacteristics:  h.DllCharacteristics,
			NumberOfRvaAndSizes: h.NumberOfRvaAndSizes,
			DataDirectory:       h.DataDirectory,
		}
	case *pe.OptionalHeader64:
		*o = OptionalHeader{
			Magic:               h.Magic,
			AddressOfEntryPoint: h.AddressOfEntryPoint,
			ImageBase:           h.ImageBase,
			SectionAlignment:    h.SectionAlignment,
			FileAlignment:       h.FileAlignment,
			SizeOfImage:         h.SizeOfImage,
			SizeOfHeaders:       h.SizeOfHeaders,
			CheckSum:            h.CheckSum,
			Subsystem:           h.Subsystem,
			DllCharacteristics:  h.DllCharacteristics,
			NumberOfRvaAndSizes: h.NumberOfRvaAndSizes,
			DataDirectory:       h.DataDirectory,
		}
	default:
		return ErrBadOptionalHeader
	}
	return nil
}

func (img *Image) Is64() bool {
	return img.Optional.Magic == optionalMagic64
}

func (img *Image) Machine() uint16 {
	return img.FileHeader.Machine
}

func (img *Image) SizeOfImage() uint32 {
	return img.Optional.SizeOfImage
}

func (img *Image) SizeOfHeaders() uint32 {
	return img.Optional.SizeOfHeaders
}

func (img *Image) SectionAlignment() uint32 {
	return img.Optional.SectionAlignment
}

func (img *Image) IsDLL() bool {
	return img.FileHeader.Characteristics&fileDLL != 0
}

// IsExecutable reports whether the image is marked runnable, which holds
// for both programs and libraries.
func (img *Image) IsExecutable() bool {
	return img.FileHeader.Characteristics&fileExecutableImage != 0
}

// DataDirectory returns entry idx if the header declares it.
func (img *Image) DataDirectory(idx int) (pe.DataDirectory, bool) {
	if idx < 0 || idx >= numDataDirectory || uint32(idx) >= img.Optional.NumberOfRvaAndSizes {
		return pe.DataDirectory{}, false
	}
	d := img.Optional.DataDirectory[idx]
	return d, d.VirtualAddress != 0 && d.Size != 0
}

// Section returns the first section named name, matched case-insensitively.
func (img *Image) Section(name string) (*SectionHeader, bool) {
	for i := range img.Sections {
		if strings.EqualFold(img.Sections[i].Name(), name) {
			return &img.Sections[i], true
		}
	}
	return nil, false
}
