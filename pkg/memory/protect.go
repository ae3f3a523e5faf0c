package memory

import "strings"

// Protection holds the page protection bits of a region, using the Windows
// PAGE_* encoding. The low byte is the base protection; the remaining bits
// are modifiers.
type Protection uint32

const (
	PageNoAccess         Protection = 0x01
	PageReadOnly         Protection = 0x02
	PageReadWrite        Protection = 0x04
	PageWriteCopy        Protection = 0x08
	PageExecute          Protection = 0x10
	PageExecuteRead      Protection = 0x20
	PageExecuteReadWrite Protection = 0x40
	PageExecuteWriteCopy Protection = 0x80

	PageGuard        Protection = 0x100
	PageNoCache      Protection = 0x200
	PageWriteCombine Protection = 0x400

	pageBaseMask     = 0xff
	pageExecuteMask  = PageExecute | PageExecuteRead | PageExecuteReadWrite | PageExecuteWriteCopy
	pageWritableMask = PageReadWrite | PageWriteCopy | PageExecuteReadWrite | PageExecuteWriteCopy
)

// Base strips the modifier bits.
func (p Protection) Base() Protection {
	return p & pageBaseMask
}

func (p Protection) Writable() bool {
	return p.Base()&pageWritableMask != 0
}

func (p Protection) String() string {
	return ProtectSymbol(p)
}

// State is the allocation state of a region.
type State uint32

const (
	MemCommit  State = 0x1000
	MemReserve State = 0x2000
	MemFree    State = 0x10000
)

func (s State) String() string {
	return StateSymbol(s)
}

// Type is the allocation type of a region.
type Type uint32

const (
	MemPrivate Type = 0x20000
	MemMapped  Type = 0x40000
	MemImage   Type = 0x1000000
)

func (t Type) String() string {
	return TypeSymbol(t)
}

// RegionInfo describes one OS-reported range with uniform attributes. It
// mirrors MEMORY_BASIC_INFORMATION.
type RegionInfo struct {
	BaseAddress       Address
	AllocationBase    Address
	AllocationProtect Protection
	RegionSize        uint64
	State             State
	Protect           Protection
	Type              Type
}

func (r RegionInfo) End() Address {
	return r.BaseAddress.Add(r.RegionSize)
}

func (r RegionInfo) Range() Range {
	return Range{Start: r.BaseAddress, End: r.End()}
}

var protectSymbols = map[Protection]string{
	PageNoAccess:         "NA",
	PageReadOnly:         "R",
	PageReadWrite:        "RW",
	PageWriteCopy:        "RC",
	PageExecute:          "X",
	PageExecuteRead:      "RX",
	PageExecuteReadWrite: "RWX",
	PageExecuteWriteCopy: "RCX",
}

// ProtectSymbol returns a short label for p, such as "RX" or "RW+G".
// Unknown base protections map to "?".
func ProtectSymbol(p Protection) string {
	if p == 0 {
		return "-"
	}
	sym, ok := protectSymbols[p.Base()]
	if !ok {
		return "?"
	}
	var b strings.Builder
	b.WriteString(sym)
	if p&PageGuard != 0 {
		b.WriteString("+G")
	}
	if p&PageNoCache != 0 {
		b.WriteString("+NC")
	}
	if p&PageWriteCombine != 0 {
		b.WriteString("+WC")
	}
	return b.String()
}

func TypeSymbol(t Type) string {
	switch t {
	case MemImage:
		return "IMG"
	case MemMapped:
		return "MAP"
	case MemPrivate:
		return "PRV"
	}
	return "?"
}

func StateSymbol(s State) string {
	switch s {
	case MemCommit:
		return "COMMIT"
	case MemReserve:
		return "RESERVE"
	case MemFree:
		return "FREE"
	}
	return "?"
}

// AttribDesc describes the kind of memory a region holds.
func AttribDesc(info RegionInfo) string {
	switch info.State {
	case MemFree:
		return "Free"
	case MemReserve:
		return "Reserved"
	case MemCommit:
	default:
		return "Unknown"
	}
	switch info.Type {
	case MemImage:
		return "Image"
	case MemMapped:
		return "Mapped"
	case MemPrivate:
		return "Private"
	}
	return "Unknown"
}

// PageExecutable reports whether p grants any execute permission.
func PageExecutable(p Protection) bool {
	return p.Base()&pageExecuteMask != 0
}
