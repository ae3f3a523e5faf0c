package memory

import "fmt"

// SigningType says how, if at all, an image file is signed.
type SigningType int

const (
	// SigningUnchecked means there was nothing to check: no backing file,
	// or headers that did not parse. It is not evidence of a missing
	// signature.
	SigningUnchecked SigningType = iota
	SigningUnsigned
	SigningEmbedded
	SigningCatalog
)

func (t SigningType) String() string {
	switch t {
	case SigningUnchecked:
		return "unchecked"
	case SigningUnsigned:
		return "unsigned"
	case SigningEmbedded:
		return "embedded"
	case SigningCatalog:
		return "catalog"
	}
	return fmt.Sprintf("signing(%d)", int(t))
}

// SigningLevel orders how far a signature can be trusted. Higher is more
// trusted.
type SigningLevel uint32

const (
	SigningLevelUnchecked SigningLevel = iota
	SigningLevelUnsigned
	// SigningLevelUntrusted means a signature is present but was not, or
	// could not be, validated.
	SigningLevelUntrusted
	SigningLevelAuthenticode
	SigningLevelMicrosoft
	SigningLevelWindows
)

func (l SigningLevel) String() string {
	switch l {
	case SigningLevelUnchecked:
		return "unchecked"
	case SigningLevelUnsigned:
		return "unsigned"
	case SigningLevelUntrusted:
		return "untrusted"
	case SigningLevelAuthenticode:
		return "authenticode"
	case SigningLevelMicrosoft:
		return "microsoft"
	case SigningLevelWindows:
		return "windows"
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// SigningLevelFromWindows maps a SE_SIGNING_LEVEL_* code as reported by the
// Windows code integrity subsystem.
//
//	0x00 unchecked                   -> Unchecked
//	0x01 unsigned                    -> Unsigned
//	0x02 enterprise, 0x04 authenticode,
//	0x06 store                       -> Authenticode
//	0x08 microsoft                   -> Microsoft
//	0x0C windows, 0x0E windows tcb   -> Windows
//	custom and dynamic codegen levels -> Untrusted
func SigningLevelFromWindows(code uint32) SigningLevel {
	switch code {
	case 0x00:
		return SigningLevelUnchecked
	case 0x01:
		return SigningLevelUnsigned
	case 0x02, 0x04, 0x06:
		return SigningLevelAuthenticode
	case 0x08:
		return SigningLevelMicrosoft
	case 0x0C, 0x0E:
		return SigningLevelWindows
	}
	return SigningLevelUntrusted
}
