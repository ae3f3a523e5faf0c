package memory

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrContentUnavailable is returned when the backing file of a mapping
	// cannot be read: deleted, access denied, path too long, or never cached.
	ErrContentUnavailable = errors.New("file content unavailable")

	// ErrArchMismatch is recorded when a mapped image targets a different
	// bitness than the process it was found in.
	ErrArchMismatch = errors.New("image architecture does not match process")
)

// Process gives read-only access to the inspected process. One Process is
// shared by every Subregion and Entity of a scan.
type Process interface {
	PID() int
	Is64Bit() bool
	// ReadMemory reads size bytes starting at addr.
	ReadMemory(addr Address, size uint64) ([]byte, error)
	// QueryPrivateSize returns the number of resident bytes of r that are not
	// shared with any other process.
	QueryPrivateSize(r Range) (uint64, error)
}

// FileIdentityResolver returns the path of the file backing r, if any.
type FileIdentityResolver interface {
	FileIdentity(proc Process, r Range) (path string, ok bool)
}

// FileSource reads the complete content of a file by path.
type FileSource interface {
	ReadFile(path string) ([]byte, error)
}

// ModuleRecord is the loader's bookkeeping entry for a loaded image.
type ModuleRecord struct {
	Base       Address
	EntryPoint Address
	Path       string
	Name       string
	Size       uint32
}

// ModuleLookup finds the loaded-module record whose base address is base.
// ok is false when the loader has no such record.
type ModuleLookup interface {
	Module(proc Process, base Address) (rec ModuleRecord, ok bool, err error)
}

// Signature is the outcome of verifying an on-disk file.
type Signature struct {
	Type  SigningType
	Level SigningLevel
}

// SignatureVerifier checks the embedded or catalog signature of a file.
type SignatureVerifier interface {
	Verify(path string) (Signature, error)
}

// DumpRecord is what an entity hands to a DumpSink. Path is the backing
// file, Section the section name for KindPESection.
type DumpRecord struct {
	PID     int
	Kind    Kind
	Range   Range
	Path    string
	Section string
	Data    []byte
}

// DumpSink persists entity bytes.
type DumpSink interface {
	Dump(ctx context.Context, rec DumpRecord) error
}

type noopResolver struct{}

func (noopResolver) FileIdentity(Process, Range) (string, bool) { return "", false }

func (noopResolver) Module(Process, Address) (ModuleRecord, bool, error) {
	return ModuleRecord{}, false, nil
}

type noopFileSource struct{}

func (noopFileSource) ReadFile(string) ([]byte, error) { return nil, ErrContentUnavailable }

type noopVerifier struct{}

func (noopVerifier) Verify(string) (Signature, error) {
	return Signature{Type: SigningUnchecked, Level: SigningLevelUnchecked}, nil
}
