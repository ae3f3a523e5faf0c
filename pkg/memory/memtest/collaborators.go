package memtest

import (
	"context"
	"os"
	"sync"

	"github.com/grafana/memscan/pkg/memory"
)

// Resolver maps allocation start addresses to file paths and module
// records.
type Resolver struct {
	Paths   map[memory.Address]string
	Modules map[memory.Address]memory.ModuleRecord
	Err     error
}

func NewResolver() *Resolver {
	return &Resolver{
		Paths:   map[memory.Address]string{},
		Modules: map[memory.Address]memory.ModuleRecord{},
	}
}

func (r *Resolver) FileIdentity(_ memory.Process, rng memory.Range) (string, bool) {
	p, ok := r.Paths[rng.Start]
	return p, ok
}

func (r *Resolver) Module(_ memory.Process, base memory.Address) (memory.ModuleRecord, bool, error) {
	if r.Err != nil {
		return memory.ModuleRecord{}, false, r.Err
	}
	rec, ok := r.Modules[base]
	return rec, ok, nil
}

// Files is a memory.FileSource that counts reads.
type Files struct {
	mu    sync.Mutex
	Data  map[string][]byte
	reads int
}

func NewFiles() *Files {
	return &Files{Data: map[string][]byte{}}
}

func (f *Files) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	b, ok := f.Data[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return b, nil
}

func (f *Files) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Verifier answers with fixed signatures per path. Unknown paths are
// unsigned.
type Verifier struct {
	mu         sync.Mutex
	Signatures map[string]memory.Signature
	Err        error
	calls      int
}

func NewVerifier() *Verifier {
	return &Verifier{Signatures: map[string]memory.Signature{}}
}

func (v *Verifier) Verify(path string) (memory.Signature, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.Err != nil {
		return memory.Signature{}, v.Err
	}
	if sig, ok := v.Signatures[path]; ok {
		return sig, nil
	}
	return memory.Signature{Type: memory.SigningUnsigned, Level: memory.SigningLevelUnsigned}, nil
}

func (v *Verifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// Sink collects dump records.
type Sink struct {
	mu      sync.Mutex
	Records []memory.DumpRecord
	Err     error
}

func (s *Sink) Dump(_ context.Context, rec memory.DumpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Records = append(s.Records, rec)
	return nil
}
