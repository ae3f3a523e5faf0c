// Package signing verifies the signatures of on-disk image files.
package signing

import (
	"github.com/pkg/errors"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/memory/peimage"
)

// Embedded inspects the attribute certificate table of a PE file. It can
// tell unsigned files from files carrying an Authenticode blob, but it does
// not validate the chain, so a present signature is only ever reported as
// untrusted.
type Embedded struct {
	files memory.FileSource
}

var _ memory.SignatureVerifier = (*Embedded)(nil)

func NewEmbedded(files memory.FileSource) *Embedded {
	return &Embedded{files: files}
}

func (v *Embedded) Verify(path string) (memory.Signature, error) {
	file, err := v.files.ReadFile(path)
	if err != nil {
		return memory.Signature{}, errors.Wrapf(err, "read %s", path)
	}
	img, err := peimage.ParseFile(file)
	if err != nil {
		return memory.Signature{}, errors.Wrapf(err, "parse %s", path)
	}
	certs, err := img.Certificates()
	switch {
	case errors.Is(err, peimage.ErrNoCertificates):
		return unsigned, nil
	case err != nil && len(certs) == 0:
		return memory.Signature{}, errors.Wrapf(err, "certificates of %s", path)
	}
	for _, c := range certs {
		if c.Authenticode() {
			return memory.Signature{Type: memory.SigningEmbedded, Level: memory.SigningLevelUntrusted}, nil
		}
	}
	return unsigned, nil
}

// failedVerification classifies a file whose signature did not verify. One
// still carrying an Authenticode blob is untrusted rather than unsigned.
func failedVerification(fallback memory.SignatureVerifier, path string) memory.Signature {
	sig, err := fallback.Verify(path)
	if err != nil {
		return unsigned
	}
	return sig
}

var unsigned = memory.Signature{Type: memory.SigningUnsigned, Level: memory.SigningLevelUnsigned}
