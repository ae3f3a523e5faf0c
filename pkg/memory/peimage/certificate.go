package peimage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	CertRevision1 = 0x0100
	CertRevision2 = 0x0200

	CertTypeX509           = 0x0001
	CertTypePKCSSignedData = 0x0002

	certHeaderSize = 8
)

var ErrNoCertificates = errors.New("no certificate table")

// Certificate is one WIN_CERTIFICATE entry of the attribute certificate
// table.
type Certificate struct {
	Length   uint32
	Revision uint16
	Type     uint16
	Content  []byte
}

// Authenticode reports whether the entry holds a PKCS#7 SignedData blob.
func (c Certificate) Authenticode() bool {
	return c.Type == CertTypePKCSSignedData && (c.Revision == CertRevision1 || c.Revision == CertRevision2)
}

// HasCertificateTable reports whether the security directory is declared.
func (img *Image) HasCertificateTable() bool {
	_, ok := img.DataDirectory(directoryEntrySecurity)
	return ok
}

// Certificates walks the attribute certificate table. The table lives at a
// file offset, so only images from ParseFile carry one.
func (img *Image) Certificates() ([]Certificate, error) {
	table := img.certTable
	if !img.HasCertificateTable() || len(table) == 0 {
		return nil, ErrNoCertificates
	}
	end := uint64(len(table))
	var certs []Certificate
	for off := uint64(0); off+certHeaderSize <= end; {
		c := Certificate{
			Length:   binary.LittleEndian.Uint32(table[off:]),
			Revision: binary.LittleEndian.Uint16(table[off+4:]),
			Type:     binary.LittleEndian.Uint16(table[off+6:]),
		}
		if c.Length < certHeaderSize || off+uint64(c.Length) > end {
			return certs, errors.Wrapf(ErrTruncated, "certificate at 0x%x has length %d", off, c.Length)
		}
		c.Content = table[off+certHeaderSize : off+uint64(c.Length)]
		certs = append(certs, c)
		// entries are quadword aligned
		off += (uint64(c.Length) + 7) &^ 7
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}
