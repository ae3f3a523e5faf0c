//go:build windows

package signing

import (
	"encoding/hex"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/grafana/memscan/pkg/memory"
)

var (
	modwintrust = windows.NewLazySystemDLL("wintrust.dll")
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procCryptCATAdminAcquireContext2         = modwintrust.NewProc("CryptCATAdminAcquireContext2")
	procCryptCATAdminReleaseContext          = modwintrust.NewProc("CryptCATAdminReleaseContext")
	procCryptCATAdminCalcHashFromFileHandle2 = modwintrust.NewProc("CryptCATAdminCalcHashFromFileHandle2")
	procCryptCATAdminEnumCatalogFromHash     = modwintrust.NewProc("CryptCATAdminEnumCatalogFromHash")
	procCryptCATCatalogInfoFromContext       = modwintrust.NewProc("CryptCATCatalogInfoFromContext")
	procCryptCATAdminReleaseCatalogContext   = modwintrust.NewProc("CryptCATAdminReleaseCatalogContext")
	procGetCachedSigningLevel                = modkernel32.NewProc("GetCachedSigningLevel")
)

var sha256Alg = windows.StringToUTF16Ptr("SHA256")

type catalogInfo struct {
	size        uint32
	catalogFile [windows.MAX_PATH]uint16
}

type wintrustCatalogInfo struct {
	size                   uint32
	catalogVersion         uint32
	catalogFilePath        *uint16
	memberTag              *uint16
	memberFilePath         *uint16
	memberFile             windows.Handle
	calculatedFileHash     *byte
	calculatedFileHashSize uint32
	catalogContext         uintptr
	catAdmin               uintptr
}

// WinTrust verifies files with WinVerifyTrust, first against the embedded
// signature and then against the system catalogs. The level comes from the
// code integrity cache when the kernel has one for the file. Files failing
// both checks are classified by their certificate table.
type WinTrust struct {
	fallback *Embedded
}

var _ memory.SignatureVerifier = WinTrust{}

func NewWinTrust(files memory.FileSource) WinTrust {
	return WinTrust{fallback: NewEmbedded(files)}
}

func (w WinTrust) Verify(path string) (memory.Signature, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return memory.Signature{}, errors.Wrapf(err, "path %q", path)
	}
	f, err := windows.CreateFile(p, windows.GENERIC_READ, windows.FILE_SHARE_READ|windows.FILE_SHARE_DELETE, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return memory.Signature{}, errors.Wrapf(err, "open %s", path)
	}
	defer windows.CloseHandle(f)

	typ := memory.SigningUnsigned
	switch {
	case verifyEmbedded(p, f) == nil:
		typ = memory.SigningEmbedded
	case verifyCatalog(p, f) == nil:
		typ = memory.SigningCatalog
	}
	if typ == memory.SigningUnsigned {
		return failedVerification(w.fallback, path), nil
	}
	sig := memory.Signature{Type: typ, Level: memory.SigningLevelAuthenticode}
	if lvl, ok := cachedSigningLevel(f); ok && lvl > memory.SigningLevelUnsigned {
		sig.Level = lvl
	}
	return sig, nil
}

func verifyEmbedded(path *uint16, f windows.Handle) error {
	info := windows.WinTrustFileInfo{
		Size:     uint32(unsafe.Sizeof(windows.WinTrustFileInfo{})),
		FilePath: path,
		File:     f,
	}
	return winVerify(windows.WTD_CHOICE_FILE, unsafe.Pointer(&info))
}

func verifyCatalog(path *uint16, f windows.Handle) error {
	var admin uintptr
	r, _, err := procCryptCATAdminAcquireContext2.Call(uintptr(unsafe.Pointer(&admin)), 0, uintptr(unsafe.Pointer(sha256Alg)), 0, 0)
	if r == 0 {
		return errors.Wrap(err, "CryptCATAdminAcquireContext2")
	}
	defer procCryptCATAdminReleaseContext.Call(admin, 0)

	var size uint32
	procCryptCATAdminCalcHashFromFileHandle2.Call(admin, uintptr(f), uintptr(unsafe.Pointer(&size)), 0, 0)
	if size == 0 {
		return errors.New("file hash size unknown")
	}
	hash := make([]byte, size)
	r, _, err = procCryptCATAdminCalcHashFromFileHandle2.Call(admin, uintptr(f), uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&hash[0])), 0)
	if r == 0 {
		return errors.Wrap(err, "CryptCATAdminCalcHashFromFileHandle2")
	}

	catalog, _, _ := procCryptCATAdminEnumCatalogFromHash.Call(admin, uintptr(unsafe.Pointer(&hash[0])), uintptr(size), 0, 0)
	if catalog == 0 {
		return errors.New("no catalog holds the file hash")
	}
	defer procCryptCATAdminReleaseCatalogContext.Call(admin, catalog, 0)

	ci := catalogInfo{size: uint32(unsafe.Sizeof(catalogInfo{}))}
	r, _, err = procCryptCATCatalogInfoFromContext.Call(catalog, uintptr(unsafe.Pointer(&ci)), 0)
	if r == 0 {
		return errors.Wrap(err, "CryptCATCatalogInfoFromContext")
	}

	// the member tag is the uppercase hex of the file hash
	tag := windows.StringToUTF16Ptr(strings.ToUpper(hex.EncodeToString(hash)))
	info := wintrustCatalogInfo{
		size:                   uint32(unsafe.Sizeof(wintrustCatalogInfo{})),
		catalogFilePath:        &ci.catalogFile[0],
		memberTag:              tag,
		memberFilePath:         path,
		memberFile:             f,
		calculatedFileHash:     &hash[0],
		calculatedFileHashSize: size,
		catAdmin:               admin,
	}
	return winVerify(windows.WTD_CHOICE_CATALOG, unsafe.Pointer(&info))
}

func winVerify(choice uint32, info unsafe.Pointer) error {
	data := windows.WinTrustData{
		Size:                            uint32(unsafe.Sizeof(windows.WinTrustData{})),
		UIChoice:                        windows.WTD_UI_NONE,
		RevocationChecks:                windows.WTD_REVOKE_NONE,
		UnionChoice:                     choice,
		FileOrCatalogOrBlobOrSgnrOrCert: info,
		StateAction:                     windows.WTD_STATEACTION_VERIFY,
	}
	err := windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, &data)
	data.StateAction = windows.WTD_STATEACTION_CLOSE
	_ = windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, &data)
	return err
}

func cachedSigningLevel(f windows.Handle) (memory.SigningLevel, bool) {
	if procGetCachedSigningLevel.Find() != nil {
		return 0, false
	}
	var flags, level uint32
	r, _, _ := procGetCachedSigningLevel.Call(uintptr(f), uintptr(unsafe.Pointer(&flags)), uintptr(unsafe.Pointer(&level)), 0, 0, 0)
	if r == 0 {
		return 0, false
	}
	return memory.SigningLevelFromWindows(level), true
}
