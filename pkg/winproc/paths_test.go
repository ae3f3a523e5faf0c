package winproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceMap(t *testing.T) {
	m := NewDeviceMap(map[string]string{
		"C:": `\Device\HarddiskVolume3`,
		"D:": `\Device\HarddiskVolume31`,
		"Z:": `\Device\LanmanRedirector\;Z:0000000000012345\server\share\`,
	})
	for _, tc := range []struct{ in, want string }{
		{`\Device\HarddiskVolume3\Windows\System32\ntdll.dll`, `C:\Windows\System32\ntdll.dll`},
		{`\Device\harddiskvolume3\Windows\notepad.exe`, `C:\Windows\notepad.exe`},
		{`\Device\HarddiskVolume31\tools\x.dll`, `D:\tools\x.dll`},
		{`\Device\LanmanRedirector\;Z:0000000000012345\server\share\a.dll`, `Z:\a.dll`},
		{`\Device\HarddiskVolume4\x.dll`, `\Device\HarddiskVolume4\x.dll`},
		{`\Device\HarddiskVolume3`, `\Device\HarddiskVolume3`},
	} {
		assert.Equal(t, tc.want, m.DOSPath(tc.in), tc.in)
	}
}

func TestLayoutPointer(t *testing.T) {
	b := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70}
	assert.Equal(t, uint64(0x7060504030201000), layout64.pointer(b, 8))
	assert.Equal(t, uint64(0x30201000), layout32.pointer(b, 8))
	assert.Zero(t, layout64.pointer(b, 12))
}
