package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtectSymbol(t *testing.T) {
	for p, want := range map[Protection]string{
		0:                                "-",
		PageNoAccess:                     "NA",
		PageReadOnly:                     "R",
		PageReadWrite:                    "RW",
		PageWriteCopy:                    "RC",
		PageExecute:                      "X",
		PageExecuteRead:                  "RX",
		PageExecuteReadWrite:             "RWX",
		PageExecuteWriteCopy:             "RCX",
		PageReadWrite | PageGuard:        "RW+G",
		PageReadOnly | PageNoCache:       "R+NC",
		PageReadWrite | PageWriteCombine: "RW+WC",
		PageExecuteRead | PageGuard:      "RX+G",
		0x03:                             "?",
	} {
		require.Equal(t, want, ProtectSymbol(p), "protect 0x%x", uint32(p))
	}
}

func TestPageExecutable(t *testing.T) {
	require.True(t, PageExecutable(PageExecute))
	require.True(t, PageExecutable(PageExecuteRead|PageGuard))
	require.True(t, PageExecutable(PageExecuteWriteCopy))
	require.False(t, PageExecutable(PageReadWrite))
	require.False(t, PageExecutable(PageNoAccess))
	require.False(t, PageExecutable(0))

	require.True(t, PageExecuteReadWrite.Writable())
	require.False(t, PageExecuteRead.Writable())
}

func TestSymbols(t *testing.T) {
	require.Equal(t, "IMG", TypeSymbol(MemImage))
	require.Equal(t, "MAP", TypeSymbol(MemMapped))
	require.Equal(t, "PRV", TypeSymbol(MemPrivate))
	require.Equal(t, "?", TypeSymbol(0))

	require.Equal(t, "COMMIT", StateSymbol(MemCommit))
	require.Equal(t, "RESERVE", StateSymbol(MemReserve))
	require.Equal(t, "FREE", StateSymbol(MemFree))
	require.Equal(t, "?", StateSymbol(7))
}

func TestAttribDesc(t *testing.T) {
	for _, tc := range []struct {
		state State
		typ   Type
		want  string
	}{
		{MemFree, 0, "Free"},
		{MemReserve, MemPrivate, "Reserved"},
		{MemCommit, MemImage, "Image"},
		{MemCommit, MemMapped, "Mapped"},
		{MemCommit, MemPrivate, "Private"},
		{MemCommit, 0, "Unknown"},
		{0, MemPrivate, "Unknown"},
	} {
		require.Equal(t, tc.want, AttribDesc(RegionInfo{State: tc.state, Type: tc.typ}))
	}
}

func TestSigningLevelFromWindows(t *testing.T) {
	require.Equal(t, SigningLevelUnchecked, SigningLevelFromWindows(0x0))
	require.Equal(t, SigningLevelUnsigned, SigningLevelFromWindows(0x1))
	require.Equal(t, SigningLevelAuthenticode, SigningLevelFromWindows(0x4))
	require.Equal(t, SigningLevelMicrosoft, SigningLevelFromWindows(0x8))
	require.Equal(t, SigningLevelWindows, SigningLevelFromWindows(0xE))
	require.Equal(t, SigningLevelUntrusted, SigningLevelFromWindows(0x3))
	require.Less(t, SigningLevelUnsigned, SigningLevelAuthenticode)
	require.Less(t, SigningLevelMicrosoft, SigningLevelWindows)
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "None", Flags(0).String())
	require.Equal(t, "Stack|TEB", (FlagStack | FlagTEB).String())
	require.Equal(t, "Heap|DotNet|BaseImage", (FlagHeap | FlagDotNet | FlagBaseImage).String())
}
