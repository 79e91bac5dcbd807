package mem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	require.NoError(t, Check())
}

func TestReserveAlignedAlignment(t *testing.T) {
	tests := []struct {
		name  string
		size  uintptr
		align uintptr
	}{
		{name: "one page", size: PageSize, align: PageSize},
		{name: "1 MiB aligned to 1 MiB", size: 1 << 20, align: 1 << 20},
		{name: "64 KiB aligned to 16 MiB", size: 64 << 10, align: 16 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, mapping, err := ReserveAligned(tt.size, tt.align)
			require.NoError(t, err)
			require.NotNil(t, mapping)
			require.Zero(t, base%tt.align, "base %#x not aligned to %#x", base, tt.align)

			// The aligned range must sit inside the raw reservation.
			raw := uintptr(unsafe.Pointer(&mapping[0]))
			require.GreaterOrEqual(t, base, raw)
			require.LessOrEqual(t, base+tt.size, raw+uintptr(len(mapping)))
		})
	}
}

func TestCommitMakesPagesWritable(t *testing.T) {
	base, _, err := ReserveAligned(4*PageSize, PageSize)
	require.NoError(t, err)

	require.NoError(t, Commit(base, 2*PageSize))

	p := (*byte)(unsafe.Pointer(base))
	*p = 0xa5
	require.Equal(t, byte(0xa5), *p)

	q := (*byte)(unsafe.Pointer(base + 2*PageSize - 1))
	*q = 0x5a
	require.Equal(t, byte(0x5a), *q)
}

func TestReclaimDropsContents(t *testing.T) {
	base, _, err := ReserveAligned(PageSize, PageSize)
	require.NoError(t, err)
	require.NoError(t, Commit(base, PageSize))

	p := (*uint64)(unsafe.Pointer(base))
	*p = 0xdeadbeef
	require.NoError(t, Reclaim(base, PageSize))

	// Recommitting revives the page as zeroes.
	require.NoError(t, Commit(base, PageSize))
	require.Zero(t, *p)
}

func TestSliceAtRejectsMisalignment(t *testing.T) {
	base, _, err := ReserveAligned(PageSize, PageSize)
	require.NoError(t, err)

	require.Panics(t, func() { Commit(base+1, PageSize) })
	require.Panics(t, func() { Commit(base, PageSize-1) })
}
