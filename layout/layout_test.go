package layout

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// probe is a pointer-bearing global, which the linker places in the test
// binary's data segment; DataRegions must cover its address.
var probe unsafe.Pointer

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Mapping
		wantErr bool
	}{
		{
			name: "anonymous mapping",
			line: "7f1200000000-7f1240000000 rw-p 00000000 00:00 0",
			want: Mapping{Start: 0x7f1200000000, End: 0x7f1240000000, Perms: "rw-p"},
		},
		{
			name: "file-backed mapping",
			line: "00400000-00401000 r-xp 00001000 08:01 131090 /usr/bin/true",
			want: Mapping{Start: 0x400000, End: 0x401000, Perms: "r-xp", Offset: 0x1000, Path: "/usr/bin/true"},
		},
		{
			name: "special mapping",
			line: "7ffc0e2f0000-7ffc0e311000 rw-p 00000000 00:00 0 [stack]",
			want: Mapping{Start: 0x7ffc0e2f0000, End: 0x7ffc0e311000, Perms: "rw-p", Path: "[stack]"},
		},
		{
			name:    "truncated line",
			line:    "00400000-00401000 r-xp",
			wantErr: true,
		},
		{
			name:    "bad address range",
			line:    "nonsense r-xp 00000000 08:01 1 /bin/x",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMapsLine(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSelfMappings(t *testing.T) {
	mappings, err := SelfMappings()
	require.NoError(t, err)
	require.NotEmpty(t, mappings)

	var prevEnd uintptr
	for _, m := range mappings {
		require.Less(t, m.Start, m.End, "mapping %+v inverted", m)
		require.GreaterOrEqual(t, m.Start, prevEnd, "mappings out of address order")
		prevEnd = m.End
	}

	// A local variable lives somewhere in the process map.
	var local int
	addr := uintptr(unsafe.Pointer(&local))
	found := false
	for _, m := range mappings {
		if m.Contains(addr) {
			found = true
			require.True(t, m.Writable())
		}
	}
	require.True(t, found, "no mapping contains a live stack address")
}

func TestDataRegionsCoverGlobals(t *testing.T) {
	regions, err := DataRegions()
	require.NoError(t, err)
	require.NotEmpty(t, regions)

	for _, r := range regions {
		require.Less(t, r.Start, r.End, "region %+v inverted", r)
	}

	addr := uintptr(unsafe.Pointer(&probe))
	found := false
	for _, r := range regions {
		if r.Contains(addr) {
			found = true
		}
	}
	require.True(t, found, "global probe at %#x not inside any data region", addr)
}

func TestWritableImageMappingsFallback(t *testing.T) {
	regions, err := writableImageMappings()
	require.NoError(t, err)
	require.NotEmpty(t, regions)

	// The degraded source must be a superset of the data segment, so it
	// too covers the probe.
	addr := uintptr(unsafe.Pointer(&probe))
	found := false
	for _, r := range regions {
		if r.Contains(addr) {
			found = true
		}
	}
	require.True(t, found, "fallback regions do not cover global probe")
}
