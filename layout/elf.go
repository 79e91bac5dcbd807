// Package layout discovers the root regions of the running process: the
// extents of its initialised and zero-initialised global data. The
// collector scans these regions conservatively for candidate heap
// pointers.
//
// The primary mechanism parses the program's own ELF image from
// /proc/self/exe for its data sections and relocates their virtual
// addresses by the load slide observed in /proc/self/maps. If the image
// cannot be parsed, discovery degrades to every writable private mapping
// of the executable, a conservative superset of the data segment.
package layout

import (
	"bytes"
	"debug/elf"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Region is a half-open address interval scanned for roots.
type Region struct {
	Start uintptr
	End   uintptr
}

// Len returns the region size in bytes.
func (r Region) Len() uintptr { return r.End - r.Start }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uintptr) bool {
	return r.Start <= addr && addr < r.End
}

// Go images split globals across four sections: pointer-bearing data in
// .data/.bss and pointer-free data in .noptrdata/.noptrbss. A conservative
// scanner wants all four, since an address held in a uintptr is still a
// reference worth honoring.
var dataSections = []string{".data", ".noptrdata", ".bss", ".noptrbss"}

// DataRegions returns the global-data intervals of the running program,
// lowest address first. It never returns an empty, nil-error result: if
// the ELF parse fails the degraded maps-based superset is returned
// instead.
func DataRegions() ([]Region, error) {
	regions, err := elfDataRegions()
	if err == nil {
		return regions, nil
	}
	regions, ferr := writableImageMappings()
	if ferr != nil {
		return nil, errors.Wrap(ferr, "image parse and maps fallback both failed")
	}
	return regions, nil
}

// elfDataRegions maps the program image read-only, locates its data
// sections, and relocates them by the load slide.
func elfDataRegions() ([]Region, error) {
	f, err := os.Open("/proc/self/exe")
	if err != nil {
		return nil, errors.Wrap(err, "open program image")
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "map program image")
	}
	defer m.Unmap()

	ef, err := elf.NewFile(bytes.NewReader(m))
	if err != nil {
		return nil, errors.Wrap(err, "parse program image")
	}

	slide, err := loadSlide(ef)
	if err != nil {
		return nil, err
	}

	var regions []Region
	for _, name := range dataSections {
		sec := ef.Section(name)
		if sec == nil || sec.Size == 0 {
			continue
		}
		start := uintptr(sec.Addr) + slide
		regions = append(regions, Region{Start: start, End: start + uintptr(sec.Size)})
	}
	if len(regions) == 0 {
		return nil, errors.New("no data sections in program image")
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	return regions, nil
}

// loadSlide computes the difference between where the image's first load
// segment was linked to live and where the kernel actually placed it.
// Non-relocatable executables load at their linked address.
func loadSlide(ef *elf.File) (uintptr, error) {
	if ef.Type == elf.ET_EXEC {
		return 0, nil
	}

	minVaddr := ^uint64(0)
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < minVaddr {
			minVaddr = p.Vaddr
		}
	}
	if minVaddr == ^uint64(0) {
		return 0, errors.New("no loadable segments in program image")
	}

	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return 0, errors.Wrap(err, "resolve program image path")
	}
	mappings, err := SelfMappings()
	if err != nil {
		return 0, err
	}
	for _, m := range mappings {
		if m.Path == exe && m.Offset == 0 {
			return m.Start - uintptr(minVaddr), nil
		}
	}
	return 0, errors.Errorf("image %s not present in process map", exe)
}

// writableImageMappings is the degraded root source: every writable
// private mapping of the executable, plus the anonymous mapping that
// immediately follows it (the kernel places the zero-initialised tail of
// the data segment there). Larger than the true data extent, never
// smaller.
func writableImageMappings() ([]Region, error) {
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return nil, errors.Wrap(err, "resolve program image path")
	}
	mappings, err := SelfMappings()
	if err != nil {
		return nil, err
	}

	var regions []Region
	for i, m := range mappings {
		if m.Path == exe && m.Writable() {
			regions = append(regions, Region{Start: m.Start, End: m.End})
			// The bss tail shows up as an adjacent anonymous writable
			// mapping.
			if i+1 < len(mappings) {
				next := mappings[i+1]
				if next.Path == "" && next.Writable() && next.Start == m.End {
					regions = append(regions, Region{Start: next.Start, End: next.End})
				}
			}
		}
	}
	if len(regions) == 0 {
		return nil, errors.Errorf("no writable mappings of %s", exe)
	}
	return regions, nil
}
