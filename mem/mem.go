// Package mem is the virtual-memory layer of the collector. It wraps the
// small set of kernel operations the heap needs: reserving large aligned
// address ranges with no backing, committing pages read-write, and handing
// pages back to the OS.
package mem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize is the unit of commit and reclaim. The segment layout depends on
// this exact value; Check verifies it against the kernel at startup.
const PageSize = 4096

// Check confirms the kernel page size matches the compiled-in PageSize.
func Check() error {
	if ps := unix.Getpagesize(); ps != PageSize {
		return errors.Errorf("kernel page size %d, heap layout requires %d", ps, PageSize)
	}
	return nil
}

// ReserveAligned reserves size bytes of inaccessible address space whose
// base is a multiple of align. The kernel gives no alignment guarantee
// beyond a page, so we over-reserve by align and round the base up.
//
// The returned mapping slice covers the whole over-reservation and must be
// kept reachable for the lifetime of the region; the base points at the
// aligned sub-range inside it. Nothing is committed: every page is
// PROT_NONE until Commit.
func ReserveAligned(size, align uintptr) (uintptr, []byte, error) {
	mapping, err := unix.Mmap(-1, 0, int(size+align),
		unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "reserve %d bytes of address space", size+align)
	}
	base := (uintptr(unsafe.Pointer(&mapping[0])) + align - 1) &^ (align - 1)
	return base, mapping, nil
}

// Commit makes n bytes at addr readable and writable. addr and n must be
// page-aligned. Physical backing is supplied by the kernel on first touch.
func Commit(addr, n uintptr) error {
	if err := unix.Mprotect(sliceAt(addr, n), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrapf(err, "commit %d bytes at %#x", n, addr)
	}
	return nil
}

// Reclaim makes n bytes at addr inaccessible and tells the kernel their
// physical backing is no longer needed. addr and n must be page-aligned.
// The address range stays reserved; a later Commit revives it as zero
// pages.
func Reclaim(addr, n uintptr) error {
	s := sliceAt(addr, n)
	if err := unix.Mprotect(s, unix.PROT_NONE); err != nil {
		return errors.Wrapf(err, "protect %d bytes at %#x", n, addr)
	}
	if err := unix.Madvise(s, unix.MADV_DONTNEED); err != nil {
		return errors.Wrapf(err, "release %d bytes at %#x", n, addr)
	}
	return nil
}

// sliceAt reinterprets a raw page range as a byte slice for the unix
// wrappers, which take memory regions as slices.
func sliceAt(addr, n uintptr) []byte {
	if addr%PageSize != 0 || n%PageSize != 0 {
		panic("mem: range not page-aligned")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
