package uxpt

import (
	"unsafe"

	"github.com/behrlich/go-purgeable/internal/constants"
)

// indexInTable returns the index, within a Table's flat descriptor slice,
// of the descriptor covering addr. addr must be page-aligned and lie
// within the range described by the table rooted at dataAddr.
func indexInTable(dataAddr, addr uintptr) int {
	return int(constants.UxpteOffset(dataAddr) + (constants.VirtPage(addr) - constants.VirtPage(dataAddr)))
}

// mmapAddr returns the virtual address backing an mmap'd byte slice.
func mmapAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
