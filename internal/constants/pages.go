package constants

import "math"

// VirtPage returns the virtual page number of a virtual address.
func VirtPage(addr uintptr) uintptr {
	return addr >> PageShift
}

// UxptePageNo returns the page number, within a UXPT mapping, that holds
// the descriptor for addr.
//
//	|         virtual page number                |                           |
//	|----------------------------------------------| vaddr offset in virt page |
//	| uxpte page number |  offset in uxpte page    |                           |
func UxptePageNo(addr uintptr) uintptr {
	return VirtPage(addr) >> UxptePerPageShift
}

// UxpteOffset returns the offset, in descriptors, of addr's descriptor
// within its UXPT page.
func UxpteOffset(addr uintptr) uintptr {
	return VirtPage(addr) & (UxptePerPage - 1)
}

// RoundUp rounds val up to the next multiple of align, returning val
// unchanged on overflow or if align is 0 (mirrors the original C
// implementation's saturating RoundUp).
func RoundUp(val uint64, align uint64) uint64 {
	if align == 0 {
		return val
	}
	if val+align < val || val+align < align {
		return val
	}
	return ((val + align - 1) / align) * align
}

// RoundDown rounds val down to the previous multiple of align.
func RoundDown(val uint64, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return val &^ (align - 1)
}

// UxPageSize returns the byte length of the UXPT mapping that covers the
// data range [dataAddr, dataAddr+dataSize), including the overflow and
// degenerate-size checks the original implementation performs (see
// original_source/libpurgeablemem/common/src/ux_page_table_c.c:GetUxPageSize).
// It returns 0 if the computation would overflow.
func UxPageSize(dataAddr uintptr, dataSize uintptr) uint64 {
	if dataSize == 0 {
		return 0
	}
	end := uint64(dataAddr) + uint64(dataSize)
	if end < uint64(dataAddr) || end < uint64(dataSize) || end < 1 {
		return 0
	}
	pageNoEnd := UxptePageNo(uintptr(end - 1))
	pageNoStart := UxptePageNo(dataAddr)
	if uint64(pageNoEnd) < uint64(pageNoStart) {
		return 0
	}
	numPages := uint64(pageNoEnd) - uint64(pageNoStart) + 1
	if numPages > math.MaxUint64/PageSize {
		return 0
	}
	return numPages * PageSize
}
