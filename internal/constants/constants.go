// Package constants holds the sizing, layout, and timing constants shared
// by the region, UXPT, and probe packages.
package constants

import "time"

// Page geometry. PageShift assumes a 4KiB page, the value the original
// OpenHarmony implementation (and every mainline Linux/x86_64 or arm64
// kernel this module targets) uses.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// UXPT descriptor layout: one uint64 descriptor per data page, packed
// PageSize/8 per UXPT page.
const (
	// UxpteSizeShift is log2(sizeof(uint64)).
	UxpteSizeShift = 3

	// UxptePerPageShift is log2 of the number of data-page descriptors
	// that fit in one UXPT page.
	UxptePerPageShift = PageShift - UxpteSizeShift

	// UxptePerPage is 1<<UxptePerPageShift.
	UxptePerPage = 1 << UxptePerPageShift
)

// Kernel mapping flags consumed, not defined, by this module (spec.md §6).
// MAP_ANONYMOUS and MAP_PRIVATE are the standard POSIX bits already in
// golang.org/x/sys/unix; MapPurgeable and MapUserExpte are the
// OpenHarmony-kernel extensions this core was built against. They are not
// present in golang.org/x/sys/unix because they are not in mainline Linux;
// on a kernel that doesn't understand them, mmap(2) rejects the USEREXPTE
// mapping specifically, which is exactly what the capability probe in
// internal/probe is there to detect.
const (
	MapPurgeable = 0x04000000
	MapUserExpte = 0x08000000
)

// UxpteUnderReclaim is the sentinel descriptor value the kernel reclaimer
// writes while a page's present/refcount word is mid-transition. It is all
// bits set except the present bit, i.e. uint64(-2).
const UxpteUnderReclaim = ^uint64(0) - 1

// UxptePresentMask isolates the present bit (bit 0) of a descriptor.
const UxptePresentMask = 1

// UxpteRefcountUnit is the amount every Get/Put adds or subtracts from a
// descriptor. Refcounts are carried in units of 2 so the low bit stays free
// for the present flag.
const UxpteRefcountUnit = 2

// ReclaimSpinDelay is how long Get cooperatively yields between retries
// when it observes a descriptor under reclaim.
const ReclaimSpinDelay = 50 * time.Microsecond
