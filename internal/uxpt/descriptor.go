package uxpt

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-purgeable/internal/constants"
)

// isPresent reports whether a descriptor word has its present bit set.
func isPresent(pte uint64) bool {
	return pte&constants.UxptePresentMask != 0
}

// isUnderReclaim reports whether a descriptor word is the kernel's
// in-flight-reclaim sentinel.
func isUnderReclaim(pte uint64) bool {
	return pte == constants.UxpteUnderReclaim
}

// descriptorAdd atomically adds inc to *pte, in the style of
// UxpteAdd in the original C source: overflow silently skips the page
// (the pin is dropped, not retried), and an in-flight-reclaim sentinel
// causes a cooperative spin until the kernel writes a fresh value.
func descriptorAdd(pte *atomic.Uint64, inc uint64) {
	for {
		old := pte.Load()
		if isUnderReclaim(old) {
			time.Sleep(constants.ReclaimSpinDelay)
			continue
		}
		if old+inc < old {
			return
		}
		if pte.CompareAndSwap(old, old+inc) {
			return
		}
	}
}

// descriptorSub atomically subtracts dec from *pte. Unlike Get, Put never
// blocks: it is the symmetric unpin and must always make progress so a
// session can always release its pins.
func descriptorSub(pte *atomic.Uint64, dec uint64) {
	for {
		old := pte.Load()
		if pte.CompareAndSwap(old, old-dec) {
			return
		}
	}
}

// descriptorClear forces *pte to zero via CAS. New uses it to establish
// the table's initial state; Table.Clear uses it for a given range.
func descriptorClear(pte *atomic.Uint64) {
	for {
		old := pte.Load()
		if old == 0 {
			return
		}
		if pte.CompareAndSwap(old, 0) {
			return
		}
	}
}
