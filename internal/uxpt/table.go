// Package uxpt implements the user-extended page table: a parallel
// mapping of per-data-page descriptors that lets user space pin pages
// against kernel reclamation and detect when the kernel has reclaimed
// them. See spec.md §3 (UXPT) and §4.A.
//
// Grounded on original_source/libpurgeablemem/common/src/ux_page_table_c.c,
// reusing the atomic-over-mmap'd-memory idiom the teacher package uses for
// its own kernel-shared descriptors (internal/queue/runner.go's
// atomic.Load over unsafe.Pointer-derived addresses in mmap'd I/O
// descriptor memory).
package uxpt

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-purgeable/internal/constants"
	"github.com/behrlich/go-purgeable/internal/logging"
	"github.com/behrlich/go-purgeable/internal/probe"
)

var log = logging.Default().With("uxpt")

// Sentinel errors. The region package wraps these into its public Error
// type with the matching error code.
var (
	// ErrMapFailed is returned by New when the UXPT mapping could not be
	// obtained (spec.md §7: MmapUxptFail).
	ErrMapFailed = errors.New("uxpt: failed to map companion pages")

	// ErrUnmapFailed is returned by Close on munmap failure (UnmapUxptFail).
	ErrUnmapFailed = errors.New("uxpt: failed to unmap companion pages")

	// ErrOutOfRange is returned when an operation's address range falls
	// outside the table's covered data range (UxptOutRange).
	ErrOutOfRange = errors.New("uxpt: address range out of bounds")

	// ErrNotPresent is returned by IsPresent when at least one covered
	// page is missing (UxptNotPresent).
	ErrNotPresent = errors.New("uxpt: page not present")

	// ErrNilTable is returned by IsPresent on a nil *Table, which it
	// reports as not present. Get/Put/Clear on a nil *Table are silent
	// no-ops, and a non-nil disabled Table never returns this error.
	ErrNilTable = errors.New("uxpt: table is nil")
)

// Table is one UXPT instance, covering a single Region's data range. The
// zero Table (as produced when the capability probe is disabled) is a
// valid, inert table: every operation is a no-op and IsPresent always
// reports true.
type Table struct {
	dataAddr uintptr
	dataSize uintptr

	enabled bool
	raw     []byte // the mmap'd backing memory, kept only to unmap it
	ptes    []atomic.Uint64
}

// New maps the UXPT companion pages for the data range [dataAddr,
// dataAddr+dataSize) and clears every covered descriptor to zero. If the
// capability probe reports the host doesn't support UXPT mappings, New
// returns a disabled, inert Table and a nil error (spec.md §4.A: "When
// capability probe reports no support, returns success without mapping").
func New(dataAddr uintptr, dataSize uintptr) (*Table, error) {
	if !probe.Enabled() {
		log.Debug("uxpt unsupported, skipping mapping")
		return &Table{dataAddr: dataAddr, dataSize: dataSize}, nil
	}

	uptSize := constants.UxPageSize(dataAddr, dataSize)
	if uptSize == 0 {
		return nil, ErrMapFailed
	}

	offset := int64(constants.UxptePageNo(dataAddr)) * constants.PageSize
	raw, err := unix.Mmap(-1, offset, int(uptSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|constants.MapUserExpte)
	if err != nil {
		log.Error("mmap uxpt pages failed", "error", err)
		return nil, ErrMapFailed
	}

	t := &Table{
		dataAddr: dataAddr,
		dataSize: dataSize,
		enabled:  true,
		raw:      raw,
		ptes:     bytesToDescriptors(raw),
	}
	t.clearAll()
	return t, nil
}

// bytesToDescriptors reinterprets an mmap'd byte slice as a slice of
// atomic.Uint64 descriptors, without copying. atomic.Uint64 has the same
// memory layout as uint64 (a noCopy marker plus the value), so this is the
// same technique runner.go uses to read descriptor fields out of mmap'd
// I/O memory via unsafe.Pointer arithmetic.
func bytesToDescriptors(raw []byte) []atomic.Uint64 {
	if len(raw) == 0 {
		return nil
	}
	n := len(raw) / 8
	return unsafe.Slice((*atomic.Uint64)(unsafe.Pointer(&raw[0])), n)
}

// Close unmaps the companion pages. Close on a disabled table is a no-op.
func (t *Table) Close() error {
	if t == nil || !t.enabled {
		return nil
	}
	if err := unix.Munmap(t.raw); err != nil {
		log.Error("munmap uxpt pages failed", "error", err)
		return ErrUnmapFailed
	}
	t.raw = nil
	t.ptes = nil
	t.enabled = false
	return nil
}

// Enabled reports whether this table has a real kernel-backed mapping.
func (t *Table) Enabled() bool {
	return t != nil && t.enabled
}

func (t *Table) clearAll() {
	for i := range t.ptes {
		descriptorClear(&t.ptes[i])
	}
}

// walk validates [addr, addr+length) against the table's range, rounds it
// to a page range, and invokes fn for every covered descriptor. It returns
// ErrOutOfRange if the rounded range escapes the table.
func (t *Table) walk(addr, length uintptr, fn func(idx int)) error {
	start := uintptr(constants.RoundDown(uint64(addr), constants.PageSize))
	end := uintptr(constants.RoundUp(uint64(addr+length), constants.PageSize))
	if start < t.dataAddr || end > t.dataAddr+t.dataSize {
		return ErrOutOfRange
	}
	for off := start; off < end; off += constants.PageSize {
		fn(indexInTable(t.dataAddr, off))
	}
	return nil
}

// Get pins every page covering [addr, addr+length), adding one refcount
// unit to each descriptor. On a disabled table this is a no-op.
func (t *Table) Get(addr, length uintptr) error {
	if t == nil {
		return nil
	}
	if !t.enabled {
		return nil
	}
	return t.walk(addr, length, func(idx int) {
		descriptorAdd(&t.ptes[idx], constants.UxpteRefcountUnit)
	})
}

// Put unpins every page covering [addr, addr+length), subtracting one
// refcount unit from each descriptor. Never blocks. On a disabled table
// this is a no-op.
func (t *Table) Put(addr, length uintptr) error {
	if t == nil {
		return nil
	}
	if !t.enabled {
		return nil
	}
	return t.walk(addr, length, func(idx int) {
		descriptorSub(&t.ptes[idx], constants.UxpteRefcountUnit)
	})
}

// Clear forces every descriptor covering [addr, addr+length) to zero. Used
// only immediately after New.
func (t *Table) Clear(addr, length uintptr) error {
	if t == nil {
		return nil
	}
	if !t.enabled {
		return nil
	}
	return t.walk(addr, length, func(idx int) {
		descriptorClear(&t.ptes[idx])
	})
}

// IsPresent reports whether every page covering [addr, addr+length) has
// its present bit set. On a disabled table this always returns true
// (spec.md §4.A).
func (t *Table) IsPresent(addr, length uintptr) (bool, error) {
	if t == nil {
		return false, ErrNilTable
	}
	if !t.enabled {
		return true, nil
	}
	allPresent := true
	err := t.walk(addr, length, func(idx int) {
		if !isPresent(t.ptes[idx].Load()) {
			allPresent = false
		}
	})
	if err != nil {
		return false, err
	}
	if !allPresent {
		return false, ErrNotPresent
	}
	return true, nil
}

// simulateReclaim clears the present bit of every unpinned (refcount==0)
// page covering [addr, addr+length), mimicking what the kernel reclaimer
// does to a purgeable region under memory pressure. It is exported only
// to the testing package, for the "simulated purge" scenarios spec.md §8
// describes (there being no portable way to force a real kernel reclaim
// from a test).
func (t *Table) simulateReclaim(addr, length uintptr) error {
	if t == nil || !t.enabled {
		return nil
	}
	return t.walk(addr, length, func(idx int) {
		old := t.ptes[idx].Load()
		if old&^uint64(constants.UxptePresentMask) == 0 {
			// refcount is zero: clear the present bit, leave refcount at 0.
			t.ptes[idx].CompareAndSwap(old, 0)
		}
	})
}

// SimulateReclaim is the exported form of simulateReclaim, used by the
// root package's test harness (testing.go).
func SimulateReclaim(t *Table, addr, length uintptr) error {
	return t.simulateReclaim(addr, length)
}
