package uxpt

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-purgeable/internal/constants"
	"github.com/behrlich/go-purgeable/internal/probe"
)

// newCapableTable builds a real data mapping and UXPT table after forcing
// the capability probe on, skipping if this host's kernel genuinely can't
// back the mapping (see region_test.go's createCapable for the same
// pattern at the Region level).
func newCapableTable(t *testing.T, pages int) (*Table, uintptr, uintptr) {
	t.Helper()
	probe.ResetForTest()
	probe.ForceResultForTest(true)
	t.Cleanup(probe.ResetForTest)

	size := uintptr(pages * constants.PageSize)
	data := mustMmap(t, int(size))

	tbl, err := New(mmapAddr(data), size)
	if err != nil {
		t.Skipf("host kernel does not support UXPT mappings: %v", err)
	}
	return tbl, tbl.dataAddr, tbl.dataSize
}

func mmapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
}

func munmapAnon(b []byte) error {
	return unix.Munmap(b)
}

func TestDisabledTableIsInert(t *testing.T) {
	probe.ResetForTest()
	probe.ForceResultForTest(false)
	t.Cleanup(probe.ResetForTest)

	tbl, err := New(0x1000, constants.PageSize)
	if err != nil {
		t.Fatalf("New() = %v, want nil error for a disabled table", err)
	}
	if tbl.Enabled() {
		t.Error("Enabled() = true, want false")
	}

	present, err := tbl.IsPresent(0x1000, constants.PageSize)
	if err != nil || !present {
		t.Errorf("IsPresent on disabled table = (%v, %v), want (true, nil)", present, err)
	}

	if err := tbl.Get(0x1000, constants.PageSize); err != nil {
		t.Errorf("Get on disabled table = %v, want nil", err)
	}
	if err := tbl.Put(0x1000, constants.PageSize); err != nil {
		t.Errorf("Put on disabled table = %v, want nil", err)
	}
	if err := tbl.Close(); err != nil {
		t.Errorf("Close on disabled table = %v, want nil", err)
	}
}

func TestNilTableIsPresentReportsNotPresent(t *testing.T) {
	var tbl *Table
	present, err := tbl.IsPresent(0, constants.PageSize)
	if present {
		t.Error("IsPresent on nil table = true, want false")
	}
	if err != ErrNilTable {
		t.Errorf("IsPresent on nil table err = %v, want ErrNilTable", err)
	}
	if err := tbl.Get(0, constants.PageSize); err != nil {
		t.Errorf("Get on nil table = %v, want nil (no-op)", err)
	}
}

func TestTableGetPutRoundTrip(t *testing.T) {
	tbl, addr, size := newCapableTable(t, 2)
	defer tbl.Close()

	if present, _ := tbl.IsPresent(addr, size); present {
		t.Error("freshly cleared table should not report present")
	}

	if err := tbl.Get(addr, size); err != nil {
		t.Fatalf("Get() = %v", err)
	}
	// Pinning alone does not set the present bit; only the kernel sets
	// that. This only checks that a Get over the whole range and the
	// matching Put both succeed.
	if err := tbl.Put(addr, size); err != nil {
		t.Fatalf("Put() = %v", err)
	}
}

func TestTableOutOfRange(t *testing.T) {
	tbl, addr, size := newCapableTable(t, 1)
	defer tbl.Close()

	outside := addr + size + uintptr(10*constants.PageSize)
	if err := tbl.Get(outside, constants.PageSize); err != ErrOutOfRange {
		t.Errorf("Get outside range = %v, want ErrOutOfRange", err)
	}
	if _, err := tbl.IsPresent(outside, constants.PageSize); err != ErrOutOfRange {
		t.Errorf("IsPresent outside range = %v, want ErrOutOfRange", err)
	}
}

func TestSimulateReclaimOnlyClearsUnpinned(t *testing.T) {
	tbl, addr, size := newCapableTable(t, 1)
	defer tbl.Close()

	// Force the present bit on directly, as the kernel populating the
	// page would, then pin it.
	tbl.ptes[indexInTable(addr, addr)].Store(1)
	if err := tbl.Get(addr, size); err != nil {
		t.Fatalf("Get() = %v", err)
	}

	if err := SimulateReclaim(tbl, addr, size); err != nil {
		t.Fatalf("SimulateReclaim() = %v", err)
	}
	if present, _ := tbl.IsPresent(addr, size); !present {
		t.Error("a pinned page must not be reclaimed by SimulateReclaim")
	}

	if err := tbl.Put(addr, size); err != nil {
		t.Fatalf("Put() = %v", err)
	}
	if err := SimulateReclaim(tbl, addr, size); err != nil {
		t.Fatalf("SimulateReclaim() = %v", err)
	}
	if present, _ := tbl.IsPresent(addr, size); present {
		t.Error("an unpinned page should be reclaimed by SimulateReclaim")
	}
}

func mustMmap(t *testing.T, size int) []byte {
	t.Helper()
	b, err := mmapAnon(size)
	if err != nil {
		t.Skipf("mmap failed on this host: %v", err)
	}
	t.Cleanup(func() { _ = munmapAnon(b) })
	return b
}
