package purgeable

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-purgeable/internal/builder"
	"github.com/behrlich/go-purgeable/internal/constants"
	"github.com/behrlich/go-purgeable/internal/logging"
	"github.com/behrlich/go-purgeable/internal/probe"
	"github.com/behrlich/go-purgeable/internal/uxpt"
)

var regionLog = logging.Default().With("region")

// ModifyFunc deterministically populates dst[0:size] from param and
// reports whether it succeeded. It is the Go name for spec.md's
// PurgMemModifyFunc / builder node function.
type ModifyFunc = builder.Func

// Region is a purgeable-memory region: a page-aligned anonymous data
// mapping, a companion user-extended page table (UXPT), a deterministic
// builder chain, and the rwlock that serializes rebuild-on-purge against
// concurrent sessions. See spec.md §3 (Data Model) and §4.C (Purgeable
// region).
//
// A Region is created with Create and torn down with Destroy. Between
// those, callers bracket every access with BeginRead/EndRead or
// BeginWrite/EndWrite; see BeginRead and BeginWrite for the concurrency
// contract.
type Region struct {
	data       []byte // mapped range, len == roundUp(sizeInput, PageSize)
	sizeInput  int
	builder    *builder.Chain
	uxpt       *uxpt.Table
	rwlock     sync.RWMutex
	buildCount atomic.Uint64
}

// Create allocates a new purgeable region of size bytes and applies fn
// once to establish its initial content, linking it as the first node of
// the region's builder chain (spec.md §4.C, step 6). size must be > 0 and
// fn must not be nil; violating either returns a nil Region and an
// ErrCodeInvalidArgument error.
//
// Creation maps size (rounded up to a whole number of pages) with the
// purgeable-anonymous flag if the host kernel supports it (IsEnabled()),
// falling back to an ordinary private-anonymous mapping otherwise. Any
// failure after the data mapping succeeds rolls the whole creation back:
// the UXPT is torn down and the data range unmapped before returning.
func Create(size int, fn ModifyFunc, param any) (*Region, error) {
	if size <= 0 {
		return nil, NewError("Create", ErrCodeInvalidArgument, "size must be > 0")
	}
	if fn == nil {
		return nil, NewError("Create", ErrCodeInvalidArgument, "builder function must not be nil")
	}

	mappedSize := int(constants.RoundUp(uint64(size), constants.PageSize))

	mapType := unix.MAP_ANONYMOUS | unix.MAP_PRIVATE
	if probe.Enabled() {
		mapType = unix.MAP_ANONYMOUS | constants.MapPurgeable
	}
	data, err := unix.Mmap(-1, 0, mappedSize, unix.PROT_READ|unix.PROT_WRITE, mapType)
	if err != nil {
		regionLog.Error("mmap data failed", "error", err)
		return nil, WrapError("Create", ErrCodeMmapPurgFail, err)
	}

	dataAddr := uintptr(unsafe.Pointer(&data[0]))
	table, err := uxpt.New(dataAddr, uintptr(mappedSize))
	if err != nil {
		_ = unix.Munmap(data)
		regionLog.Error("init uxpt failed", "error", err)
		return nil, WrapError("Create", ErrCodeMmapUxptFail, err)
	}

	r := &Region{
		data:      data,
		sizeInput: size,
		builder:   builder.New(),
		uxpt:      table,
	}

	if !r.AppendModify(fn, param) {
		_ = table.Close()
		_ = unix.Munmap(data)
		return nil, NewError("Create", ErrCodeBuildAllFail, "initial builder application failed")
	}

	regionLog.Debug("region created", "size", size, "mapped", mappedSize, "uxptEnabled", table.Enabled())
	return r, nil
}

// valid reports whether r is in a usable state: non-nil with a live data
// mapping, UXPT, and builder chain (spec.md §4.C's IsPurgMemPtrValid).
func (r *Region) valid() bool {
	return r != nil && r.data != nil && r.uxpt != nil && r.builder != nil
}

func (r *Region) dataAddr() uintptr {
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// Destroy tears down r: it destroys the builder chain, unmaps the data
// range, and deinitializes the UXPT, in that order (spec.md §4.C). Destroy
// on a nil Region is a no-op that returns nil, matching spec.md §8's
// "destroy(null) returns true".
//
// The caller must ensure no session is active on r when Destroy is called;
// this is a contract, not enforced (spec.md §5).
func (r *Region) Destroy() error {
	if r == nil {
		return nil
	}
	regionLog.Debug("destroying region", "size", r.sizeInput)

	if err := r.builder.Destroy(); err != nil {
		regionLog.Error("builder chain teardown failed", "error", err)
		return WrapError("Destroy", ErrCodeBuilderDestroyFail, err)
	}

	dataAddr := r.dataAddr()
	dataLen := len(r.data)
	if err := unix.Munmap(r.data); err != nil {
		regionLog.Error("munmap data failed", "error", err)
		return WrapError("Destroy", ErrCodeUnmapPurgFail, err)
	}
	r.data = nil

	// Post-unmap sanity check: the UXPT should now report the range as
	// not present. A mismatch is logged but not an error (spec.md §4.C).
	if r.uxpt.Enabled() {
		if present, _ := r.uxpt.IsPresent(dataAddr, uintptr(dataLen)); present {
			regionLog.Error("munmap succeeded but uxpt still reports present", "addr", dataAddr)
		}
	}

	if err := r.uxpt.Close(); err != nil {
		regionLog.Error("deinit uxpt failed", "error", err)
		return WrapError("Destroy", ErrCodeUnmapUxptFail, err)
	}

	return nil
}

// isPurged reports whether r's content must be rebuilt before being
// handed to a reader or writer: either it has never been built
// (buildCount == 0) or the UXPT reports at least one covered page
// missing (spec.md §4.C).
func (r *Region) isPurged() bool {
	if r.buildCount.Load() == 0 {
		return true
	}
	present, err := r.uxpt.IsPresent(r.dataAddr(), uintptr(r.sizeInput))
	if err != nil && err != uxpt.ErrNotPresent {
		regionLog.Error("uxpt presence check failed, treating as purged", "error", err)
		return true
	}
	return !present
}

// buildData zeroes the mapped range and replays the builder chain over
// it, incrementing buildCount on success (spec.md §4.C's "Rebuild
// semantics").
func (r *Region) buildData() bool {
	clear(r.data)
	if !r.builder.BuildAll(r.data, r.sizeInput) {
		regionLog.Error("builder chain rebuild failed")
		return false
	}
	n := r.buildCount.Add(1)
	regionLog.Info("rebuild complete", "buildCount", n)
	return true
}

// BeginRead pins r's pages, then returns with the read lock held once
// content is known present, rebuilding first if it was purged. Exactly
// one concurrent BeginRead performs the rebuild under purge; the rest
// wait on the write lock and re-observe the fresh content (spec.md §4.C,
// §5). A non-nil error means no lock is held and the pin has already been
// released.
//
// The matching EndRead must be called, even on a reused lock path, before
// the caller does anything else with r.
func (r *Region) BeginRead() error {
	if !r.valid() {
		return NewError("BeginRead", ErrCodeInvalidArgument, "region is not valid")
	}

	if err := r.uxpt.Get(r.dataAddr(), uintptr(r.sizeInput)); err != nil {
		return WrapError("BeginRead", ErrCodeUxptOutRange, err)
	}

	for {
		r.rwlock.RLock()
		if !r.isPurged() {
			return nil // returns holding the read lock
		}
		r.rwlock.RUnlock()

		r.rwlock.Lock()
		ok := true
		if r.isPurged() {
			ok = r.buildData()
		}
		r.rwlock.Unlock()

		if !ok {
			r.uxpt.Put(r.dataAddr(), uintptr(r.sizeInput))
			return NewError("BeginRead", ErrCodeBuildAllFail, "builder chain rebuild failed")
		}
		// Loop back and re-take the read lock; another session may have
		// purged it again between our unlock and the next RLock, which
		// this loop tolerates by rechecking.
	}
}

// EndRead releases the read lock taken by a successful BeginRead and
// unpins r's pages. It must be called on the same Region exactly once per
// successful BeginRead.
func (r *Region) EndRead() {
	if !r.valid() {
		return
	}
	r.rwlock.RUnlock()
	r.uxpt.Put(r.dataAddr(), uintptr(r.sizeInput))
}

// BeginWrite pins r's pages, takes the write lock, and rebuilds in place
// if r was purged, returning with the write lock held on success
// (spec.md §4.C). The matching EndWrite must be called on the same
// goroutine, since sync.RWMutex's write lock has no owning-goroutine
// tracking but this protocol's correctness depends on exactly one
// unlock per lock (spec.md §9's open question on write-session
// thread affinity: this implementation requires it explicitly).
func (r *Region) BeginWrite() error {
	if !r.valid() {
		return NewError("BeginWrite", ErrCodeInvalidArgument, "region is not valid")
	}

	if err := r.uxpt.Get(r.dataAddr(), uintptr(r.sizeInput)); err != nil {
		return WrapError("BeginWrite", ErrCodeUxptOutRange, err)
	}

	r.rwlock.Lock()
	if !r.isPurged() {
		return nil // returns holding the write lock
	}

	if r.buildData() {
		return nil // returns holding the write lock
	}

	r.rwlock.Unlock()
	r.uxpt.Put(r.dataAddr(), uintptr(r.sizeInput))
	return NewError("BeginWrite", ErrCodeBuildAllFail, "builder chain rebuild failed")
}

// EndWrite releases the write lock taken by a successful BeginWrite and
// unpins r's pages.
func (r *Region) EndWrite() {
	if !r.valid() {
		return
	}
	r.rwlock.Unlock()
	r.uxpt.Put(r.dataAddr(), uintptr(r.sizeInput))
}

// GetContent returns the region's content as a byte slice of length
// GetContentSize(). The caller must hold a read or write session; this is
// a contract, not enforced (spec.md §4.C).
func (r *Region) GetContent() []byte {
	if !r.valid() {
		return nil
	}
	return r.data[:r.sizeInput]
}

// GetContentSize returns the caller-visible byte length of r's content.
func (r *Region) GetContentSize() int {
	if !r.valid() {
		return 0
	}
	return r.sizeInput
}

// AppendModify applies fn to the region's current content and, on
// success, links it as a new tail node of the builder chain so future
// rebuilds replay it too (spec.md §4.C). A nil fn is a no-op that returns
// true. AppendModify does not take any lock; the caller must serialize it
// against concurrent sessions externally (spec.md §3's lifecycle note).
func (r *Region) AppendModify(fn ModifyFunc, param any) bool {
	if fn == nil {
		return true
	}
	if r == nil || r.data == nil {
		return false
	}
	if !fn(r.data[:r.sizeInput], r.sizeInput, param) {
		return false
	}
	r.builder.Append(fn, param)
	return true
}

// IsEnabled reports whether this host's kernel supports the
// purgeable-anonymous and user-extended-pte mapping flags this module
// relies on for real reclaim behavior. When false, every Region still
// functions, but is never actually reclaimed by the kernel: it is built
// once (on first session) and never purged again (spec.md §4.D, §8
// scenario 6).
func IsEnabled() bool {
	return probe.Enabled()
}
