package purgeable

import (
	"sync"

	"github.com/behrlich/go-purgeable/internal/uxpt"
)

// SimulatePurge forces the kernel reclaimer's effect on r: every currently
// unpinned page covering r's data range has its UXPT present bit cleared,
// as if the kernel had reclaimed it under memory pressure. It is exported
// only for tests, since there is no portable way to force a real kernel
// reclaim deterministically (spec.md §8, scenarios 3 and 4).
//
// SimulatePurge must not be called while a session is active on r: an
// active session holds a pin, so the pages it covers are never cleared,
// which would make the scenario a no-op rather than the intended purge.
func SimulatePurge(r *Region) error {
	if !r.valid() {
		return NewError("SimulatePurge", ErrCodeInvalidArgument, "region is not valid")
	}
	return uxpt.SimulateReclaim(r.uxpt, r.dataAddr(), uintptr(r.sizeInput))
}

// MockBuilder is a test double for a builder function: it records how many
// times it has been invoked and can be told to fail on a specific call
// number, so tests can drive the "builder failure during rebuild" scenario
// from spec.md §8 (scenario 5) deterministically.
type MockBuilder struct {
	mu       sync.Mutex
	calls    int
	failOn   int // 1-indexed call number to fail on; 0 means never fail
	fillByte byte
}

// NewMockBuilder returns a MockBuilder that fills dst with fillByte and
// never fails.
func NewMockBuilder(fillByte byte) *MockBuilder {
	return &MockBuilder{fillByte: fillByte}
}

// FailOnCall configures the builder to return false on its nth invocation
// (1-indexed) and succeed on every other call.
func (b *MockBuilder) FailOnCall(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOn = n
}

// Calls reports how many times Fn has been invoked so far.
func (b *MockBuilder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Fn is the ModifyFunc this mock exposes; pass it to Create or
// AppendModify.
func (b *MockBuilder) Fn(dst []byte, size int, param any) bool {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()

	if b.failOn != 0 && n == b.failOn {
		return false
	}
	for i := 0; i < size; i++ {
		dst[i] = b.fillByte
	}
	return true
}
