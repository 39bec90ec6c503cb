// Package builder implements the deterministic content-builder chain
// described in spec.md §3 and §4.B: an ordered sequence of (fn, param)
// pairs that, applied in order to a zeroed buffer, reproduces a Region's
// canonical content.
//
// spec.md §9's Design Notes recommend a flat ordered sequence over a
// linked list ("the chain is never mutated except by tail-append, and
// indexed storage removes the need for explicit node ownership"); this
// implementation follows that recommendation with a slice instead of the
// original C implementation's singly linked list.
package builder

// Func populates dst[0:size] deterministically from param. It must return
// false to signal the builder failed and the rebuild should abort.
type Func func(dst []byte, size int, param any) bool

type node struct {
	fn    Func
	param any
}

// Chain is an append-only ordered sequence of builder nodes.
type Chain struct {
	nodes []node
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{}
}

// Len reports the number of nodes in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.nodes)
}

// Append links a new (fn, param) node at the tail. A nil fn is rejected by
// the caller (region.AppendModify treats a nil fn as a no-op per spec.md
// §4.C); Append itself always succeeds once given a non-nil fn.
func (c *Chain) Append(fn Func, param any) {
	c.nodes = append(c.nodes, node{fn: fn, param: param})
}

// BuildAll walks the chain head to tail, invoking every fn(dst, size,
// param) in order. It returns false the moment any node returns false,
// leaving dst in a partially rebuilt state (the caller is expected to
// have zeroed dst first, per spec.md §4.C's rebuild semantics).
func (c *Chain) BuildAll(dst []byte, size int) bool {
	if c == nil {
		return true
	}
	for _, n := range c.nodes {
		if !n.fn(dst, size, n.param) {
			return false
		}
	}
	return true
}

// Destroy releases the chain's nodes. A slice-backed chain has nothing to
// release explicitly; Destroy exists to preserve the explicit
// create/destroy symmetry spec.md's lifecycle table calls for, and to give
// a Region's Destroy a call that can be wrapped in the BuilderDestroyFail
// error path if a future backing store needs one.
func (c *Chain) Destroy() error {
	if c == nil {
		return nil
	}
	c.nodes = nil
	return nil
}
