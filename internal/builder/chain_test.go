package builder

import "testing"

func fillFn(b byte) Func {
	return func(dst []byte, size int, param any) bool {
		for i := 0; i < size; i++ {
			dst[i] = b
		}
		return true
	}
}

func TestEmptyChainBuildsSuccessfully(t *testing.T) {
	c := New()
	dst := make([]byte, 8)
	if !c.BuildAll(dst, len(dst)) {
		t.Error("BuildAll on an empty chain should succeed")
	}
}

func TestAppendOrderIsPreserved(t *testing.T) {
	c := New()
	c.Append(fillFn(0x01), nil)
	c.Append(func(dst []byte, size int, param any) bool {
		for i := 0; i < 4 && i < size; i++ {
			dst[i] = 0x02
		}
		return true
	}, nil)

	dst := make([]byte, 8)
	if !c.BuildAll(dst, len(dst)) {
		t.Fatal("BuildAll failed")
	}
	for i := 0; i < 4; i++ {
		if dst[i] != 0x02 {
			t.Errorf("dst[%d] = %#x, want 0x02 (later node must win)", i, dst[i])
		}
	}
	for i := 4; i < 8; i++ {
		if dst[i] != 0x01 {
			t.Errorf("dst[%d] = %#x, want 0x01", i, dst[i])
		}
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestBuildAllAbortsOnFailure(t *testing.T) {
	c := New()
	called := false
	c.Append(fillFn(0xFF), nil)
	c.Append(func(dst []byte, size int, param any) bool { return false }, nil)
	c.Append(func(dst []byte, size int, param any) bool {
		called = true
		return true
	}, nil)

	if c.BuildAll(make([]byte, 4), 4) {
		t.Error("BuildAll should report failure when a node returns false")
	}
	if called {
		t.Error("nodes after a failing node must not run")
	}
}

func TestDestroyClearsChain(t *testing.T) {
	c := New()
	c.Append(fillFn(0x5A), nil)
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy() = %v, want nil", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() after Destroy = %d, want 0", c.Len())
	}
}

func TestNilChainIsSafe(t *testing.T) {
	var c *Chain
	if c.Len() != 0 {
		t.Error("nil chain Len() should be 0")
	}
	if !c.BuildAll(make([]byte, 1), 1) {
		t.Error("nil chain BuildAll should succeed trivially")
	}
	if err := c.Destroy(); err != nil {
		t.Error("nil chain Destroy should be a no-op")
	}
}
