package bufpool

import "testing"

func TestCopybreakThreshold(t *testing.T) {
	p := New(Config{NicID: 1, Copybreak: 200})

	small := make([]byte, 64)
	ring := &Buffer{Data: small, origin: nil}
	delivered, replacement, err := p.CopyIn(ring, 64)
	if err != nil {
		t.Fatalf("CopyIn small: %v", err)
	}
	if replacement != nil {
		t.Fatalf("expected no replacement for sub-threshold frame")
	}
	if delivered.Class() != Small {
		t.Fatalf("expected Small class for 64-byte frame, got %v", delivered.Class())
	}
	if p.Stats().CopybreakHits != 1 {
		t.Fatalf("expected 1 copybreak hit, got %d", p.Stats().CopybreakHits)
	}
}

func TestZeroCopyAboveThreshold(t *testing.T) {
	p := New(Config{NicID: 1, Copybreak: 200, LargeSize: 1536})
	big := make([]byte, 1536)
	ring := &Buffer{Data: big, origin: p}

	delivered, replacement, err := p.CopyIn(ring, 800)
	if err != nil {
		t.Fatalf("CopyIn large: %v", err)
	}
	if replacement == nil {
		t.Fatalf("expected a replacement buffer for zero-copy swap")
	}
	if delivered != ring {
		t.Fatalf("expected the ring buffer itself to be delivered on zero-copy")
	}
	if p.Stats().ZeroCopySwaps != 1 {
		t.Fatalf("expected 1 zero-copy swap, got %d", p.Stats().ZeroCopySwaps)
	}
}

func TestCrossPoolFreeRejected(t *testing.T) {
	p1 := New(Config{NicID: 1})
	p2 := New(Config{NicID: 2})

	buf, err := p1.Alloc(Small)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p2.Free(buf); err == nil {
		t.Fatalf("expected cross-pool free to be rejected")
	}
	if err := p1.Free(buf); err != nil {
		t.Fatalf("same-pool free should succeed: %v", err)
	}
}

func TestUpwardFallback(t *testing.T) {
	p := New(Config{NicID: 1, Preallocate: 0})
	// Manually seed only the large free-list to force a small->large
	// upward fallback.
	p.largeFree = append(p.largeFree, make([]byte, p.largeSize))

	buf, err := p.Alloc(Small)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if buf.Class() != Large {
		t.Fatalf("expected upward fallback to Large, got %v", buf.Class())
	}
	if p.Stats().UpwardFallbacks != 1 {
		t.Fatalf("expected 1 upward fallback, got %d", p.Stats().UpwardFallbacks)
	}
}

func TestAllocExhausted(t *testing.T) {
	p := New(Config{NicID: 1, ByteLimit: 10, SmallSize: 64})
	if _, err := p.Alloc(Small); err == nil {
		t.Fatalf("expected ErrExhausted when byte limit is smaller than one buffer")
	}
	if p.Stats().OverflowDrops != 1 {
		t.Fatalf("expected 1 overflow drop, got %d", p.Stats().OverflowDrops)
	}
}
