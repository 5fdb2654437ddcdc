package frame

import "testing"

func TestPoolGetPutRoundTrip(t *testing.T) {
	p := NewPool(4, 64)
	if p.Total() != 4 {
		t.Fatalf("Total() = %d, want 4", p.Total())
	}

	var got []*MessageFrame
	for i := 0; i < 4; i++ {
		f := p.Get()
		if f == nil {
			t.Fatalf("Get() #%d returned nil before exhaustion", i)
		}
		got = append(got, f)
	}
	if f := p.Get(); f != nil {
		t.Fatalf("Get() on exhausted pool returned non-nil frame")
	}

	for _, f := range got {
		p.Put(f)
	}
	if f := p.Get(); f == nil {
		t.Fatalf("Get() after Put returned nil")
	}
}

func TestMessageFrameSetUsedBounds(t *testing.T) {
	p := NewPool(1, 16)
	f := p.Get()
	f.SetUsed(16)
	if len(f.Bytes()) != 16 {
		t.Fatalf("Bytes() length = %d, want 16", len(f.Bytes()))
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("SetUsed(17) on a 16-byte frame should panic")
		}
	}()
	f.SetUsed(17)
}

func TestPoolPutResetsFrame(t *testing.T) {
	p := NewPool(1, 16)
	f := p.Get()
	f.SetUsed(8)
	f.Addr = nil
	p.Put(f)

	f2 := p.Get()
	if f2.Used != 0 {
		t.Fatalf("Get() after Put returned frame with stale Used=%d", f2.Used)
	}
}

func TestPoolDoublePutDoesNotGrowPool(t *testing.T) {
	p := NewPool(1, 16)
	f := p.Get()
	p.Put(f)
	p.Put(f) // double-put: must be silently dropped, not grow the pool

	var drained int
	for {
		got := p.Get()
		if got == nil {
			break
		}
		drained++
	}
	if drained != 1 {
		t.Fatalf("drained %d frames from a pool of size 1 after double-Put", drained)
	}
}
