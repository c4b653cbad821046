package iobuf

import "testing"

func TestNewArenaSlotsAreIsolatedAndPageAligned(t *testing.T) {
	const maxIOBufBytes = 64 * 1024
	const depth = 4

	a, err := New(maxIOBufBytes, depth)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	addr0 := a.Addr(0)
	addr1 := a.Addr(1)
	if addr1 <= addr0 {
		t.Fatalf("Addr(1) = %d should be greater than Addr(0) = %d", addr1, addr0)
	}
	if (addr1-addr0)%uint64(4096) != 0 {
		t.Errorf("slot stride %d is not page-aligned", addr1-addr0)
	}

	s0 := a.Slice(0, 0, 0, 16)
	s1 := a.Slice(1, 0, 0, 16)
	s0[0] = 0xaa
	s1[0] = 0xbb
	if s0[0] == s1[0] {
		t.Fatal("writes to different tags' slots should not alias")
	}
}

func TestSliceHonorsSectorAndByteOffsets(t *testing.T) {
	a, err := New(4096, 1)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	full := a.Slice(0, 0, 0, 4096)
	for i := range full {
		full[i] = byte(i)
	}

	// one sector (512 bytes) plus a small byte offset in.
	sub := a.Slice(0, 1, 3, 8)
	for i, b := range sub {
		want := byte(512 + 3 + i)
		if b != want {
			t.Errorf("sub[%d] = %d, want %d", i, b, want)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(4096, 1)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() should be a no-op, got error: %v", err)
	}
}
