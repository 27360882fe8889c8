package pseudotcp

import (
	"bytes"
	"testing"
)

func TestRingBufferBasics(t *testing.T) {
	b := newRingBuffer(8)
	if n := b.Write([]byte("abcde")); n != 5 {
		t.Fatalf("wrote %d", n)
	}
	if b.Len() != 5 || b.Free() != 3 {
		t.Fatalf("len=%d free=%d", b.Len(), b.Free())
	}

	out := make([]byte, 3)
	if n := b.Read(out); n != 3 || string(out) != "abc" {
		t.Fatalf("read %d %q", n, out)
	}

	// Wrap around the end.
	if n := b.Write([]byte("fghij")); n != 5 {
		t.Fatalf("wrap write %d", n)
	}
	out = make([]byte, 7)
	if n := b.Read(out); n != 7 || string(out) != "defghij" {
		t.Fatalf("wrap read %d %q", n, out)
	}
	if b.Len() != 0 {
		t.Fatal("buffer not drained")
	}
}

func TestRingBufferShortWrite(t *testing.T) {
	b := newRingBuffer(4)
	if n := b.Write([]byte("abcdef")); n != 4 {
		t.Fatalf("accepted %d bytes into a 4-byte ring", n)
	}
}

func TestRingBufferReadAtWithoutConsuming(t *testing.T) {
	b := newRingBuffer(16)
	b.Write([]byte("0123456789"))

	out := make([]byte, 4)
	if n := b.ReadAt(out, 3); n != 4 || string(out) != "3456" {
		t.Fatalf("ReadAt = %d %q", n, out)
	}
	if b.Len() != 10 {
		t.Error("ReadAt consumed bytes")
	}

	b.Drop(5)
	if n := b.ReadAt(out, 0); n != 4 || string(out) != "5678" {
		t.Fatalf("ReadAt after drop = %d %q", n, out)
	}
}

// Out-of-order receive: bytes land past the committed tail and are
// committed later with Advance.
func TestRingBufferReservedRegion(t *testing.T) {
	b := newRingBuffer(16)
	b.Write([]byte("abc"))

	// A gap of 2, then "XY" at offset 5 from the head.
	b.WriteAt([]byte("XY"), 5)
	// The gap fills in.
	b.WriteAt([]byte("de"), 3)
	b.Advance(4)

	out := make([]byte, 7)
	if n := b.Read(out); n != 7 || string(out) != "abcdeXY" {
		t.Fatalf("reassembled read = %d %q", n, out)
	}
}

func TestRingBufferReservedWrap(t *testing.T) {
	b := newRingBuffer(8)
	b.Write([]byte("abcdef"))
	out := make([]byte, 6)
	b.Read(out) // head is now 6

	b.Write([]byte("gh"))     // wraps
	b.WriteAt([]byte("ij"), 2) // reserved, wraps further
	b.Advance(2)

	got := make([]byte, 4)
	if n := b.Read(got); n != 4 || !bytes.Equal(got, []byte("ghij")) {
		t.Fatalf("wrapped reserved read = %d %q", n, got)
	}
}
