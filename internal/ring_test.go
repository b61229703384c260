package internal

import (
	"io"
	"testing"
)

func TestRingWriteRead(t *testing.T) {
	var r Ring
	r.Buf = make([]byte, 8)

	n, err := r.Write([]byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if got := r.Buffered(); got != 4 {
		t.Fatalf("buffered=%d want 4", got)
	}
	buf := make([]byte, 4)
	n, err = r.Read(buf)
	if err != nil || n != 4 || string(buf) != "abcd" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, err, buf)
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected empty ring after full read")
	}
}

func TestRingWrap(t *testing.T) {
	var r Ring
	r.Buf = make([]byte, 4)
	r.Write([]byte("ab"))
	discard := make([]byte, 1)
	r.Read(discard) // consume "a", Off=1
	r.Write([]byte("cde"))
	// buffer now holds "bcde": "cd" fills the tail, "e" wraps to index 0.
	out := make([]byte, 4)
	n, err := r.Read(out)
	if err != nil || n != 4 || string(out) != "bcde" {
		t.Fatalf("wrap read: n=%d err=%v out=%q", n, err, out)
	}
}

func TestRingFullReturnsError(t *testing.T) {
	var r Ring
	r.Buf = make([]byte, 3)
	if _, err := r.Write([]byte("abc")); err != nil {
		t.Fatalf("unexpected error filling buffer: %v", err)
	}
	if _, err := r.Write([]byte("d")); err == nil {
		t.Fatalf("expected error writing to full ring")
	}
}

func TestRingReadEmptyIsEOF(t *testing.T) {
	var r Ring
	r.Buf = make([]byte, 4)
	_, err := r.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("want io.EOF got %v", err)
	}
}

func TestRingWriteLimited(t *testing.T) {
	var r Ring
	r.Buf = make([]byte, 8)
	r.Write([]byte("ab"))
	// Limit write so it cannot pass index 3 (simulating a flow-control window edge).
	n, err := r.WriteLimited([]byte("cd"), 4)
	if err != nil || n != 2 {
		t.Fatalf("writeLimited: n=%d err=%v", n, err)
	}
	if _, err := r.WriteLimited([]byte("xy"), 4); err == nil {
		t.Fatalf("expected writeLimited to reject write past limit")
	}
}
