package ringbuffer

import (
	"bytes"
	"testing"
)

func TestRingBuffer_UnderCap(t *testing.T) {
	r := New(16)
	r.Push([]byte("hello"))
	if !bytes.Equal(r.Contents(), []byte("hello")) {
		t.Fatalf("expected 'hello', got %q", r.Contents())
	}
	if r.Size() != 5 {
		t.Fatalf("expected size 5, got %d", r.Size())
	}
}

func TestRingBuffer_ExactCap(t *testing.T) {
	r := New(5)
	r.Push([]byte("abcde"))
	if !bytes.Equal(r.Contents(), []byte("abcde")) {
		t.Fatalf("expected 'abcde', got %q", r.Contents())
	}
}

func TestRingBuffer_EvictsWholeHeadChunks(t *testing.T) {
	r := New(5)
	r.Push([]byte("abc"))
	r.Push([]byte("de"))
	r.Push([]byte("fg"))
	// total after the third push: 7 > 5, so "abc" (3) is evicted entirely,
	// leaving "defg" (4) <= 5.
	got := r.Contents()
	if !bytes.Equal(got, []byte("defg")) {
		t.Fatalf("expected 'defg', got %q", got)
	}
}

func TestRingBuffer_NeverDropsSoleChunk(t *testing.T) {
	r := New(4)
	r.Push([]byte("0123456789")) // single oversized chunk, 10 > 4
	got := r.Contents()
	if !bytes.Equal(got, []byte("0123456789")) {
		t.Fatalf("sole chunk must survive even though it exceeds maxBytes, got %q", got)
	}
	if r.Size() != 10 {
		t.Fatalf("expected size 10, got %d", r.Size())
	}

	// A subsequent push now evicts the oversized chunk since more than
	// one chunk exists again.
	r.Push([]byte("X"))
	got = r.Contents()
	if !bytes.Equal(got, []byte("X")) {
		t.Fatalf("expected 'X' after oversized chunk evicted, got %q", got)
	}
}

func TestRingBuffer_EmptyInitially(t *testing.T) {
	r := New(16)
	if got := r.Contents(); len(got) != 0 {
		t.Fatalf("expected empty, got %q", got)
	}
	if r.Size() != 0 {
		t.Fatalf("expected size 0, got %d", r.Size())
	}
}

func TestRingBuffer_PushEmptyIsNoop(t *testing.T) {
	r := New(16)
	r.Push(nil)
	r.Push([]byte{})
	if r.Size() != 0 {
		t.Fatalf("expected size 0 after empty pushes, got %d", r.Size())
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	r := New(16)
	r.Push([]byte("data"))
	r.Clear()
	if r.Size() != 0 || len(r.Contents()) != 0 {
		t.Fatalf("expected empty buffer after Clear")
	}
}

func TestRingBuffer_SuffixPropertyUnderCap(t *testing.T) {
	r := New(1024)
	var want []byte
	pushes := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	for _, p := range pushes {
		r.Push(p)
		want = append(want, p...)
	}
	if !bytes.Equal(r.Contents(), want) {
		t.Fatalf("expected %q, got %q", want, r.Contents())
	}
}

func TestRingBuffer_DefaultMaxBytes(t *testing.T) {
	r := New(0)
	if r.maxBytes != DefaultMaxBytes {
		t.Fatalf("expected default max bytes %d, got %d", DefaultMaxBytes, r.maxBytes)
	}
}
