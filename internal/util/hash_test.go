package util

import (
	"bytes"
	"testing"
)

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte("hello world"))
	b := ContentHash([]byte("hello world"))
	if a != b {
		t.Fatalf("hash not stable: %s != %s", a, b)
	}
	if a == ContentHash([]byte("hello there")) {
		t.Fatal("different content produced identical hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
}

func TestContentHashSamplesPrefix(t *testing.T) {
	prefix := bytes.Repeat([]byte("x"), HashSampleSize)

	large1 := append(append([]byte{}, prefix...), []byte("tail one")...)
	large2 := append(append([]byte{}, prefix...), []byte("tail two")...)

	// Large payloads sharing a 64 KiB prefix collide on purpose: hashing
	// is bounded to the sample window.
	if ContentHash(large1) != ContentHash(large2) {
		t.Fatal("expected identical hashes for payloads sharing the sample window")
	}

	// Payloads that differ inside the window must not collide.
	small1 := append(append([]byte{}, prefix[:100]...), 'a')
	small2 := append(append([]byte{}, prefix[:100]...), 'b')
	if ContentHash(small1) == ContentHash(small2) {
		t.Fatal("distinct payloads within the sample window collided")
	}
}
