package ble

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFragmentThenReassembleIsIdentity(t *testing.T) {
	frame := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(frame)

	fragments, err := Fragment(frame, 185)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	want := 6 // ceil(1000/181)
	if len(fragments) != want {
		t.Fatalf("got %d fragments, want %d", len(fragments), want)
	}

	r := NewReassembler()
	var got []byte
	var ok bool
	for _, f := range fragments {
		got, ok = r.Accept("peerA", f)
	}
	if !ok {
		t.Fatal("reassembly did not complete after all fragments")
	}
	if !bytes.Equal(got, frame) {
		t.Fatal("reassembled frame does not match original")
	}
}

func TestFragmentHeaderIndicesStrictlyIncreasing(t *testing.T) {
	frame := make([]byte, 500)
	fragments, err := Fragment(frame, 185)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	for i, f := range fragments {
		total, index, err := decodeHeader(f)
		if err != nil {
			t.Fatalf("decodeHeader: %v", err)
		}
		if index != i {
			t.Fatalf("fragment %d has index %d", i, index)
		}
		if total != len(fragments) {
			t.Fatalf("fragment %d reports total %d, want %d", i, total, len(fragments))
		}
	}
}

func TestReassemblerRestartsOnNewIndexZero(t *testing.T) {
	r := NewReassembler()

	first, _ := Fragment(make([]byte, 400), 185)
	r.Accept("peerA", first[0]) // start a buffer, never finish it

	second, _ := Fragment([]byte("short"), 185)
	frame, ok := r.Accept("peerA", second[0])
	if !ok || string(frame) != "short" {
		t.Fatal("a new index-0 fragment should silently restart the buffer")
	}
}

func TestReassemblerDropsTruncatedHeader(t *testing.T) {
	r := NewReassembler()
	_, ok := r.Accept("peerA", []byte{0x01})
	if ok {
		t.Fatal("a truncated fragment should never complete a buffer")
	}
}

func TestMaxFragmentPayloadClampsToMaxMTU(t *testing.T) {
	if got := MaxFragmentPayload(1024); got != MaxMTU-FragmentHeaderSize {
		t.Fatalf("MaxFragmentPayload(1024) = %d, want %d", got, MaxMTU-FragmentHeaderSize)
	}
	if got := MaxFragmentPayload(185); got != 181 {
		t.Fatalf("MaxFragmentPayload(185) = %d, want 181", got)
	}
}

func TestFragmentRejectsOversizedFrame(t *testing.T) {
	_, err := Fragment(make([]byte, MaxFrameSize+1), MaxMTU)
	if err != ErrFrameTooLarge {
		t.Fatalf("got err %v, want ErrFrameTooLarge", err)
	}
}
