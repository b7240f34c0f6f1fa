package ble

import "testing"

func TestWriteQueueSingleInFlight(t *testing.T) {
	q := NewWriteQueue()

	frag1, write1 := q.Enqueue([]byte("a"))
	if !write1 || string(frag1) != "a" {
		t.Fatal("first enqueue with nothing in flight should write immediately")
	}

	_, write2 := q.Enqueue([]byte("b"))
	if write2 {
		t.Fatal("second enqueue while in flight should queue, not write")
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}

	next, shouldWrite := q.CompleteWrite(true)
	if !shouldWrite || string(next) != "b" {
		t.Fatal("completion should pop the next queued fragment")
	}

	_, shouldWrite = q.CompleteWrite(true)
	if shouldWrite {
		t.Fatal("completion with an empty queue should not request another write")
	}
}

func TestWriteQueueAbandonsOnFailure(t *testing.T) {
	q := NewWriteQueue()

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c"))

	_, shouldWrite := q.CompleteWrite(false)
	if shouldWrite {
		t.Fatal("a failed write must not continue the queue")
	}
	if q.Len() != 0 {
		t.Fatal("a failed write must abandon remaining fragments")
	}
}
