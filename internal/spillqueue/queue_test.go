package spillqueue

import (
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

func TestMemQueue_FIFOOrder(t *testing.T) {
	q := newMemQueue()
	for i := 1; i <= 3; i++ {
		if err := q.Append(rlogtypes.Batch{TxID: idFor(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if q.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", q.Count())
	}

	for i := 1; i <= 3; i++ {
		b, ref, ok, err := q.Pop()
		if err != nil || !ok {
			t.Fatalf("Pop() error=%v ok=%v", err, ok)
		}
		if b.TxID != idFor(i) {
			t.Fatalf("Pop() TxID = %q, want %q", b.TxID, idFor(i))
		}
		if err := q.Ack(ref); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if !q.IsEmpty() {
		t.Fatalf("expected empty queue after popping and acking all items")
	}
}

func TestMemQueue_PopEmpty(t *testing.T) {
	q := newMemQueue()
	_, _, ok, err := q.Pop()
	if err != nil || ok {
		t.Fatalf("Pop() on empty queue: ok=%v err=%v", ok, err)
	}
}

func TestMemQueue_AppendAfterClose(t *testing.T) {
	q := newMemQueue()
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Append(rlogtypes.Batch{}); err == nil {
		t.Fatalf("expected error appending to closed queue")
	}
}

func TestDiskQueue_FIFOOrderAndCleanup(t *testing.T) {
	dir, err := os.MkdirTemp("", "spillqueue-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	q, err := newDiskQueue(dir, false, zerolog.Nop())
	if err != nil {
		t.Fatalf("newDiskQueue: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if err := q.Append(rlogtypes.Batch{TxID: idFor(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if q.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", q.Count())
	}

	b, ref, ok, err := q.Pop()
	if err != nil || !ok || b.TxID != idFor(1) {
		t.Fatalf("Pop() = %+v ok=%v err=%v, want first item", b, ok, err)
	}
	if err := q.Ack(ref); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Count() != 1 {
		t.Fatalf("Count() after one pop/ack = %d, want 1", q.Count())
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatalf("expected spill dir removed on Close, stat err = %v", statErr)
	}
}

func TestOpen_ForwardsFsyncOption(t *testing.T) {
	dir, err := os.MkdirTemp("", "spillqueue-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	q, err := Open("orders", Options{Dir: dir, Forward: map[string]string{"fsync": "true"}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	dq, ok := q.(*diskQueue)
	if !ok {
		t.Fatalf("Open() with Dir and no MemOnly should return a *diskQueue, got %T", q)
	}
	if !dq.fsync {
		t.Fatal("expected fsync option forwarded from Options.Forward")
	}
	if err := dq.Append(rlogtypes.Batch{TxID: "tx-1"}); err != nil {
		t.Fatalf("Append with fsync enabled: %v", err)
	}
}

func idFor(i int) string {
	return string(rune('a' + i))
}
