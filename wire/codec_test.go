package wire_test

import (
	"testing"

	"github.com/nprpc/nprpc/wire"
)

func TestStringRoundTrip(t *testing.T) {
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)

	slot := w.VectorSlot()
	w.String(slot, "hello, nprpc")

	r := wire.NewReader(buf)
	got := r.String(slot)
	if got != "hello, nprpc" {
		t.Fatalf("got %q, want %q", got, "hello, nprpc")
	}
}

func TestEmptyStringRoundTrip(t *testing.T) {
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)

	slot := w.VectorSlot()
	w.String(slot, "")

	r := wire.NewReader(buf)
	if got := r.String(slot); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestOptionalU32RoundTrip(t *testing.T) {
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)

	present := w.VectorSlot()
	v := uint32(42)
	w.OptionalU32(present, &v)

	absent := w.VectorSlot()
	w.OptionalU32(absent, nil)

	r := wire.NewReader(buf)
	got := r.OptionalU32(present)
	if got == nil || *got != 42 {
		t.Fatalf("present: got %v, want 42", got)
	}
	if got := r.OptionalU32(absent); got != nil {
		t.Fatalf("absent: got %v, want nil", got)
	}
}

func TestMultipleFieldsInOneStruct(t *testing.T) {
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)

	w.U32(7)
	nameSlot := w.VectorSlot()
	w.U64(0xdeadbeef)
	tagsSlot := w.VectorSlot()

	w.String(nameSlot, "servant-1")
	// tail for tagsSlot written after nameSlot's tail, exercising
	// non-adjacent relative offsets.
	tail := buf.Append([]byte("a"))
	w.PatchVector(tagsSlot, tail, 1)

	r := wire.NewReader(buf)
	if got := r.U32(0); got != 7 {
		t.Fatalf("field0: got %d, want 7", got)
	}
	if got := r.U64(12); got != 0xdeadbeef {
		t.Fatalf("field2: got %#x, want 0xdeadbeef", got)
	}
	if got := r.String(nameSlot); got != "servant-1" {
		t.Fatalf("name: got %q, want %q", got, "servant-1")
	}
	if got := r.Bytes(tagsSlot); string(got) != "a" {
		t.Fatalf("tags: got %q, want %q", got, "a")
	}
}

func TestOutOfBoundsAccessPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-bounds access")
		}
	}()
	buf := wire.NewBuffer(0)
	buf.Append([]byte{1, 2, 3})
	buf.At(1, 10)
}

func TestBufferGrowsPastInitialCapacity(t *testing.T) {
	buf := wire.NewBuffer(4)
	w := wire.NewWriter(buf)
	for i := uint32(0); i < 64; i++ {
		w.U32(i)
	}
	r := wire.NewReader(buf)
	for i := uint32(0); i < 64; i++ {
		if got := r.U32(int(i) * 4); got != i {
			t.Fatalf("field %d: got %d, want %d", i, got, i)
		}
	}
}
