package wire

import "encoding/binary"

// Writer appends fields sequentially to a Buffer and patches relative
// offsets for variable-length tails as they're written, per spec.md §4.1's
// encoding rules: every relative offset points strictly after the field's
// slot and within the buffer.
type Writer struct {
	Buf *Buffer
}

func NewWriter(buf *Buffer) *Writer { return &Writer{Buf: buf} }

func (w *Writer) U8(v uint8)   { w.Buf.Prepare(1)[0] = v; w.Buf.Commit(1) }
func (w *Writer) Bool(v bool) { b := byte(0); if v { b = 1 }; w.U8(b) }

func (w *Writer) U16(v uint16) {
	b := w.Buf.Prepare(2)
	binary.LittleEndian.PutUint16(b, v)
	w.Buf.Commit(2)
}

func (w *Writer) U32(v uint32) {
	b := w.Buf.Prepare(4)
	binary.LittleEndian.PutUint32(b, v)
	w.Buf.Commit(4)
}

func (w *Writer) U64(v uint64) {
	b := w.Buf.Prepare(8)
	binary.LittleEndian.PutUint64(b, v)
	w.Buf.Commit(8)
}

func (w *Writer) I32(v int32) { w.U32(uint32(v)) }
func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

// VectorSlot reserves an (rel_offset:u32, count:u32) header in place and
// returns its offset; the caller patches it via PatchVector once the tail
// is written.
func (w *Writer) VectorSlot() (slot int) { return w.Buf.Reserve(8) }

// PatchVector writes the tail's relative offset and element count into a
// slot reserved by VectorSlot. The relative offset is computed from the
// slot's own address, per spec.md §4.1.
func (w *Writer) PatchVector(slot, tailOffset, count int) {
	relOffset := uint32(tailOffset - slot)
	b := w.Buf.At(slot, 8)
	binary.LittleEndian.PutUint32(b[0:4], relOffset)
	binary.LittleEndian.PutUint32(b[4:8], uint32(count))
}

// String writes a vector-of-bytes tail holding the UTF-8 bytes of s (not
// NUL-terminated) and patches the given header slot.
func (w *Writer) String(slot int, s string) {
	tail := w.Buf.Append([]byte(s))
	w.PatchVector(slot, tail, len(s))
}

// Bytes is String's binary-safe twin, used for Opaque control payloads.
func (w *Writer) Bytes(slot int, p []byte) {
	tail := w.Buf.Append(p)
	w.PatchVector(slot, tail, len(p))
}

// Optional encodes like a single-element vector: count is 0 or 1.
func (w *Writer) OptionalU32(slot int, v *uint32) {
	if v == nil {
		w.PatchVector(slot, w.Buf.Size(), 0)
		return
	}
	tail := w.Buf.Size()
	w.U32(*v)
	w.PatchVector(slot, tail, 1)
}

// Reader walks a flat-encoded region without copying; every accessor is
// bounds-checked against the backing Buffer's committed size (spec.md
// Testable Property 7).
type Reader struct {
	Buf *Buffer
}

func NewReader(buf *Buffer) *Reader { return &Reader{Buf: buf} }

func (r *Reader) U8(offset int) uint8 { return r.Buf.At(offset, 1)[0] }
func (r *Reader) Bool(offset int) bool { return r.U8(offset) != 0 }

func (r *Reader) U16(offset int) uint16 {
	return binary.LittleEndian.Uint16(r.Buf.At(offset, 2))
}

func (r *Reader) U32(offset int) uint32 {
	return binary.LittleEndian.Uint32(r.Buf.At(offset, 4))
}

func (r *Reader) U64(offset int) uint64 {
	return binary.LittleEndian.Uint64(r.Buf.At(offset, 8))
}

func (r *Reader) I32(offset int) int32 { return int32(r.U32(offset)) }
func (r *Reader) I64(offset int) int64 { return int64(r.U64(offset)) }

// VectorHeader reads the (rel_offset, count) pair at slot and returns the
// tail's absolute offset and element count. Invariant (a) from spec.md
// §4.1: the absolute address is the slot's address plus rel_offset, and it
// must land strictly after the slot and within the buffer.
func (r *Reader) VectorHeader(slot int) (tailOffset, count int) {
	hdr := r.Buf.At(slot, 8)
	relOffset := binary.LittleEndian.Uint32(hdr[0:4])
	count = int(binary.LittleEndian.Uint32(hdr[4:8]))
	tailOffset = slot + int(relOffset)
	if count > 0 && tailOffset <= slot {
		panic("wire: relative offset does not point strictly after its slot")
	}
	return
}

func (r *Reader) String(slot int) string {
	tailOffset, count := r.VectorHeader(slot)
	if count == 0 {
		return ""
	}
	return string(r.Buf.At(tailOffset, count))
}

func (r *Reader) Bytes(slot int) []byte {
	tailOffset, count := r.VectorHeader(slot)
	if count == 0 {
		return nil
	}
	return r.Buf.At(tailOffset, count)
}

func (r *Reader) OptionalU32(slot int) *uint32 {
	tailOffset, count := r.VectorHeader(slot)
	if count == 0 {
		return nil
	}
	v := r.U32(tailOffset)
	return &v
}
