package packet

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

var networkOrder = binary.BigEndian

// Writer encodes big-endian fields into a fixed-size buffer. Writes that do
// not fit are dropped and latch an error reported by Err().
type Writer struct {
	buffer []byte
	offset int
	err    error
}

func NewWriter(buffer []byte) *Writer {
	return &Writer{buffer: buffer}
}

func NewWriterSize(n int) *Writer {
	return NewWriter(make([]byte, n))
}

// next reserves n bytes, or returns nil if they do not fit.
func (w *Writer) next(n int) []byte {
	if w.err != nil {
		return nil
	}
	if err := w.CheckCapacity(n); err != nil {
		w.err = err
		return nil
	}
	b := w.buffer[w.offset : w.offset+n]
	w.offset += n
	return b
}

func (w *Writer) WriteByte(v byte) error {
	if b := w.next(1); b != nil {
		b[0] = v
	}
	return w.err
}

func (w *Writer) WriteUint16(v uint16) {
	if b := w.next(2); b != nil {
		networkOrder.PutUint16(b, v)
	}
}

func (w *Writer) WriteUint24(v uint32) {
	if b := w.next(3); b != nil {
		b[0] = byte(v >> 16)
		b[1] = byte(v >> 8)
		b[2] = byte(v)
	}
}

func (w *Writer) WriteUint32(v uint32) {
	if b := w.next(4); b != nil {
		networkOrder.PutUint32(b, v)
	}
}

func (w *Writer) WriteUint64(v uint64) {
	if b := w.next(8); b != nil {
		networkOrder.PutUint64(b, v)
	}
}

// Write the given bytes, if there is enough room.
func (w *Writer) WriteSlice(p []byte) error {
	if b := w.next(len(p)); b != nil {
		copy(b, p)
	}
	return w.err
}

// WriteCString writes s into a fixed-width field of n bytes, truncating or
// padding with NULs as needed.
func (w *Writer) WriteCString(s string, n int) {
	if b := w.next(n); b != nil {
		m := copy(b, s)
		for i := m; i < n; i++ {
			b[i] = 0
		}
	}
}

func (w *Writer) ZeroPad(n int) {
	if b := w.next(n); b != nil {
		for i := range b {
			b[i] = 0
		}
	}
}

// Return the number of bytes written so far.
func (w *Writer) Length() int {
	return w.offset
}

// Return the number of bytes that the underlying buffer can still hold.
func (w *Writer) Capacity() int {
	return len(w.buffer) - w.offset
}

func (w *Writer) CheckCapacity(needed int) error {
	if w.Capacity() < needed {
		return xerrors.Errorf("%d bytes available, %d needed", w.Capacity(), needed)
	}
	return nil
}

// Return a slice of the bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buffer[0:w.offset]
}

func (w *Writer) Reset() {
	w.offset = 0
	w.err = nil
}

// Err returns the first overflow error, if any.
func (w *Writer) Err() error {
	return w.err
}
