package packet

import (
	"bytes"

	"golang.org/x/xerrors"
)

// Reader decodes big-endian fields from a received datagram. Reads past the
// end of the buffer do not panic: they return zero values and latch an error
// that is reported by Err().
type Reader struct {
	buffer []byte
	offset int
	err    error
}

func NewReader(buffer []byte) *Reader {
	return &Reader{buffer: buffer}
}

// take returns the next n bytes, or nil if fewer than n remain.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = xerrors.Errorf("short packet at offset %d: %d bytes remaining, %d needed", r.offset, r.Remaining(), n)
		r.offset = len(r.buffer)
		return nil
	}
	v := r.buffer[r.offset : r.offset+n]
	r.offset += n
	return v
}

func (r *Reader) ReadByte() (byte, error) {
	b := r.take(1)
	if b == nil {
		return 0, r.err
	}
	return b[0], nil
}

// ReadUint8 is ReadByte without the error, for use in field sequences that
// are checked once with Err().
func (r *Reader) ReadUint8() uint8 {
	b, _ := r.ReadByte()
	return b
}

func (r *Reader) ReadUint16() uint16 {
	if b := r.take(2); b != nil {
		return networkOrder.Uint16(b)
	}
	return 0
}

func (r *Reader) ReadUint24() uint32 {
	if b := r.take(3); b != nil {
		return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	return 0
}

func (r *Reader) ReadUint32() uint32 {
	if b := r.take(4); b != nil {
		return networkOrder.Uint32(b)
	}
	return 0
}

func (r *Reader) ReadUint64() uint64 {
	if b := r.take(8); b != nil {
		return networkOrder.Uint64(b)
	}
	return 0
}

func (r *Reader) ReadSlice(n int) []byte {
	return r.take(n)
}

// ReadCString reads a fixed-width, NUL-padded string field.
func (r *Reader) ReadCString(n int) string {
	b := r.take(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *Reader) Skip(n int) {
	r.take(n)
}

func (r *Reader) ReadRemaining() []byte {
	return r.take(r.Remaining())
}

// Return the number of bytes left in the buffer.
func (r *Reader) Remaining() int {
	return len(r.buffer) - r.offset
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.offset
}

func (r *Reader) CheckRemaining(needed int) error {
	if r.Remaining() < needed {
		return xerrors.Errorf("%d bytes remaining, %d needed", r.Remaining(), needed)
	}
	return nil
}

// Err returns the first short-read error, if any.
func (r *Reader) Err() error {
	return r.err
}
