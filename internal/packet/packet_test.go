package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteThenRead(t *testing.T) {
	w := NewWriterSize(32)
	w.WriteByte(0x42)
	w.WriteUint16(0x0102)
	w.WriteUint24(0x030405)
	w.WriteUint32(0x06070809)
	w.WriteUint64(0x0a0b0c0d0e0f1011)
	w.WriteCString("abc", 6)
	assert.NoError(t, w.Err())
	assert.Equal(t, 24, w.Length())

	r := NewReader(w.Bytes())
	assert.EqualValues(t, 0x42, r.ReadUint8())
	assert.EqualValues(t, 0x0102, r.ReadUint16())
	assert.EqualValues(t, 0x030405, r.ReadUint24())
	assert.EqualValues(t, 0x06070809, r.ReadUint32())
	assert.EqualValues(t, uint64(0x0a0b0c0d0e0f1011), r.ReadUint64())
	assert.Equal(t, "abc", r.ReadCString(6))
	assert.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestShortReadLatchesError(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	assert.EqualValues(t, 0x0102, r.ReadUint16())
	assert.EqualValues(t, 0, r.ReadUint32())
	assert.Error(t, r.Err())
	assert.EqualValues(t, 0, r.ReadUint8())
}

func TestWriterOverflow(t *testing.T) {
	w := NewWriterSize(3)
	w.WriteUint16(1)
	w.WriteUint16(2)
	assert.Error(t, w.Err())
	assert.Equal(t, 2, w.Length())
}
