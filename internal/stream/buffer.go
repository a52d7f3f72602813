package stream

import "strconv"

// Status describes how a transfer buffer was completed.
type Status int

const (
	Success Status = iota
	Cleared
	Timeout
	MissingPackets
	WrongPacketID
	SizeMismatch
	Filling
	Aborted
)

var statusNames = map[Status]string{
	Success:        "SUCCESS",
	Cleared:        "CLEARED",
	Timeout:        "TIMEOUT",
	MissingPackets: "MISSING_PACKETS",
	WrongPacketID:  "WRONG_PACKET_ID",
	SizeMismatch:   "SIZE_MISMATCH",
	Filling:        "FILLING",
	Aborted:        "ABORTED",
}

// String is defined for every value, including codes a device might report
// that are not part of the enumeration.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// Where a buffer currently lives. Used to reject double hand-offs.
type bufferState int

const (
	stateNew bufferState = iota
	stateIdle
	stateInFlight
	stateFilled
	stateHeld
	stateReleased
)

// Buffer is a fixed-size region receiving one frame's payload. A buffer has
// exactly one owner at a time: the pool's idle queue, the transport filling
// it, the session's output queue, or the consumer that popped it.
type Buffer struct {
	// Data has the capacity negotiated at pool creation. Only the first Size
	// bytes are meaningful.
	Data []byte
	Size int

	Status Status

	// Onboard timestamp in nanoseconds, in the camera's clock domain.
	Timestamp uint64

	// Block id assigned by the device.
	FrameID uint64

	// Image geometry announced by the device for this frame. Informational;
	// consumers use the region negotiated at startup.
	Width, Height uint32
	PixelFormat   uint32

	state bufferState
}

func newBuffer(size int) *Buffer {
	return &Buffer{
		Data:   make([]byte, size),
		Status: Cleared,
	}
}

// Payload returns the received bytes.
func (b *Buffer) Payload() []byte {
	n := b.Size
	if n > len(b.Data) {
		n = len(b.Data)
	}
	return b.Data[:n]
}

// Reset prepares the buffer to be filled again.
func (b *Buffer) Reset() {
	b.Size = 0
	b.Status = Filling
	b.Timestamp = 0
	b.FrameID = 0
	b.Width, b.Height, b.PixelFormat = 0, 0, 0
}
