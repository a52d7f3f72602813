package gige

import (
	"math/bits"

	"golang.org/x/xerrors"

	"github.com/lanikai/camnode/internal/packet"
)

// GVSP, the GigE Vision stream protocol. Each block (frame) is a leader
// (packet 0), payload packets 1..N and a trailer (packet N+1).
const (
	gvspHeaderSize = 8

	// IPv4 + UDP + GVSP headers, subtracted from the negotiated packet size
	// to get the payload carried by each data packet.
	packetOverhead = 20 + 8 + gvspHeaderSize

	formatLeader  = 1
	formatTrailer = 2
	formatPayload = 3

	payloadTypeImage = 0x0001

	extendedIDFlag = 0x80
)

type gvspPacket struct {
	status uint16
	block  uint16
	format uint8
	id     uint32
	data   []byte
}

func parseGVSP(buf []byte) (*gvspPacket, error) {
	r := packet.NewReader(buf)
	p := &gvspPacket{status: r.ReadUint16(), block: r.ReadUint16()}
	format := r.ReadUint8()
	p.id = r.ReadUint24()
	if err := r.Err(); err != nil {
		return nil, xerrors.Errorf("gvsp header: %w", err)
	}
	if format&extendedIDFlag != 0 {
		return nil, xerrors.New("gvsp: extended block ids not supported")
	}
	p.format = format & 0x0f
	p.data = r.ReadRemaining()
	return p, nil
}

type gvspLeader struct {
	payloadType uint16
	timestamp   uint64
	pixelFormat uint32
	width       uint32
	height      uint32
	offsetX     uint32
	offsetY     uint32
}

func parseLeader(data []byte) (gvspLeader, error) {
	var l gvspLeader
	r := packet.NewReader(data)
	r.Skip(2)
	l.payloadType = r.ReadUint16()
	l.timestamp = r.ReadUint64()
	if l.payloadType == payloadTypeImage {
		l.pixelFormat = r.ReadUint32()
		l.width = r.ReadUint32()
		l.height = r.ReadUint32()
		l.offsetX = r.ReadUint32()
		l.offsetY = r.ReadUint32()
	}
	if err := r.Err(); err != nil {
		return l, xerrors.Errorf("gvsp leader: %w", err)
	}
	return l, nil
}

// ticksToNanoseconds converts a device timestamp at the given tick
// frequency. A zero frequency means the device counts nanoseconds.
func ticksToNanoseconds(ticks, freq uint64) uint64 {
	if freq == 0 || freq == 1e9 {
		return ticks
	}
	hi, lo := bits.Mul64(ticks, 1e9)
	if hi >= freq {
		// Would overflow; a device this far from its epoch is not useful.
		return ticks
	}
	ns, _ := bits.Div64(hi, lo, freq)
	return ns
}
