package gige

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/lanikai/camnode/internal/packet"
)

// GVCP, the GigE Vision control protocol, runs over UDP port 3956.
const ControlPort = 3956

const (
	gvcpMagic = 0x42

	headerSize = 8

	// Largest READMEM/WRITEMEM payload.
	maxMemoryChunk = 512
)

// Command flags.
const (
	flagAckRequired    = 0x01
	flagAllowBroadcast = 0x10
)

// Command and acknowledge codes.
const (
	cmdDiscovery    uint16 = 0x0002
	ackDiscovery    uint16 = 0x0003
	cmdPacketResend uint16 = 0x0040
	cmdReadReg      uint16 = 0x0080
	ackReadReg      uint16 = 0x0081
	cmdWriteReg     uint16 = 0x0082
	ackWriteReg     uint16 = 0x0083
	cmdReadMem      uint16 = 0x0084
	ackReadMem      uint16 = 0x0085
	cmdWriteMem     uint16 = 0x0086
	ackWriteMem     uint16 = 0x0087
	ackPending      uint16 = 0x0089
)

// Bootstrap registers.
const (
	regVersion          = 0x0000
	regDeviceMode       = 0x0004
	regMACHigh          = 0x0008
	regMACLow           = 0x000C
	regCurrentIP        = 0x0024
	regManufacturer     = 0x0048
	regModel            = 0x0068
	regDeviceVersion    = 0x0088
	regSerial           = 0x00D8
	regUserName         = 0x00E8
	regFirstURL         = 0x0200
	regHeartbeatTimeout = 0x0938
	regTickFreqHigh     = 0x093C
	regTickFreqLow      = 0x0940
	regCCP              = 0x0A00
	regSCP0             = 0x0D00
	regSCPS0            = 0x0D04
	regSCPD0            = 0x0D08
	regSCDA0            = 0x0D18

	urlSize       = 512
	bootstrapSize = 0xF8
)

// Control channel privilege values.
const (
	ccpExclusive = 0x1
	ccpControl   = 0x2
)

// Status is a GVCP acknowledge status code.
type Status uint16

const (
	StatusSuccess          Status = 0x0000
	StatusNotImplemented   Status = 0x8001
	StatusInvalidParameter Status = 0x8002
	StatusInvalidAddress   Status = 0x8003
	StatusWriteProtect     Status = 0x8004
	StatusBadAlignment     Status = 0x8005
	StatusAccessDenied     Status = 0x8006
	StatusBusy             Status = 0x8007
	StatusLocalProblem     Status = 0x8008
	StatusMsgMismatch      Status = 0x8009
	StatusInvalidProtocol  Status = 0x800A
	StatusNoMsg            Status = 0x800B
	StatusPacketUnavail    Status = 0x800C
	StatusDataOverrun      Status = 0x800D
	StatusGenericError     Status = 0x8FFF
)

var statusNames = map[Status]string{
	StatusSuccess:          "SUCCESS",
	StatusNotImplemented:   "NOT_IMPLEMENTED",
	StatusInvalidParameter: "INVALID_PARAMETER",
	StatusInvalidAddress:   "INVALID_ADDRESS",
	StatusWriteProtect:     "WRITE_PROTECT",
	StatusBadAlignment:     "BAD_ALIGNMENT",
	StatusAccessDenied:     "ACCESS_DENIED",
	StatusBusy:             "BUSY",
	StatusLocalProblem:     "LOCAL_PROBLEM",
	StatusMsgMismatch:      "MSG_MISMATCH",
	StatusInvalidProtocol:  "INVALID_PROTOCOL",
	StatusNoMsg:            "NO_MSG",
	StatusPacketUnavail:    "PACKET_UNAVAILABLE",
	StatusDataOverrun:      "DATA_OVERRUN",
	StatusGenericError:     "ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(0x%04x)", uint16(s))
}

// StatusError is returned when a device acknowledges a command with a
// non-success status.
type StatusError struct {
	Command uint16
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gvcp command 0x%04x: %s", e.Command, e.Status)
}

// command is an outgoing GVCP request.
type command struct {
	flags   uint8
	code    uint16
	id      uint16
	payload []byte
}

func (c *command) marshal() []byte {
	w := packet.NewWriterSize(headerSize + len(c.payload))
	w.WriteByte(gvcpMagic)
	w.WriteByte(c.flags)
	w.WriteUint16(c.code)
	w.WriteUint16(uint16(len(c.payload)))
	w.WriteUint16(c.id)
	w.WriteSlice(c.payload)
	return w.Bytes()
}

func parseCommand(buf []byte) (*command, error) {
	r := packet.NewReader(buf)
	magic := r.ReadUint8()
	c := &command{flags: r.ReadUint8(), code: r.ReadUint16()}
	length := int(r.ReadUint16())
	c.id = r.ReadUint16()
	if err := r.Err(); err != nil {
		return nil, xerrors.Errorf("gvcp command header: %w", err)
	}
	if magic != gvcpMagic {
		return nil, xerrors.Errorf("gvcp: bad magic 0x%02x", magic)
	}
	c.payload = r.ReadSlice(length)
	if err := r.Err(); err != nil {
		return nil, xerrors.Errorf("gvcp command 0x%04x payload: %w", c.code, err)
	}
	return c, nil
}

// ack is an incoming GVCP acknowledge.
type ack struct {
	status  Status
	code    uint16
	id      uint16
	payload []byte
}

func (a *ack) marshal() []byte {
	w := packet.NewWriterSize(headerSize + len(a.payload))
	w.WriteUint16(uint16(a.status))
	w.WriteUint16(a.code)
	w.WriteUint16(uint16(len(a.payload)))
	w.WriteUint16(a.id)
	w.WriteSlice(a.payload)
	return w.Bytes()
}

func parseAck(buf []byte) (*ack, error) {
	r := packet.NewReader(buf)
	a := &ack{status: Status(r.ReadUint16()), code: r.ReadUint16()}
	length := int(r.ReadUint16())
	a.id = r.ReadUint16()
	if err := r.Err(); err != nil {
		return nil, xerrors.Errorf("gvcp ack header: %w", err)
	}
	// Some devices pad short acks; others truncate the length field.
	if length > r.Remaining() {
		return nil, xerrors.Errorf("gvcp ack 0x%04x: length %d exceeds %d bytes", a.code, length, r.Remaining())
	}
	a.payload = r.ReadSlice(length)
	return a, nil
}

func readRegPayload(addrs ...uint32) []byte {
	w := packet.NewWriterSize(4 * len(addrs))
	for _, addr := range addrs {
		w.WriteUint32(addr)
	}
	return w.Bytes()
}

func writeRegPayload(addr, value uint32) []byte {
	w := packet.NewWriterSize(8)
	w.WriteUint32(addr)
	w.WriteUint32(value)
	return w.Bytes()
}

func readMemPayload(addr uint32, n int) []byte {
	w := packet.NewWriterSize(8)
	w.WriteUint32(addr)
	w.WriteUint16(0)
	w.WriteUint16(uint16(n))
	return w.Bytes()
}

func writeMemPayload(addr uint32, data []byte) []byte {
	w := packet.NewWriterSize(4 + len(data))
	w.WriteUint32(addr)
	w.WriteSlice(data)
	return w.Bytes()
}

// resendPayload asks for packets first..last of a block on stream channel 0.
func resendPayload(block uint16, first, last uint32) []byte {
	w := packet.NewWriterSize(12)
	w.WriteUint16(0)
	w.WriteUint16(block)
	w.WriteUint32(first & 0xffffff)
	w.WriteUint32(last & 0xffffff)
	return w.Bytes()
}
