package gige

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/packet"
)

var ErrTimeout = errors.New("gvcp: no acknowledge")

const (
	defaultTimeout = 500 * time.Millisecond
	defaultRetries = 3
)

// Client issues GVCP commands to one device, one transaction at a time.
type Client struct {
	// Per-attempt wait for an acknowledge, and how many times a command is
	// resent before giving up.
	Timeout time.Duration
	Retries int

	conn *net.UDPConn

	mu     sync.Mutex
	nextID uint16
	buf    []byte
}

// Dial connects to the control port of the device at addr.
func Dial(addr *net.UDPAddr) (*Client, error) {
	if addr.Port == 0 {
		addr = &net.UDPAddr{IP: addr.IP, Port: ControlPort}
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &Client{
		Timeout: defaultTimeout,
		Retries: defaultRetries,
		conn:    conn,
		buf:     make([]byte, 1500),
	}, nil
}

func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *Client) RemoteAddr() *net.UDPAddr {
	return c.conn.RemoteAddr().(*net.UDPAddr)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) id() uint16 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// send issues a command that expects no acknowledge.
func (c *Client) send(code uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := command{code: code, id: c.id(), payload: payload}
	_, err := c.conn.Write(cmd.marshal())
	return err
}

// transact issues a command and waits for its acknowledge, resending on
// timeout. A PENDING_ACK from the device extends the wait.
func (c *Client) transact(code uint16, payload []byte, want uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := command{flags: flagAckRequired, code: code, id: c.id(), payload: payload}
	msg := cmd.marshal()

	for attempt := 0; attempt <= c.Retries; attempt++ {
		if _, err := c.conn.Write(msg); err != nil {
			return nil, errors.Wrap(err, "gvcp send")
		}
		deadline := time.Now().Add(c.Timeout)
		for {
			c.conn.SetReadDeadline(deadline)
			n, err := c.conn.Read(c.buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break
				}
				return nil, errors.Wrap(err, "gvcp receive")
			}
			a, err := parseAck(c.buf[:n])
			if err != nil {
				log.Debug("Dropping malformed ack: %v", err)
				continue
			}
			if a.id != cmd.id {
				log.Trace(2, "Dropping stale ack %d (want %d)", a.id, cmd.id)
				continue
			}
			if a.code == ackPending {
				r := packet.NewReader(a.payload)
				r.Skip(2)
				wait := time.Duration(r.ReadUint16()) * time.Millisecond
				log.Trace(2, "Command 0x%04x pending for %v", code, wait)
				deadline = time.Now().Add(wait + c.Timeout)
				continue
			}
			if a.status != StatusSuccess {
				return nil, &StatusError{Command: code, Status: a.status}
			}
			if a.code != want {
				return nil, errors.Errorf("gvcp: ack 0x%04x for command 0x%04x", a.code, code)
			}
			return append([]byte(nil), a.payload...), nil
		}
		log.Debug("Command 0x%04x (id %d) timed out, attempt %d", code, cmd.id, attempt+1)
	}
	return nil, errors.Wrapf(ErrTimeout, "command 0x%04x", code)
}

func (c *Client) ReadRegister(addr uint32) (uint32, error) {
	p, err := c.transact(cmdReadReg, readRegPayload(addr), ackReadReg)
	if err != nil {
		return 0, err
	}
	if len(p) < 4 {
		return 0, errors.Errorf("gvcp: short READREG ack (%d bytes)", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

func (c *Client) WriteRegister(addr, value uint32) error {
	_, err := c.transact(cmdWriteReg, writeRegPayload(addr, value), ackWriteReg)
	return err
}

func (c *Client) readMem(addr uint32, n int) ([]byte, error) {
	p, err := c.transact(cmdReadMem, readMemPayload(addr, n), ackReadMem)
	if err != nil {
		return nil, err
	}
	if len(p) < 4+n {
		return nil, errors.Errorf("gvcp: short READMEM ack (%d bytes, want %d)", len(p), 4+n)
	}
	return p[4 : 4+n], nil
}

func (c *Client) writeMem(addr uint32, data []byte) error {
	_, err := c.transact(cmdWriteMem, writeMemPayload(addr, data), ackWriteMem)
	return err
}

// ReadMemory reads an arbitrary span of device memory. Aligned 4-byte reads
// use READREG; everything else goes through READMEM in 512-byte chunks.
func (c *Client) ReadMemory(addr uint64, buf []byte) error {
	if len(buf) == 4 && addr%4 == 0 {
		v, err := c.ReadRegister(uint32(addr))
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf, v)
		return nil
	}

	start := addr &^ 3
	end := (addr + uint64(len(buf)) + 3) &^ 3
	data := make([]byte, 0, end-start)
	for a := start; a < end; a += maxMemoryChunk {
		n := end - a
		if n > maxMemoryChunk {
			n = maxMemoryChunk
		}
		chunk, err := c.readMem(uint32(a), int(n))
		if err != nil {
			return err
		}
		data = append(data, chunk...)
	}
	copy(buf, data[addr-start:])
	return nil
}

// WriteMemory writes an arbitrary span of device memory, reading back the
// enclosing words first when the span is not word aligned.
func (c *Client) WriteMemory(addr uint64, data []byte) error {
	if len(data) == 4 && addr%4 == 0 {
		return c.WriteRegister(uint32(addr), binary.BigEndian.Uint32(data))
	}

	start := addr &^ 3
	end := (addr + uint64(len(data)) + 3) &^ 3
	if start != addr || end != addr+uint64(len(data)) {
		words := make([]byte, end-start)
		if err := c.ReadMemory(start, words); err != nil {
			return err
		}
		copy(words[addr-start:], data)
		data = words
	}
	for off := uint64(0); off < uint64(len(data)); off += maxMemoryChunk {
		n := uint64(len(data)) - off
		if n > maxMemoryChunk {
			n = maxMemoryChunk
		}
		if err := c.writeMem(uint32(start+off), data[off:off+n]); err != nil {
			return err
		}
	}
	return nil
}

// ReadString reads a NUL-padded bootstrap string register.
func (c *Client) ReadString(addr uint32, n int) (string, error) {
	buf := make([]byte, n)
	if err := c.ReadMemory(uint64(addr), buf); err != nil {
		return "", err
	}
	return packet.NewReader(buf).ReadCString(n), nil
}

// RequestResend asks the device to resend packets first..last of a block.
// PACKETRESEND has no acknowledge.
func (c *Client) RequestResend(block uint16, first, last uint32) error {
	return c.send(cmdPacketResend, resendPayload(block, first, last))
}
