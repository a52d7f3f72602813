package gige

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanikai/camnode/internal/packet"
)

const (
	xmlAddr = 0x10000
	memTop  = 0x20000
)

const fakeDescription = `<?xml version="1.0" encoding="utf-8"?>
<RegisterDescription ModelName="acA640-90gm" VendorName="Basler">
  <Integer Name="Width"><pValue>WidthReg</pValue><Min>8</Min><Max>640</Max></Integer>
  <IntReg Name="WidthReg"><Address>0x8000</Address><Length>4</Length><AccessMode>RW</AccessMode><pPort>Device</pPort><Endianess>BigEndian</Endianess></IntReg>
  <Integer Name="Height"><pValue>HeightReg</pValue></Integer>
  <IntReg Name="HeightReg"><Address>0x8004</Address><Length>4</Length><AccessMode>RW</AccessMode><pPort>Device</pPort><Endianess>BigEndian</Endianess></IntReg>
  <IntReg Name="PayloadSize"><Address>0x8008</Address><Length>4</Length><AccessMode>RO</AccessMode><pPort>Device</pPort><Endianess>BigEndian</Endianess></IntReg>
  <Enumeration Name="PixelFormat">
    <EnumEntry Name="Mono8"><Value>0x01080001</Value></EnumEntry>
    <EnumEntry Name="Mono16"><Value>0x01100007</Value></EnumEntry>
    <pValue>PixelFormatReg</pValue>
  </Enumeration>
  <IntReg Name="PixelFormatReg"><Address>0x800C</Address><Length>4</Length><AccessMode>RW</AccessMode><pPort>Device</pPort><Endianess>BigEndian</Endianess></IntReg>
  <Command Name="AcquisitionStart"><pValue>AcqReg</pValue><CommandValue>1</CommandValue></Command>
  <IntReg Name="AcqReg"><Address>0x8010</Address><Length>4</Length><AccessMode>WO</AccessMode><pPort>Device</pPort><Cachable>NoCache</Cachable><Endianess>BigEndian</Endianess></IntReg>
  <StringReg Name="DeviceVendorName"><Address>0x48</Address><Length>32</Length><AccessMode>RO</AccessMode><pPort>Device</pPort></StringReg>
  <StringReg Name="DeviceID"><Address>0xD8</Address><Length>16</Length><AccessMode>RO</AccessMode><pPort>Device</pPort></StringReg>
</RegisterDescription>
`

// fakeCamera answers GVCP on loopback from a sparse memory map and streams
// GVSP frames to whatever stream channel 0 is pointed at.
type fakeCamera struct {
	conn *net.UDPConn
	info DeviceInfo

	mu           sync.Mutex
	mem          map[uint32]byte
	drop         int  // requests to ignore
	pending      bool // answer the next request with PENDING_ACK first
	ignoreResend bool
	resends      chan [3]uint32

	// Last frame sent, for resends.
	block uint16
	frame [][]byte
}

func newFakeCamera(t *testing.T) *fakeCamera {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	c := &fakeCamera{
		conn: conn,
		info: DeviceInfo{
			MAC:          net.HardwareAddr{0x00, 0x30, 0x53, 0x01, 0x02, 0x03},
			IP:           net.IPv4(127, 0, 0, 1),
			Manufacturer: "Basler",
			Model:        "acA640-90gm",
			Version:      "1.0",
			Serial:       "21237813",
			UserName:     "bench",
		},
		mem:     make(map[uint32]byte),
		resends: make(chan [3]uint32, 16),
	}
	c.write(0, bootstrapPayload(c.info))
	c.put32(regHeartbeatTimeout, 300)
	c.put32(regTickFreqHigh, 0)
	c.put32(regTickFreqLow, 125000000)
	c.put32(regSCPS0, 576)
	c.put32(0x8000, 64)
	c.put32(0x8004, 32)
	c.put32(0x8008, 64*32)
	c.put32(0x800C, 0x01080001)
	c.write(xmlAddr, []byte(fakeDescription))
	c.write(regFirstURL, []byte(fmt.Sprintf("Local:fake.xml;%x;%x", xmlAddr, len(fakeDescription))))

	go c.serve()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *fakeCamera) addr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *fakeCamera) write(addr uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
}

func (c *fakeCamera) read(addr uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, n)
	for i := range data {
		data[i] = c.mem[addr+uint32(i)]
	}
	return data
}

func (c *fakeCamera) put32(addr, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	c.write(addr, b[:])
}

func (c *fakeCamera) get32(addr uint32) uint32 {
	return binary.BigEndian.Uint32(c.read(addr, 4))
}

func (c *fakeCamera) reply(to *net.UDPAddr, id, code uint16, status Status, payload []byte) {
	a := ack{status: status, code: code, id: id, payload: payload}
	c.conn.WriteToUDP(a.marshal(), to)
}

func (c *fakeCamera) serve() {
	buf := make([]byte, 1500)
	for {
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		cmd, err := parseCommand(buf[:n])
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.drop > 0 && cmd.code != cmdPacketResend {
			c.drop--
			c.mu.Unlock()
			continue
		}
		pending := c.pending
		c.pending = false
		c.mu.Unlock()
		if pending {
			c.reply(src, cmd.id, ackPending, StatusSuccess, []byte{0, 0, 0, 50})
		}

		r := packet.NewReader(cmd.payload)
		switch cmd.code {
		case cmdDiscovery:
			c.reply(src, cmd.id, ackDiscovery, StatusSuccess, bootstrapPayload(c.info))
		case cmdReadReg:
			w := packet.NewWriterSize(len(cmd.payload))
			status := StatusSuccess
			for r.Remaining() >= 4 {
				addr := r.ReadUint32()
				if addr >= memTop {
					status = StatusInvalidAddress
					break
				}
				w.WriteUint32(c.get32(addr))
			}
			c.reply(src, cmd.id, ackReadReg, status, w.Bytes())
		case cmdWriteReg:
			count := 0
			for r.Remaining() >= 8 {
				addr, v := r.ReadUint32(), r.ReadUint32()
				c.put32(addr, v)
				count++
			}
			c.reply(src, cmd.id, ackWriteReg, StatusSuccess, []byte{0, 0, 0, byte(count)})
		case cmdReadMem:
			addr := r.ReadUint32()
			r.Skip(2)
			count := int(r.ReadUint16())
			if addr+uint32(count) > memTop {
				c.reply(src, cmd.id, ackReadMem, StatusInvalidAddress, nil)
				continue
			}
			w := packet.NewWriterSize(4 + count)
			w.WriteUint32(addr)
			w.WriteSlice(c.read(addr, count))
			c.reply(src, cmd.id, ackReadMem, StatusSuccess, w.Bytes())
		case cmdWriteMem:
			addr := r.ReadUint32()
			data := r.ReadRemaining()
			c.write(addr, data)
			c.reply(src, cmd.id, ackWriteMem, StatusSuccess, []byte{0, 0, 0, byte(len(data))})
		case cmdPacketResend:
			r.Skip(2)
			block := r.ReadUint16()
			first, last := r.ReadUint32(), r.ReadUint32()
			c.resends <- [3]uint32{uint32(block), first, last}
			c.resend(block, first, last)
		}
	}
}

func (c *fakeCamera) streamAddr() *net.UDPAddr {
	ip := c.get32(regSCDA0)
	return &net.UDPAddr{
		IP:   net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)),
		Port: int(c.get32(regSCP0) & 0xffff),
	}
}

func gvspPacketBytes(block uint16, format uint8, id uint32, data []byte) []byte {
	w := packet.NewWriterSize(gvspHeaderSize + len(data))
	w.WriteUint16(0)
	w.WriteUint16(block)
	w.WriteByte(format)
	w.WriteUint24(id)
	w.WriteSlice(data)
	return w.Bytes()
}

func leaderBytes(width, height uint32, ticks uint64) []byte {
	w := packet.NewWriterSize(36)
	w.WriteUint16(0)
	w.WriteUint16(payloadTypeImage)
	w.WriteUint64(ticks)
	w.WriteUint32(0x01080001)
	w.WriteUint32(width)
	w.WriteUint32(height)
	w.WriteUint32(0)
	w.WriteUint32(0)
	w.WriteUint16(0)
	w.WriteUint16(0)
	return w.Bytes()
}

// buildFrame splits an image into GVSP packets, leader first.
func buildFrame(block uint16, width, height uint32, ticks uint64, data []byte, chunk int) [][]byte {
	pkts := [][]byte{gvspPacketBytes(block, formatLeader, 0, leaderBytes(width, height, ticks))}
	id := uint32(1)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		pkts = append(pkts, gvspPacketBytes(block, formatPayload, id, data[off:end]))
		id++
	}
	trailer := packet.NewWriterSize(8)
	trailer.WriteUint16(0)
	trailer.WriteUint16(payloadTypeImage)
	trailer.WriteUint32(height)
	return append(pkts, gvspPacketBytes(block, formatTrailer, id, trailer.Bytes()))
}

// sendFrame streams one frame, leaving out the given packet ids.
func (c *fakeCamera) sendFrame(block uint16, width, height uint32, ticks uint64, data []byte, skip ...uint32) {
	chunk := int(c.get32(regSCPS0)&0xffff) - packetOverhead
	pkts := buildFrame(block, width, height, ticks, data, chunk)
	c.mu.Lock()
	c.block, c.frame = block, pkts
	c.mu.Unlock()

	dst := c.streamAddr()
outer:
	for id, p := range pkts {
		for _, s := range skip {
			if uint32(id) == s {
				continue outer
			}
		}
		c.conn.WriteToUDP(p, dst)
	}
}

func (c *fakeCamera) nextResend(t *testing.T) [3]uint32 {
	select {
	case req := <-c.resends:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no resend request")
		return [3]uint32{}
	}
}

func (c *fakeCamera) resend(block uint16, first, last uint32) {
	c.mu.Lock()
	ignore := c.ignoreResend || block != c.block
	pkts := c.frame
	c.mu.Unlock()
	if ignore {
		return
	}
	dst := c.streamAddr()
	for id := first; id <= last && int(id) < len(pkts); id++ {
		c.conn.WriteToUDP(pkts[id], dst)
	}
}

func bootstrapPayload(d DeviceInfo) []byte {
	w := packet.NewWriterSize(bootstrapSize)
	w.WriteUint16(2)
	w.WriteUint16(0)
	w.WriteUint32(0)
	w.WriteUint16(0)
	w.WriteSlice(d.MAC[:6])
	w.ZeroPad(regCurrentIP - w.Length())
	w.WriteSlice(d.IP.To4())
	w.ZeroPad(regManufacturer - w.Length())
	w.WriteCString(d.Manufacturer, 32)
	w.WriteCString(d.Model, 32)
	w.WriteCString(d.Version, 32)
	w.ZeroPad(regSerial - w.Length())
	w.WriteCString(d.Serial, 16)
	w.WriteCString(d.UserName, 16)
	return w.Bytes()
}
