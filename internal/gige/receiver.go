package gige

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanikai/camnode/internal/stream"
)

type frame struct {
	buf      *stream.Buffer
	block    uint16
	leader   bool
	received map[uint32]bool
	last     uint32 // trailer packet id, once seen
	highest  uint32 // highest payload packet id seen
	asked    uint32 // highest packet id already requested again
	touched  time.Time
	status   stream.Status
}

// expected is the number of payload packets, known once the trailer
// arrives.
func (f *frame) expected() int {
	if f.last == 0 {
		return 0
	}
	return int(f.last - 1)
}

func (f *frame) complete() bool {
	return f.leader && f.last != 0 && len(f.received) == f.expected()
}

type resender interface {
	RequestResend(block uint16, first, last uint32) error
}

// receiver reassembles GVSP blocks into session buffers.
type receiver struct {
	conn     *net.UDPConn
	resend   resender
	opts     stream.Options
	tickFreq uint64
	chunk    int

	resent  atomic.Uint64
	missing atomic.Uint64

	filler stream.Filler
	frames map[uint16]*frame

	// Blocks already completed or skipped, so late packets do not restart
	// them.
	finished map[uint16]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newReceiver(conn *net.UDPConn, resend resender, opts stream.Options, tickFreq uint64, packetSize int) *receiver {
	chunk := packetSize - packetOverhead
	if chunk <= 0 {
		chunk = 1500 - packetOverhead
	}
	return &receiver{
		conn:     conn,
		resend:   resend,
		opts:     opts,
		tickFreq: tickFreq,
		chunk:    chunk,
		frames:   make(map[uint16]*frame),
		finished: make(map[uint16]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *receiver) Start(f stream.Filler) error {
	r.filler = f
	go r.run()
	return nil
}

// Stop ends reception. Frames still being assembled come back Aborted.
func (r *receiver) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stop)
		if r.filler == nil {
			close(r.done)
		} else {
			r.conn.SetReadDeadline(time.Now())
		}
	})
	<-r.done
	return r.conn.Close()
}

func (r *receiver) Statistics() (resent, missing uint64) {
	return r.resent.Load(), r.missing.Load()
}

func (r *receiver) run() {
	defer close(r.done)
	log.Debug("Stream receiver on %s", r.conn.LocalAddr())

	poll := r.opts.PacketTimeout
	if poll <= 0 {
		poll = 40 * time.Millisecond
	}
	buf := make([]byte, 65536)
	for {
		select {
		case <-r.stop:
			r.abort()
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(poll))
		n, err := r.conn.Read(buf)
		now := time.Now()
		if err == nil {
			if p, err := parseGVSP(buf[:n]); err != nil {
				log.Debug("Dropping packet: %v", err)
			} else {
				r.handle(p, now)
			}
		} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			select {
			case <-r.stop:
			default:
				log.Error("Stream receive: %v", err)
			}
			r.abort()
			return
		}
		r.expire(now)
	}
}

func (r *receiver) handle(p *gvspPacket, now time.Time) {
	f := r.frames[p.block]
	if f == nil {
		if _, done := r.finished[p.block]; done {
			return
		}
		b := r.filler.Acquire()
		if b == nil {
			// No buffer: skip the whole block.
			r.finished[p.block] = now
			return
		}
		b.FrameID = uint64(p.block)
		f = &frame{
			buf:      b,
			block:    p.block,
			received: make(map[uint32]bool),
			status:   stream.Filling,
		}
		r.frames[p.block] = f
	}
	f.touched = now

	switch p.format {
	case formatLeader:
		l, err := parseLeader(p.data)
		if err != nil {
			log.Debug("Block %d: %v", p.block, err)
			f.status = stream.WrongPacketID
			break
		}
		f.leader = true
		f.buf.Timestamp = ticksToNanoseconds(l.timestamp, r.tickFreq)
		f.buf.PixelFormat = l.pixelFormat
		f.buf.Width = l.width
		f.buf.Height = l.height
	case formatPayload:
		r.payload(f, p)
	case formatTrailer:
		if p.id <= f.highest {
			f.status = stream.WrongPacketID
			break
		}
		f.last = p.id
		r.requestGap(f, f.highest+1, f.last-1)
		if !f.leader {
			r.request(f, 0, 0)
		}
	default:
		log.Trace(2, "Block %d: ignoring packet format %d", p.block, p.format)
	}

	if f.status != stream.Filling {
		r.finish(f, f.status, now)
	} else if f.complete() {
		r.finish(f, stream.Success, now)
	}
}

func (r *receiver) payload(f *frame, p *gvspPacket) {
	if p.id == 0 || f.last != 0 && p.id >= f.last {
		f.status = stream.WrongPacketID
		return
	}
	off := int(p.id-1) * r.chunk
	end := off + len(p.data)
	if end > len(f.buf.Data) {
		f.status = stream.SizeMismatch
		return
	}
	if !f.received[p.id] {
		copy(f.buf.Data[off:], p.data)
		f.received[p.id] = true
		if end > f.buf.Size {
			f.buf.Size = end
		}
	}
	if p.id > f.highest {
		r.requestGap(f, f.highest+1, p.id-1)
		f.highest = p.id
	}
}

// requestGap asks again for the missing packets in first..last that have
// not been asked for yet.
func (r *receiver) requestGap(f *frame, first, last uint32) {
	if first <= f.asked {
		first = f.asked + 1
	}
	if first > last {
		return
	}
	for id := first; id <= last; id++ {
		if f.received[id] {
			continue
		}
		end := id
		for end < last && !f.received[end+1] {
			end++
		}
		r.request(f, id, end)
		id = end
	}
	f.asked = last
}

func (r *receiver) request(f *frame, first, last uint32) {
	if !r.opts.PacketResend || r.resend == nil {
		return
	}
	log.Trace(2, "Block %d: requesting packets %d-%d", f.block, first, last)
	if err := r.resend.RequestResend(f.block, first, last); err != nil {
		log.Debug("Resend request: %v", err)
		return
	}
	r.resent.Add(uint64(last - first + 1))
}

func (r *receiver) finish(f *frame, status stream.Status, now time.Time) {
	delete(r.frames, f.block)
	r.finished[f.block] = now
	if status == stream.MissingPackets {
		want := f.expected()
		if want == 0 {
			want = int(f.highest)
		}
		if n := want - len(f.received); n > 0 {
			r.missing.Add(uint64(n))
		}
	}
	f.buf.Status = status
	r.filler.Complete(f.buf)
}

// expire completes frames that have seen no packets for FrameRetention.
func (r *receiver) expire(now time.Time) {
	for _, f := range r.frames {
		if now.Sub(f.touched) < r.opts.FrameRetention {
			continue
		}
		status := stream.MissingPackets
		if !f.leader && len(f.received) == 0 {
			status = stream.Timeout
		}
		log.Debug("Block %d expired: %d/%d packets", f.block, len(f.received), f.expected())
		r.finish(f, status, now)
	}
	for block, t := range r.finished {
		if now.Sub(t) > 4*r.opts.FrameRetention {
			delete(r.finished, block)
		}
	}
}

func (r *receiver) abort() {
	now := time.Now()
	for _, f := range r.frames {
		r.finish(f, stream.Aborted, now)
	}
}
