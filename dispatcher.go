//////////////////////////////////////////////////////////////////////////////
//
// Frame dispatcher
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camnode

import (
	"github.com/lanikai/camnode/internal/publish"
	"github.com/lanikai/camnode/internal/stream"
)

// Dispatcher turns filled buffers into published frames.
type Dispatcher struct {
	ctx   *Context
	seq   uint64
	count int
}

func NewDispatcher(ctx *Context) *Dispatcher {
	return &Dispatcher{ctx: ctx}
}

// OnBufferReady handles at most one filled buffer. It never blocks, and the
// buffer always goes back to the session, whatever its status.
func (d *Dispatcher) OnBufferReady() {
	s := d.ctx.Session
	b := s.TryPopFilled()
	if b == nil {
		return
	}
	defer func() {
		if err := s.PushEmpty(b); err != nil {
			log.Error("Could not requeue buffer: %v", err)
		}
	}()

	if b.Status != stream.Success {
		log.Warn("Frame error: %s", b.Status)
		return
	}

	r, f := d.ctx.Region, d.ctx.Format
	payload := b.Payload()
	frame := &publish.Frame{
		Seq:         d.seq,
		FrameID:     b.FrameID,
		Width:       uint32(r.Width),
		Height:      uint32(r.Height),
		Encoding:    f.Name,
		Step:        uint32(r.Width) * uint32(f.BytesPerPixel()),
		Stamp:       d.ctx.Sync.Derive(b.Timestamp),
		CameraStamp: b.Timestamp,
		Data:        make([]byte, len(payload)),
	}
	copy(frame.Data, payload)
	d.seq++
	d.count++
	d.ctx.Sink.Publish(frame)
}

// TakeCount returns the number of frames published since the last call.
func (d *Dispatcher) TakeCount() int {
	n := d.count
	d.count = 0
	return n
}
