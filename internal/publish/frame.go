// Package publish delivers frames to downstream consumers.
package publish

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lanikai/camnode/internal/logging"
)

var log = logging.DefaultLogger.WithTag("publish")

// Frame is one image as published on the wire.
type Frame struct {
	Seq      uint64 `msgpack:"seq"`
	FrameID  uint64 `msgpack:"frame_id"`
	Width    uint32 `msgpack:"width"`
	Height   uint32 `msgpack:"height"`
	Encoding string `msgpack:"encoding"`
	Step     uint32 `msgpack:"step"` // bytes per row

	// Synchronized host-domain timestamp, nanoseconds.
	Stamp uint64 `msgpack:"stamp"`

	// Raw onboard timestamp as reported by the camera.
	CameraStamp uint64 `msgpack:"camera_stamp"`

	Data []byte `msgpack:"data"`
}

func Encode(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func Decode(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := msgpack.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	return f, nil
}

// Sink consumes frames. Publish never blocks on the network and never
// fails; sinks log and drop what they cannot deliver.
type Sink interface {
	Publish(f *Frame)
	Close() error
}

// Discard drops every frame.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(*Frame) {}
func (discard) Close() error   { return nil }

// Multi fans each frame out to all sinks, in order.
func Multi(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return Discard
	case 1:
		return sinks[0]
	}
	return multi(sinks)
}

type multi []Sink

func (m multi) Publish(f *Frame) {
	for _, s := range m {
		s.Publish(f)
	}
}

// Close closes every sink and returns the first error.
func (m multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps every published frame. Useful in tests and for debugging.
type Recorder struct {
	mu     sync.Mutex
	frames []*Frame
	closed bool
}

func (r *Recorder) Publish(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Frames returns a copy of the frames received so far.
func (r *Recorder) Frames() []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Frame(nil), r.frames...)
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
