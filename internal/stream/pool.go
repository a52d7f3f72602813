package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSessionActive      = errors.New("stream: session still running")
	ErrBuffersOutstanding = errors.New("stream: buffers outstanding")
	ErrPoolAttached       = errors.New("stream: session already has a pool")
)

// Pool owns a fixed set of equally sized transfer buffers. Buffers are never
// created or destroyed after NewPool returns; they circulate between the pool,
// the device and the consumer until Release.
type Pool struct {
	session *Session
	buffers []*Buffer
	size    int
}

// NewPool allocates count buffers of size bytes and queues all of them to the
// session as empty. The size should be the device's payload size for the
// negotiated region and pixel format; the device reports a mismatch per
// frame, not here.
func NewPool(s *Session, count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("stream: invalid pool geometry %d x %d bytes", count, size)
	}
	if s.input != nil {
		return nil, ErrPoolAttached
	}
	s.attach(count)

	p := &Pool{
		session: s,
		buffers: make([]*Buffer, count),
		size:    size,
	}
	for i := range p.buffers {
		b := newBuffer(size)
		p.buffers[i] = b
		if err := s.PushEmpty(b); err != nil {
			return nil, err
		}
	}
	log.Debug("allocated %d buffers of %d bytes", count, size)
	return p, nil
}

func (p *Pool) Len() int {
	return len(p.buffers)
}

// BufferSize is the capacity of each buffer.
func (p *Pool) BufferSize() int {
	return p.size
}

// Release reclaims every buffer. The session must be stopped first, since the
// device may still be writing into buffers it was handed.
func (p *Pool) Release() error {
	if p.buffers == nil {
		return nil
	}
	s := p.session
	if s.Running() {
		return ErrSessionActive
	}

	// Filled buffers nobody popped (including those aborted by Stop) go back
	// to the idle queue first.
	for {
		select {
		case b := <-s.output:
			b.state = stateIdle
			s.input <- b
			continue
		default:
		}
		break
	}

	c := s.Census()
	if c.Held != 0 || c.InFlight != 0 || c.Idle != len(p.buffers) {
		return errors.Wrapf(ErrBuffersOutstanding, "%+v", c)
	}
	for len(s.input) > 0 {
		b := <-s.input
		b.state = stateReleased
		b.Data = nil
	}
	p.buffers = nil
	return nil
}
