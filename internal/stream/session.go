package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/logging"
)

var log = logging.DefaultLogger.WithTag("stream")

var (
	ErrNoQueues       = errors.New("stream: no buffer pool attached")
	ErrNotHeld        = errors.New("stream: buffer is not held by the caller")
	ErrQueueFull      = errors.New("stream: buffer queue full")
	ErrAlreadyStarted = errors.New("stream: session already started")
)

// Options tune the device side of the stream.
type Options struct {
	// Delay before a missing packet is requested again.
	PacketTimeout time.Duration

	// How long an incomplete frame is kept before it is completed with an
	// error status.
	FrameRetention time.Duration

	// Ask the device to resend missing packets.
	PacketResend bool

	// Kernel receive buffer size for the stream socket. Zero leaves the
	// system default.
	SocketBuffer int
}

func DefaultOptions() Options {
	return Options{
		PacketTimeout:  40 * time.Millisecond,
		FrameRetention: 200 * time.Millisecond,
		PacketResend:   true,
	}
}

// Filler is the session side of a Transport. Both methods are called from the
// transport's receive goroutine.
type Filler interface {
	// Acquire takes the next empty buffer, or returns nil if none is
	// available. The session counts the nil case as an underrun.
	Acquire() *Buffer

	// Complete hands a buffer back, with Status set, for delivery to the
	// consumer.
	Complete(b *Buffer)
}

// Transport is the device channel that fills buffers.
type Transport interface {
	Start(f Filler) error

	// Stop halts reception. Buffers the transport still holds must be
	// completed with status Aborted before Stop returns.
	Stop() error

	// Device-side counters.
	Statistics() (resent, missing uint64)
}

// Opener creates the device channel for a session.
type Opener interface {
	OpenStream(opts Options) (Transport, error)
}

// Statistics are cumulative counters, for diagnostics only.
type Statistics struct {
	Completed uint64
	Failures  uint64
	Underruns uint64
	Resent    uint64
	Missing   uint64
}

// Census counts buffers by owner.
type Census struct {
	Idle     int // waiting in the input queue
	InFlight int // held by the transport
	Filled   int // waiting in the output queue
	Held     int // popped by the consumer
	Total    int
}

// Sum of all owners. Equals Total whenever the pool is intact.
func (c Census) Sum() int {
	return c.Idle + c.InFlight + c.Filled + c.Held
}

// Session wraps a device stream channel with a queue of empty buffers for
// the device to fill and a queue of filled buffers for the consumer to pull.
type Session struct {
	transport Transport

	input  chan *Buffer
	output chan *Buffer
	ready  chan struct{}
	total  int

	emit atomic.Bool

	completed atomic.Uint64
	failures  atomic.Uint64
	underruns atomic.Uint64

	inFlight atomic.Int64
	held     atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewSession opens the stream channel of the given device.
func NewSession(opener Opener, opts Options) (*Session, error) {
	t, err := opener.OpenStream(opts)
	if err != nil {
		return nil, err
	}
	return &Session{transport: t}, nil
}

// attach sizes the queues for a pool of n buffers.
func (s *Session) attach(n int) {
	s.input = make(chan *Buffer, n)
	s.output = make(chan *Buffer, n)
	s.ready = make(chan struct{}, n)
	s.total = n
}

// SetEmitSignals arms or disarms buffer-ready notifications.
func (s *Session) SetEmitSignals(on bool) {
	s.emit.Store(on)
}

// Ready delivers one notification per completed buffer while signals are
// armed.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// TryPopFilled returns the next completed buffer without blocking, or nil.
func (s *Session) TryPopFilled() *Buffer {
	select {
	case b := <-s.output:
		b.state = stateHeld
		s.held.Add(1)
		return b
	default:
		return nil
	}
}

// PushEmpty returns a buffer to the device. It must be called exactly once
// for every buffer obtained from TryPopFilled.
func (s *Session) PushEmpty(b *Buffer) error {
	if s.input == nil {
		return ErrNoQueues
	}
	switch b.state {
	case stateNew:
	case stateHeld:
		s.held.Add(-1)
	default:
		return ErrNotHeld
	}
	b.state = stateIdle
	select {
	case s.input <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Acquire implements Filler.
func (s *Session) Acquire() *Buffer {
	select {
	case b := <-s.input:
		b.state = stateInFlight
		b.Reset()
		s.inFlight.Add(1)
		return b
	default:
		s.underruns.Add(1)
		return nil
	}
}

// Complete implements Filler.
func (s *Session) Complete(b *Buffer) {
	if b.state != stateInFlight {
		log.Error("completed buffer was not in flight (status %v)", b.Status)
		return
	}
	s.inFlight.Add(-1)
	if b.Status == Success {
		s.completed.Add(1)
	} else {
		s.failures.Add(1)
	}
	b.state = stateFilled
	// Output has room for every buffer, so this never blocks.
	s.output <- b
	if s.emit.Load() {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

// Start begins streaming into the attached buffers.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	if s.input == nil {
		return ErrNoQueues
	}
	if err := s.transport.Start(s); err != nil {
		return err
	}
	s.running = true
	return nil
}

// Stop halts the transport. Buffers it was filling come back as Aborted.
// Safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.emit.Store(false)
	return s.transport.Stop()
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Statistics returns the cumulative transfer counters.
func (s *Session) Statistics() Statistics {
	resent, missing := s.transport.Statistics()
	return Statistics{
		Completed: s.completed.Load(),
		Failures:  s.failures.Load(),
		Underruns: s.underruns.Load(),
		Resent:    resent,
		Missing:   missing,
	}
}

// Census reports where the buffers currently are. Only exact while the
// transport is quiescent.
func (s *Session) Census() Census {
	return Census{
		Idle:     len(s.input),
		InFlight: int(s.inFlight.Load()),
		Filled:   len(s.output),
		Held:     int(s.held.Load()),
		Total:    s.total,
	}
}
