//////////////////////////////////////////////////////////////////////////////
//
// Acquisition controller state machine
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camnode

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/publish"
	"github.com/lanikai/camnode/internal/stream"
	"github.com/lanikai/camnode/internal/tsync"
)

type State int32

const (
	Idle State = iota
	DeviceOpening
	CapabilityProbing
	StreamCreating
	Acquiring
	Stopping
)

var stateNames = [...]string{
	Idle:              "Idle",
	DeviceOpening:     "DeviceOpening",
	CapabilityProbing: "CapabilityProbing",
	StreamCreating:    "StreamCreating",
	Acquiring:         "Acquiring",
	Stopping:          "Stopping",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	// Camera identifier, as accepted by camera.Open.
	ID string

	// Delay between attempts to open the camera and its stream.
	RetryInterval time.Duration

	// Housekeeping period.
	TickInterval time.Duration

	// Number of transfer buffers.
	Buffers int

	Stream   stream.Options
	Settings Settings

	Gains         tsync.Gains
	IntegralLimit int64
	Clock         tsync.Clock

	// Start the synchronizer from the first frame's local reading instead
	// of zero.
	SeedSync bool

	// Opens the camera. Defaults to camera.Open.
	Open func(id string) (camera.Device, error)
}

func DefaultOptions(id string) Options {
	return Options{
		ID:            id,
		RetryInterval: time.Second,
		TickInterval:  time.Second,
		Buffers:       50,
		Stream:        stream.DefaultOptions(),
		Gains:         tsync.DefaultGains(),
		Clock:         tsync.SystemClock,
		SeedSync:      true,
		Open:          camera.Open,
	}
}

// Controller drives one acquisition from opening the camera to releasing
// it again.
type Controller struct {
	opts   Options
	cancel *Canceler
	sink   publish.Sink

	state      atomic.Int32
	ctx        *Context
	dispatcher *Dispatcher
}

func NewController(opts Options, sink publish.Sink, cancel *Canceler) *Controller {
	if opts.Open == nil {
		opts.Open = camera.Open
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Buffers <= 0 {
		opts.Buffers = 50
	}
	if sink == nil {
		sink = publish.Discard
	}
	return &Controller{opts: opts, cancel: cancel, sink: sink}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	log.Debug("state %v -> %v", c.State(), s)
	c.state.Store(int32(s))
}

// wait sleeps for the retry interval. Returns false if canceled meanwhile.
func (c *Controller) wait() bool {
	select {
	case <-time.After(c.opts.RetryInterval):
		return !c.cancel.Canceled()
	case <-c.cancel.Done():
		return false
	}
}

// Run performs one acquisition. It returns nil after a cancellation or loss
// of control, and an error only if the camera cannot be set up at all.
func (c *Controller) Run() error {
	defer c.setState(Idle)

	c.setState(DeviceOpening)
	dev := c.openDevice()
	if dev == nil {
		return nil
	}
	ctx := &Context{
		Device: dev,
		Sink:   c.sink,
		Cancel: c.cancel,
		Sync:   tsync.New(c.opts.Clock, c.opts.Gains),
	}
	ctx.Sync.SetIntegralLimit(c.opts.IntegralLimit)
	ctx.Sync.SetSeed(c.opts.SeedSync)
	c.ctx = ctx

	c.setState(CapabilityProbing)
	size, err := c.probe(ctx)
	if err != nil {
		dev.Close()
		return err
	}

	c.setState(StreamCreating)
	ctx.Session = c.createSession(dev)
	if ctx.Session == nil {
		dev.Close()
		return nil
	}
	if ctx.Pool, err = stream.NewPool(ctx.Session, c.opts.Buffers, size); err != nil {
		dev.Close()
		return errors.Wrap(err, "allocate buffers")
	}

	c.setState(Acquiring)
	c.dispatcher = NewDispatcher(ctx)
	ctx.Session.SetEmitSignals(true)
	if err := ctx.Session.Start(); err != nil {
		log.Error("Could not start stream: %v", err)
		c.cancel.Cancel()
	} else {
		if err := dev.Execute("AcquisitionStart"); err != nil {
			log.Error("AcquisitionStart: %v", err)
		}
		loop := &Loop{
			Ready:       ctx.Session.Ready(),
			ControlLost: dev.ControlLost(),
			Interval:    c.opts.TickInterval,
			Cancel:      c.cancel,
		}
		loop.Run(c)
	}

	c.setState(Stopping)
	return c.stop(ctx)
}

func (c *Controller) openDevice() camera.Device {
	id := c.opts.ID
	log.Info("Opening: %s", id)
	for !c.cancel.Canceled() {
		dev, err := c.opts.Open(id)
		if err == nil {
			vendor, _ := dev.String("DeviceVendorName")
			devID, _ := dev.String("DeviceID")
			log.Info("Opened: %s-%s", vendor, devID)
			return dev
		}
		log.Warn("Could not open camera %s.  Retrying...", id)
		log.Debug("open %s: %v", id, err)
		if !c.wait() {
			break
		}
	}
	return nil
}

// probe fills in the capabilities, region and format, and returns the
// payload size.
func (c *Controller) probe(ctx *Context) (int, error) {
	dev := ctx.Device
	ctx.Caps = ProbeCapabilities(dev)
	ctx.Caps.Configure(dev, c.opts.Settings)

	var err error
	if ctx.Region, err = dev.Region(); err != nil {
		return 0, errors.Wrap(err, "read region")
	}
	if ctx.Format, err = camera.ReadFormat(dev); err != nil {
		return 0, errors.Wrap(err, "read pixel format")
	}
	size, err := dev.PayloadSize()
	if err != nil {
		return 0, errors.Wrap(err, "read payload size")
	}
	ctx.Caps.Summary(dev, ctx.Region, ctx.Format)
	return size, nil
}

func (c *Controller) createSession(dev camera.Device) *stream.Session {
	for !c.cancel.Canceled() {
		s, err := stream.NewSession(dev, c.opts.Stream)
		if err == nil {
			return s
		}
		log.Warn("Could not create image stream for %s.  Retrying...", c.opts.ID)
		log.Debug("open stream: %v", err)
		if !c.wait() {
			break
		}
	}
	return nil
}

// stop winds the acquisition down. The camera is told to stop before the
// session goes away, and the statistics are read before the buffers are
// released.
func (c *Controller) stop(ctx *Context) error {
	if err := ctx.Device.Execute("AcquisitionStop"); err != nil {
		log.Warn("AcquisitionStop: %v", err)
	}

	st := ctx.Session.Statistics()
	log.Info("Completed buffers = %d", st.Completed)
	log.Info("Failures          = %d", st.Failures)
	log.Info("Underruns         = %d", st.Underruns)
	log.Info("Resent buffers    = %d", st.Resent)
	log.Info("Missing           = %d", st.Missing)

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(ctx.Session.Stop())
	keep(ctx.Pool.Release())
	keep(ctx.Device.Close())
	return first
}

// OnBufferReady implements Handler.
func (c *Controller) OnBufferReady() {
	c.dispatcher.OnBufferReady()
}

// OnTick implements Handler.
func (c *Controller) OnTick() {
	log.Info("Frame rate = %d Hz", c.dispatcher.TakeCount())
}

// OnControlLost implements Handler.
func (c *Controller) OnControlLost() {
	log.Error("Control lost.")
	c.cancel.Cancel()
}
