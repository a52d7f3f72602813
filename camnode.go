//////////////////////////////////////////////////////////////////////////////
//
// Acquisition context and cancellation
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

// Package camnode acquires frames from one GenICam camera, restamps them in
// the host clock domain and hands them to a publish sink.
//
// A single goroutine owns the stream session, the buffer pool and the
// timestamp synchronizer. Only the cancellation flag is shared with other
// goroutines.
package camnode

import (
	"sync"
	"sync/atomic"

	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/publish"
	"github.com/lanikai/camnode/internal/stream"
	"github.com/lanikai/camnode/internal/tsync"
)

var log = logging.DefaultLogger.WithTag("camnode")

// Context is the state of one acquisition. The controller fills it in as it
// moves through its states and passes it to the dispatcher.
type Context struct {
	Device camera.Device
	Caps   *Capabilities

	// Read once at startup and fixed for the life of the session.
	Region camera.Region
	Format camera.Format

	Session *stream.Session
	Pool    *stream.Pool
	Sync    *tsync.Synchronizer
	Sink    publish.Sink
	Cancel  *Canceler
}

// Canceler is a cancellation flag safe to set from any goroutine, including
// a signal handler. Setting it never interrupts work in progress; the event
// loop checks it between events.
type Canceler struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewCanceler() *Canceler {
	return &Canceler{done: make(chan struct{})}
}

func (c *Canceler) Cancel() {
	c.flag.Store(true)
	c.once.Do(func() { close(c.done) })
}

func (c *Canceler) Canceled() bool {
	return c.flag.Load()
}

// Done is closed once Cancel has been called. It only wakes a waiting loop;
// the flag is authoritative.
func (c *Canceler) Done() <-chan struct{} {
	return c.done
}
