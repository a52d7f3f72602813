//////////////////////////////////////////////////////////////////////////////
//
// Single-goroutine event loop
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camnode

import (
	"time"
)

// Handler receives the events of an acquisition, one at a time.
type Handler interface {
	OnBufferReady()
	OnTick()
	OnControlLost()
}

// Loop multiplexes stream notifications, the housekeeping tick and control
// loss onto a single goroutine.
type Loop struct {
	Ready       <-chan struct{}
	ControlLost <-chan struct{}
	Interval    time.Duration
	Cancel      *Canceler
}

// Run dispatches events to h until the cancel flag is set. The flag is
// checked after every event, so a handler that cancels ends the loop before
// the next event is taken.
func (l *Loop) Run(h Handler) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	lost := l.ControlLost
	for !l.Cancel.Canceled() {
		select {
		case <-l.Ready:
			h.OnBufferReady()
		case <-ticker.C:
			h.OnTick()
		case <-lost:
			// Closed channel; report once.
			lost = nil
			h.OnControlLost()
		case <-l.Cancel.Done():
		}
	}
}
