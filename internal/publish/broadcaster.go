//////////////////////////////////////////////////////////////////////////////
//
// Broadcast encoded frames from one writer to multiple subscribers.
//
// Each subscriber has its own bounded queue. When a queue is full the
// oldest frame is dropped to make room for the new one, so a slow
// subscriber never holds up the writer.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package publish

import (
	"sync"

	"github.com/pkg/errors"
)

var errNotSubscribed = errors.New("publish: not subscribed")

// broadcaster hands each message to every subscriber queue. Messages are
// shared, not copied. A full queue drops its oldest message to make room.
type broadcaster struct {
	mu          sync.Mutex
	subscribers []chan []byte
	dropped     uint64
}

// subscribe returns a queue holding at most n messages.
func (b *broadcaster) subscribe(n int) <-chan []byte {
	if n < 1 {
		panic("malformed queue size")
	}
	ch := make(chan []byte, n)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) unsubscribe(s <-chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subscribers {
		if s == ch {
			close(ch)
			last := len(b.subscribers) - 1
			b.subscribers[i] = b.subscribers[last]
			b.subscribers = b.subscribers[:last]
			return nil
		}
	}
	return errNotSubscribed
}

func (b *broadcaster) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- p:
			continue
		default:
		}
		// Backlogged. The reader may have drained the queue meanwhile, so
		// neither operation may block.
		select {
		case <-ch:
			b.dropped++
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

func (b *broadcaster) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// close ends every subscription.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
