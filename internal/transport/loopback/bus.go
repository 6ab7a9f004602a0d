// Package loopback is an in-process window: everything posted is delivered
// to every subscriber, including the poster's own listeners.
package loopback

import (
	"errors"
	"sync"

	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/transport"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("loopback bus closed")

// Bus delivers posted messages on a single goroutine, one handler call at a
// time, in post order. Posts made from inside a handler are queued.
type Bus struct {
	subs transport.Fanout
	log  zerolog.Logger

	mu      sync.Mutex
	pending [][]byte
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func New() *Bus {
	b := &Bus{
		log:  logx.Component("loopback"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) Post(data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	msg := append([]byte(nil), data...)
	b.pending = append(b.pending, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) Subscribe(h transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.subs.Add(h), nil
}

// Close stops delivery. Messages still queued are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.pending = nil
	b.mu.Unlock()
	close(b.done)
	return nil
}

func (b *Bus) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for {
			msg, ok := b.pop()
			if !ok {
				break
			}
			b.subs.Deliver(msg, b.log)
		}
	}
}

func (b *Bus) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.pending) == 0 {
		return nil, false
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	return msg, true
}
