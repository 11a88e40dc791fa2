// Package task holds the cooperative suspension primitives shared by the
// transport and the service layer.
//
// A poll function never blocks. When it cannot make progress it registers the
// Waker it was given and reports pending; whoever later changes the state the
// poller is waiting on calls Wake. Wakes may be spurious, a woken poller must
// poll again.
package task

import (
	"context"
	"sync"
)

type Waker interface {
	Wake()
}

type WakerFunc func()

func (f WakerFunc) Wake() { f() }

// Noop is used by callers that re-poll on their own schedule.
var Noop Waker = WakerFunc(func() {})

// Slot keeps at most one registered waker, a newer registration replaces the
// older one. Register before checking the awaited state, so a Wake issued
// between the check and the registration is not lost.
type Slot struct {
	mu sync.Mutex
	w  Waker
}

func (s *Slot) Register(w Waker) {
	if w == nil {
		return
	}
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// Wake consumes the registered waker, if any, and wakes it.
func (s *Slot) Wake() {
	s.mu.Lock()
	w := s.w
	s.w = nil
	s.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// Signal is a Waker backed by a channel with capacity 1, so wakes coalesce.
type Signal struct {
	c chan struct{}
}

func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

func (s *Signal) Wake() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C is readable after at least one Wake since the last receive.
func (s *Signal) C() <-chan struct{} { return s.c }

// Block drives poll until it reports ready or ctx is done. It is the bridge
// from the poll based contracts to plain blocking goroutine code.
func Block(ctx context.Context, poll func(w Waker) (ready bool)) error {
	sig := NewSignal()
	for {
		if poll(sig) {
			return nil
		}
		select {
		case <-sig.C():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
