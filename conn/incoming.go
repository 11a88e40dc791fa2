package conn

import (
	"io"
	"net/http"
	"sync"

	"github.com/frankli0324/httpconn/task"
)

// Incoming is the response body produced by the transport. The connection's
// read loop feeds it, the caller polls frames out of it.
type Incoming struct {
	mu       sync.Mutex
	frames   []Frame
	buffered int
	limit    int // 0: unbounded, the HTTP/2 window bounds it instead
	done     bool
	err      error // io.EOF once finished normally
	closed   bool  // closed by the consumer
	space    chan struct{}
	waker    task.Slot

	length int64

	onConsume func(n int)
	onClose   func(finished bool)
}

func newIncoming(length int64, limit int) *Incoming {
	return &Incoming{length: length, limit: limit}
}

// push appends a copy of data. With a limit set it waits for the consumer
// while the buffer is full; quit aborts the wait. It reports
// http.ErrBodyReadAfterClose once the consumer closed the body.
func (b *Incoming) push(data []byte, quit <-chan struct{}) error {
	b.mu.Lock()
	for b.limit > 0 && b.buffered >= b.limit && !b.closed {
		if b.space == nil {
			b.space = make(chan struct{})
		}
		space := b.space
		b.mu.Unlock()
		select {
		case <-space:
		case <-quit:
			return errDriverDone
		}
		b.mu.Lock()
	}
	if b.closed {
		b.mu.Unlock()
		return http.ErrBodyReadAfterClose
	}
	if b.done {
		b.mu.Unlock()
		return nil
	}
	b.frames = append(b.frames, DataFrame(append([]byte(nil), data...)))
	b.buffered += len(data)
	b.mu.Unlock()
	b.waker.Wake()
	return nil
}

func (b *Incoming) pushTrailers(h http.Header) {
	b.mu.Lock()
	if b.closed || b.done {
		b.mu.Unlock()
		return
	}
	b.frames = append(b.frames, TrailersFrame(h))
	b.mu.Unlock()
	b.waker.Wake()
}

// finish ends the body, err == nil meaning a complete body. Only the first
// call has an effect.
func (b *Incoming) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done, b.err = true, err
	b.mu.Unlock()
	b.waker.Wake()
}

func (b *Incoming) PollFrame(w task.Waker) (Frame, bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Frame{}, true, http.ErrBodyReadAfterClose
	}
	if len(b.frames) > 0 {
		f := b.frames[0]
		b.frames[0] = Frame{}
		b.frames = b.frames[1:]
		n := len(f.Data())
		b.buffered -= n
		if b.space != nil {
			close(b.space)
			b.space = nil
		}
		consume := b.onConsume
		b.mu.Unlock()
		if consume != nil && n > 0 {
			consume(n)
		}
		return f, true, nil
	}
	if b.done {
		err := b.err
		b.mu.Unlock()
		return Frame{}, true, err
	}
	b.waker.Register(w)
	b.mu.Unlock()
	return Frame{}, false, nil
}

func (b *Incoming) IsEndStream() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done && len(b.frames) == 0
}

func (b *Incoming) ContentLength() int64 { return b.length }

// Close abandons the body. Closing before the end tells the connection the
// rest of the body is not wanted.
func (b *Incoming) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	finished := b.done && b.err == io.EOF
	b.closed = true
	unread := b.buffered
	b.frames, b.buffered = nil, 0
	if b.space != nil {
		close(b.space)
		b.space = nil
	}
	consume, onClose := b.onConsume, b.onClose
	b.mu.Unlock()
	if consume != nil && unread > 0 {
		consume(unread)
	}
	if onClose != nil {
		onClose(finished)
	}
	b.waker.Wake()
	return nil
}
