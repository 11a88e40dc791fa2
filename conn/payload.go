package conn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/frankli0324/httpconn/task"
)

// BytesPayload is a body fully known in advance.
type BytesPayload struct {
	data []byte
	sent bool
}

func Bytes(b []byte) *BytesPayload { return &BytesPayload{data: b} }

func String(s string) *BytesPayload { return &BytesPayload{data: []byte(s)} }

func Empty() *BytesPayload { return &BytesPayload{} }

func (p *BytesPayload) PollFrame(task.Waker) (Frame, bool, error) {
	if p.IsEndStream() {
		return Frame{}, true, io.EOF
	}
	p.sent = true
	return DataFrame(p.data), true, nil
}

// IsEndStream and ContentLength accept a nil receiver, a nil *BytesPayload
// is an empty body.
func (p *BytesPayload) IsEndStream() bool { return p == nil || p.sent || len(p.data) == 0 }

func (p *BytesPayload) ContentLength() int64 {
	if p == nil {
		return 0
	}
	return int64(len(p.data))
}

// ErrBodyWriteAfterClose is returned by StreamPayload sends after the body
// was closed.
var ErrBodyWriteAfterClose = errors.New("http: write on closed body")

// StreamPayload is a body produced while the request is in flight. One
// goroutine sends frames, the transport consumes them in order.
type StreamPayload struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
	err    error // written before done is closed

	length int64
	end    atomic.Bool
	waker  task.Slot
}

// NewStream creates a streaming body. length is the exact body size, or -1
// when unknown (HTTP/1.1 then uses chunked transfer coding).
func NewStream(length int64) *StreamPayload {
	return &StreamPayload{
		frames: make(chan Frame, 4),
		done:   make(chan struct{}),
		length: length,
	}
}

func (s *StreamPayload) send(ctx context.Context, f Frame) error {
	select {
	case <-s.done:
		return ErrBodyWriteAfterClose
	default:
	}
	select {
	case s.frames <- f:
		s.waker.Wake()
		return nil
	case <-s.done:
		return ErrBodyWriteAfterClose
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues one data chunk, blocking while the queue is full.
func (s *StreamPayload) Send(ctx context.Context, chunk []byte) error {
	return s.send(ctx, DataFrame(chunk))
}

// SendTrailers queues the trailers and closes the body.
func (s *StreamPayload) SendTrailers(ctx context.Context, h http.Header) error {
	if err := s.send(ctx, TrailersFrame(h)); err != nil {
		return err
	}
	return s.Close()
}

func (s *StreamPayload) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError ends the body. A nil err ends it normally, otherwise the
// transport aborts the request with err.
func (s *StreamPayload) CloseWithError(err error) error {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.waker.Wake()
	})
	return nil
}

func (s *StreamPayload) PollFrame(w task.Waker) (Frame, bool, error) {
	s.waker.Register(w)
	select {
	case f := <-s.frames:
		return f, true, nil
	default:
	}
	select {
	case <-s.done:
		select { // frames queued before close still go first
		case f := <-s.frames:
			return f, true, nil
		default:
		}
		s.end.Store(true)
		if s.err != nil {
			return Frame{}, true, s.err
		}
		return Frame{}, true, io.EOF
	default:
	}
	return Frame{}, false, nil
}

func (s *StreamPayload) IsEndStream() bool    { return s.end.Load() }
func (s *StreamPayload) ContentLength() int64 { return s.length }

// pollFrame blocks on p until it yields a frame or ctx ends. Errors of the
// payload are returned as is.
func pollFrame(ctx context.Context, p Payload) (f Frame, err error) {
	if werr := task.Block(ctx, func(w task.Waker) bool {
		var ready bool
		f, ready, err = p.PollFrame(w)
		return ready
	}); werr != nil {
		return Frame{}, errDriverDone.Wrap(werr)
	}
	return f, err
}
