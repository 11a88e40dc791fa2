// Package body is the body contract shared by the service stack, the frame
// stream transports send and produce, and the lifter that exposes a frame
// stream under the body contract.
package body

import (
	"context"
	"io"
	"net/http"

	"github.com/frankli0324/httpconn/task"
)

// Body is a stream of data chunks optionally followed by trailers.
//
// PollData returns the next chunk, or io.EOF once the data is exhausted.
// PollTrailers returns the trailers after the data, nil when there are none.
// A pending poll registers w and reports ready=false.
type Body interface {
	PollData(w task.Waker) (data []byte, ready bool, err error)
	PollTrailers(w task.Waker) (trailers http.Header, ready bool, err error)
	IsEndStream() bool
	// ContentLength is the exact number of data bytes, -1 if unknown.
	ContentLength() int64
	Close() error
}

// Source is a transport body that can be lifted.
type Source interface {
	Payload
	io.Closer
}

// Lifted forwards a Source under the Body contract one-to-one: chunks come
// out in the order and at the pace the source yields them.
type Lifted[P Source] struct {
	inner P

	trailers http.Header // seen while polling data, not yet taken
	dataDone bool
	taken    bool
}

func Lift[P Source](p P) *Lifted[P] {
	return &Lifted[P]{inner: p}
}

// Inner returns the lifted source.
func (b *Lifted[P]) Inner() P { return b.inner }

func (b *Lifted[P]) PollData(w task.Waker) ([]byte, bool, error) {
	if b.dataDone {
		return nil, true, io.EOF
	}
	for {
		f, ready, err := b.inner.PollFrame(w)
		if !ready {
			return nil, false, nil
		}
		if err != nil {
			if err == io.EOF {
				b.dataDone = true
			}
			return nil, true, err
		}
		if f.IsTrailers() {
			b.trailers, b.dataDone = f.Trailers(), true
			return nil, true, io.EOF
		}
		if len(f.Data()) > 0 {
			return f.Data(), true, nil
		}
	}
}

// PollTrailers skips any data not read yet.
func (b *Lifted[P]) PollTrailers(w task.Waker) (http.Header, bool, error) {
	for !b.dataDone {
		if _, ready, err := b.PollData(w); !ready {
			return nil, false, nil
		} else if err != nil && err != io.EOF {
			return nil, true, err
		}
	}
	t := b.trailers
	b.trailers, b.taken = nil, true
	return t, true, nil
}

func (b *Lifted[P]) IsEndStream() bool {
	if b.trailers != nil {
		return false
	}
	return b.taken || b.inner.IsEndStream()
}

func (b *Lifted[P]) ContentLength() int64 { return b.inner.ContentLength() }

func (b *Lifted[P]) Close() error { return b.inner.Close() }

type reader struct {
	ctx  context.Context
	b    Body
	rest []byte
}

// NewReader adapts b to an io.ReadCloser. Reads block until data arrives or
// ctx ends. Trailers are not exposed.
func NewReader(ctx context.Context, b Body) io.ReadCloser {
	return &reader{ctx: ctx, b: b}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		var data []byte
		var err error
		if werr := task.Block(r.ctx, func(w task.Waker) bool {
			var ready bool
			data, ready, err = r.b.PollData(w)
			return ready
		}); werr != nil {
			return 0, werr
		}
		if err != nil {
			return 0, err
		}
		r.rest = data
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

func (r *reader) Close() error { return r.b.Close() }

// Collect reads b to its end and returns the data and trailers.
func Collect(ctx context.Context, b Body) ([]byte, http.Header, error) {
	data, err := io.ReadAll(NewReader(ctx, b))
	if err != nil {
		return data, nil, err
	}
	var trailers http.Header
	if werr := task.Block(ctx, func(w task.Waker) bool {
		var ready bool
		trailers, ready, err = b.PollTrailers(w)
		return ready
	}); werr != nil {
		return data, nil, werr
	}
	return data, trailers, err
}
