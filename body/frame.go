package body

import (
	"net/http"

	"github.com/frankli0324/httpconn/task"
)

// Frame is one unit of a body: either a chunk of data or the trailers that
// end the body.
type Frame struct {
	data     []byte
	trailers http.Header
}

func DataFrame(b []byte) Frame { return Frame{data: b} }

func TrailersFrame(h http.Header) Frame {
	if h == nil {
		h = http.Header{}
	}
	return Frame{trailers: h}
}

func (f Frame) IsData() bool          { return f.trailers == nil }
func (f Frame) IsTrailers() bool      { return f.trailers != nil }
func (f Frame) Data() []byte          { return f.data }
func (f Frame) Trailers() http.Header { return f.trailers }

// Payload is what the transport can send as a request body and what it
// produces as a response body.
//
// PollFrame returns the next frame with ready=true, or ready=false after
// registering w when no frame is available yet. The end of the body is
// reported as io.EOF, any other error aborts the body. Frames after a
// trailers frame are not read.
type Payload interface {
	PollFrame(w task.Waker) (f Frame, ready bool, err error)
	// IsEndStream reports that PollFrame would return io.EOF.
	IsEndStream() bool
	// ContentLength is the exact number of data bytes, -1 if unknown.
	ContentLength() int64
}
