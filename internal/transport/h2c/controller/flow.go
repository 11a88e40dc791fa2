package controller

import (
	"sync"

	"golang.org/x/net/http2"
)

// why on earth is it required to implement flow control in http2???

// golang/x/net/http2 says so
const inflowMinRefresh = 4 << 10

// RFC 7540 Section 6.9.1.
const inflowMaxWindow = 1<<31 - 1

// Inflow is a receive window: how many bytes the peer may still send us.
type Inflow struct {
	mu     sync.Mutex
	avail  int32 // remote should have this many tokens for sending to us
	unsent int32 // tokens released by upper layer but not yet returned to the peer
}

func NewInflow(init int32) *Inflow {
	return &Inflow{avail: init}
}

// Take accounts for n received bytes. It fails when the peer overran the
// window.
func (f *Inflow) Take(n uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(n) > int64(f.avail) {
		return false
	}
	f.avail -= int32(n)
	return true
}

// Add releases n consumed bytes and returns the WINDOW_UPDATE increment to
// send now, 0 when the update is batched with later ones.
func (f *Inflow) Add(n int) uint32 {
	if n <= 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	unsent := int64(f.unsent) + int64(n)
	if int64(f.avail)+unsent > inflowMaxWindow {
		unsent = inflowMaxWindow - int64(f.avail)
	}
	f.unsent = int32(unsent)
	if f.unsent < inflowMinRefresh && f.unsent < f.avail {
		return 0
	}
	inc := f.unsent
	f.avail += inc
	f.unsent = 0
	return uint32(inc)
}

// Outflow is a send window. It may become negative when the peer shrinks
// SETTINGS_INITIAL_WINDOW_SIZE.
type Outflow struct {
	mu sync.Mutex
	// RFC rfc7540 6.5.2
	// Values above the maximum flow-control window size of 2^31-1 MUST be treated
	// as a connection error (Section 5.4.1) of type FLOW_CONTROL_ERROR.
	//
	// so we can maintain incoming remains with int32 instead of uint32
	// to track negative values
	n       int32
	changed chan struct{} // closed when n grows
}

func NewOutflow(init int32) *Outflow {
	return &Outflow{n: init, changed: make(chan struct{})}
}

func (f *Outflow) Available() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// Add grows (or, for settings changes, shrinks) the window. It reports false
// when the window would exceed 2^31-1.
func (f *Outflow) Add(n int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := int64(f.n) + int64(n)
	if sum > inflowMaxWindow {
		return false
	}
	f.n = int32(sum)
	if n > 0 {
		close(f.changed)
		f.changed = make(chan struct{})
	}
	return true
}

// take removes up to n tokens, returning how many were taken and a channel
// closed on the next grow when nothing was available.
func (f *Outflow) take(n int32) (int32, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n <= 0 {
		return 0, f.changed
	}
	got := min(n, f.n)
	f.n -= got
	return got, nil
}

// Take waits until both the stream and the connection window are positive
// and takes up to n bytes from both. rfc7540 6.9.2: A sender MUST NOT send
// new flow-controlled frames while a window is not positive.
// It returns 0 when quit is closed first.
func Take(quit <-chan struct{}, n int32, stream, conn *Outflow) int32 {
	for {
		got, wait := stream.take(n)
		if got > 0 {
			var cgot int32
			cgot, wait = conn.take(got)
			if cgot < got {
				stream.Add(got - cgot) // returning less than had, will not overflow
			}
			if cgot > 0 {
				return cgot
			}
		}
		select {
		case <-wait:
		case <-quit:
			return 0
		}
	}
}

// initialConnWindow is the connection window before any WINDOW_UPDATE,
// SETTINGS_INITIAL_WINDOW_SIZE never alters it.
const initialConnWindow = 65535

// flowControlMixin only implements flow control for control frames, that is, streamID=0
type flowControlMixin struct {
	outflow *Outflow
	inflow  *Inflow

	connWindowIncrement  uint32 // sent right after our SETTINGS
	onStreamWindowUpdate func(streamID, incr uint32) error
}

func (flw *flowControlMixin) init(c *Controller, opts Options) {
	flw.outflow = NewOutflow(initialConnWindow)
	window := uint32(initialConnWindow)
	if opts.InitialConnWindowSize > initialConnWindow {
		window = min(opts.InitialConnWindowSize, inflowMaxWindow)
		flw.connWindowIncrement = window - initialConnWindow
	}
	flw.inflow = NewInflow(int32(window))

	c.on[http2.FrameWindowUpdate] = func(f http2.Frame) error {
		frame := f.(*http2.WindowUpdateFrame)
		if frame.StreamID != 0 {
			if flw.onStreamWindowUpdate == nil {
				return nil
			}
			return flw.onStreamWindowUpdate(frame.StreamID, frame.Increment)
		}
		if !flw.outflow.Add(int32(frame.Increment)) {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		return nil
	}
}

// ConnOutflow is the connection send window shared by all streams.
func (flw *flowControlMixin) ConnOutflow() *Outflow { return flw.outflow }

// ReleaseInflow returns n consumed bytes to the connection receive window.
func (c *Controller) ReleaseInflow(n int) error {
	return c.WriteWindowUpdate(0, c.inflow.Add(n))
}
