package controller

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// frame types up to CONTINUATION, others are ignored
const frameTypes = int(http2.FrameContinuation) + 1

func NewController(c net.Conn, opts Options) *Controller {
	conn := &Controller{
		Conn: c,
		done: make(chan struct{}),
		settingsMixin: settingsMixin{
			peerSettings: newPeerSettings(),
			selfSettings: newSelfSettings(opts),
		},
	}
	conn.framerMixin.init(conn)
	conn.hpackMixin.init(conn)
	conn.pingMixin.init(conn)
	conn.flowControlMixin.init(conn, opts)
	conn.on[http2.FrameSettings] = conn.handleSettings
	conn.on[http2.FrameGoAway] = func(f http2.Frame) error {
		frame := f.(*http2.GoAwayFrame)
		debug := frame.DebugData()
		reason := &ReasonGoAway{
			code:   frame.ErrCode,
			debug:  append([]byte(nil), debug...),
			remote: true,
			last:   frame.LastStreamID,
		}
		conn.doneOnce.Do(func() {
			conn.doneReason = reason
			close(conn.done)
		})
		// a second GOAWAY may lower the last stream id further
		if conn.onRemoteGoAway != nil {
			conn.onRemoteGoAway(reason)
		}
		return nil
	}
	conn.on[http2.FramePushPromise] = func(http2.Frame) error {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return conn
}

// Controller holds the same purpose as [golang.org/x/net/http.ClientConn], yet it
// couples with net/http.Transport deeply, so we are re-implementing it.
//
// Controller implements *connection level* flow control, ping/pong,
// settings for both sides, and maintains connection state. Stream level
// frames are handed to the callbacks registered with the On* methods.
type Controller struct {
	net.Conn

	// closing instructs the read loop to stop
	closing  atomic.Bool
	lastRead atomic.Int64 // unix nanoseconds of the last frame read

	done       chan struct{}
	doneOnce   sync.Once
	doneReason error

	framerMixin
	hpackMixin
	pingMixin
	flowControlMixin // only for control stream (streamID=0)

	settingsMixin

	on [frameTypes]func(http2.Frame) error

	onRemoteGoAway func(*ReasonGoAway)
	onStreamError  func(http2.StreamError)
}

// GoAway actively sends GOAWAY to remote peer and closes the connection.
func (c *Controller) GoAway(lastStreamID uint32, code http2.ErrCode) (err error) {
	return c.GoAwayDebug(lastStreamID, code, nil)
}

// GoAwayDebug actively sends GOAWAY to remote peer with debug info and
// closes the connection.
func (c *Controller) GoAwayDebug(lastStreamID uint32, code http2.ErrCode, debug []byte) (err error) {
	err = ErrMultipleGoAway
	c.doneOnce.Do(func() {
		c.doneReason = &ReasonGoAway{code: code, debug: debug, remote: false, last: lastStreamID}
		close(c.done)
		err = c.WriteGoAway(lastStreamID, code, debug)
	})
	c.closing.Store(true)
	c.Conn.Close()
	return
}

// Valid returns error if connection is no longer available
func (c *Controller) Valid() error {
	select {
	case <-c.done:
		if c.doneReason == nil {
			return ErrReasonNil
		}
		return c.doneReason
	default:
	}
	return nil
}

// Done is closed once a GOAWAY was sent or received, or the read loop
// ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) finish(err error) {
	c.doneOnce.Do(func() {
		c.doneReason = err
		close(c.done)
	})
}

// Handshake performs PRI handshake on the underlying [net.Conn]
func (c *Controller) Handshake() error {
	if _, err := io.WriteString(c.Conn, http2.ClientPreface); err != nil {
		return err
	}
	if err := c.WriteSettings(c.advertised()...); err != nil {
		return err
	}
	if inc := c.connWindowIncrement; inc > 0 {
		if err := c.WriteWindowUpdate(0, inc); err != nil {
			return err
		}
	}
	// The server connection preface consists of a potentially empty SETTINGS frame
	// that MUST be the first frame the server sends in the HTTP/2 connection.
	// https://httpwg.org/specs/rfc7540.html#rfc.section.3.5
	f, err := c.ReadFrame()
	if err != nil {
		c.finish(err)
		return err
	}
	c.lastRead.Store(time.Now().UnixNano())
	if sf, ok := f.(*http2.SettingsFrame); !ok || sf.IsAck() {
		_ = c.GoAway(0, http2.ErrCodeProtocol)
		return ErrNotSettings
	}
	if err := c.handleSettings(f); err != nil {
		c.connError(err)
		return err
	}
	return nil
}

// Serve is the read loop. It returns when the connection fails or is
// closed; connection errors are answered with GOAWAY before returning.
func (c *Controller) Serve() error {
	for !c.closing.Load() {
		f, err := c.ReadFrame()
		if err == nil || errors.As(err, new(http2.StreamError)) {
			c.lastRead.Store(time.Now().UnixNano())
		}
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				_ = c.WriteRSTStream(se.StreamID, se.Code)
				if c.onStreamError != nil {
					c.onStreamError(se)
				}
				continue
			}
			c.connError(err)
			return err
		}
		t := int(f.Header().Type)
		if t >= frameTypes || c.on[t] == nil {
			continue // unknown frame types and PRIORITY are ignored
		}
		if err := c.on[t](f); err != nil {
			c.connError(err)
			return err
		}
	}
	return net.ErrClosed
}

// LastRead returns when the peer was last heard from.
func (c *Controller) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

func (c *Controller) connError(err error) {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		_ = c.GoAway(0, http2.ErrCode(ce))
		return
	}
	c.finish(err)
	c.closing.Store(true)
	c.Conn.Close()
}

func (c *Controller) handleSettings(f http2.Frame) error {
	sf := f.(*http2.SettingsFrame)
	if sf.IsAck() {
		return nil
	}
	if err := c.peerSettings.UpdateFrom(sf); err != nil {
		return err
	}
	return c.WriteSettingsAck()
}

func (c *Controller) OnStreamReset(cb func(*http2.RSTStreamFrame) error) {
	c.on[http2.FrameRSTStream] = func(f http2.Frame) error {
		return cb(f.(*http2.RSTStreamFrame))
	}
}

// OnData registers the DATA callback. Connection level flow control is
// accounted before cb runs; cb owns the stream level and must return the
// data to the connection window with ReleaseInflow once it is consumed.
// Padding is returned right away.
func (c *Controller) OnData(cb func(*http2.DataFrame) error) {
	c.on[http2.FrameData] = func(f http2.Frame) error {
		frame := f.(*http2.DataFrame)
		length := frame.Header().Length
		if !c.inflow.Take(length) {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		if pad := int(length) - len(frame.Data()); pad > 0 {
			if err := c.ReleaseInflow(pad); err != nil {
				return err
			}
		}
		return cb(frame)
	}
}

func (c *Controller) OnHeaders(cb func(*http2.MetaHeadersFrame) error) {
	c.on[http2.FrameHeaders] = func(f http2.Frame) error {
		if f, ok := f.(*http2.MetaHeadersFrame); ok {
			return cb(f)
		}
		panic("unexpected frame, framer should return meta headers frame")
	}
}

func (c *Controller) OnStreamWindowUpdate(cb func(streamID, incr uint32) error) {
	c.onStreamWindowUpdate = cb
}

func (c *Controller) OnRemoteGoAway(cb func(*ReasonGoAway)) {
	c.onRemoteGoAway = cb
}

// OnStreamError is called for malformed stream level frames after the
// stream was reset.
func (c *Controller) OnStreamError(cb func(http2.StreamError)) {
	c.onStreamError = cb
}
