package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	ihttp "github.com/frankli0324/httpconn/internal/http"
	"github.com/frankli0324/httpconn/internal/transport"
	"github.com/frankli0324/httpconn/internal/transport/h2c/controller"
	"github.com/frankli0324/httpconn/task"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

const maxStreamID = 1<<31 - 1

var (
	errStreamIDsExhausted = newError(KindClosed, "stream ids exhausted")
	errKeepAliveTimeout   = newError(KindIO, "keep-alive ping timeout")
)

type h2stream[B Payload] struct {
	*exchange
	id      uint32
	method  string
	req     *Request[B]
	fields  transport.Fields
	hasBody bool

	outflow *controller.Outflow
	inflow  *controller.Inflow

	// guarded by h2conn.mu
	headersSent bool // taken off headerq by the writer
	body        *Incoming
	gotHeaders  bool
	localEnded  bool // END_STREAM sent, or about to be
	remoteEnded bool
	received    int64

	cancelBody context.CancelFunc // stops the body writer
	done       chan struct{}
	doneOnce   sync.Once
}

// h2conn serves one HTTP/2 connection. Stream ids are assigned in the order
// of send, a writer goroutine writes HEADERS in that order, request bodies
// are written by one goroutine per stream. The controller's read loop feeds
// responses back through the callbacks registered in newHTTP2.
type h2conn[B Payload] struct {
	nc     net.Conn
	ctrl   *controller.Controller
	cfg    Config
	log    zerolog.Logger
	scheme string

	hmu sync.Mutex // held by the writer from taking a stream until its HEADERS are out

	mu             sync.Mutex
	streams        map[uint32]*h2stream[B]
	headerq        []*h2stream[B]
	nextID         uint32
	peerInitWindow int32
	err            *Error                   // fatal, sticky
	goAway         *controller.ReasonGoAway // from the peer
	ready          task.Slot

	wake chan struct{}
	done chan struct{} // closed with err set
}

func newHTTP2[B Payload](nc net.Conn, cfg Config, log zerolog.Logger) (*h2conn[B], error) {
	c := &h2conn[B]{
		nc: nc,
		ctrl: controller.NewController(nc, controller.Options{
			InitialWindowSize:     cfg.InitialWindowSize,
			InitialConnWindowSize: cfg.InitialConnWindowSize,
			MaxFrameSize:          cfg.MaxFrameSize,
			MaxHeaderListSize:     cfg.MaxHeaderListSize,
		}),
		cfg:            cfg,
		log:            log,
		scheme:         "http",
		streams:        map[uint32]*h2stream[B]{},
		nextID:         1,
		peerInitWindow: 65535,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	if _, ok := nc.(*tls.Conn); ok {
		c.scheme = "https"
	}
	c.ctrl.OnHeaders(c.onHeaders)
	c.ctrl.OnData(c.onData)
	c.ctrl.OnStreamReset(c.onReset)
	c.ctrl.OnStreamWindowUpdate(c.onWindowUpdate)
	c.ctrl.OnRemoteGoAway(c.onGoAway)
	c.ctrl.OnStreamError(func(se http2.StreamError) {
		if s := c.stream(se.StreamID); s != nil {
			c.closeStream(s, streamError(KindProtocol, se.StreamID, "malformed frame").Wrap(h2Code(se.Code)))
		}
	})
	c.ctrl.OnPeerSetting(http2.SettingInitialWindowSize, c.onInitialWindow)
	c.ctrl.OnPeerSetting(http2.SettingMaxConcurrentStreams, func(_, v uint32) {
		c.log.Debug().Uint32("max_concurrent_streams", v).Msg("peer stream limit changed")
		c.ready.Wake()
	})

	if err := c.ctrl.Handshake(); err != nil {
		return nil, h2Error(err, false)
	}
	return c, nil
}

// h2Error classifies an error of the controller.
func h2Error(err error, inFlight bool) *Error {
	var e *Error
	var ce http2.ConnectionError
	var ga *controller.ReasonGoAway
	switch {
	case errors.As(err, &e):
		return e
	case errors.As(err, &ce):
		return newError(KindProtocol, "connection error").Wrap(h2Code(ce))
	case errors.Is(err, controller.ErrNotSettings):
		return newError(KindProtocol, "handshake").Wrap(err)
	case errors.As(err, &ga):
		if ga.Remote() {
			return ErrGoAway.Wrap(err)
		}
		return ErrClosed.Wrap(err)
	}
	return readError(err, inFlight)
}

func (c *h2conn[B]) maxStreams() int {
	return int(min(c.ctrl.PeerSetting(http2.SettingMaxConcurrentStreams), c.cfg.MaxConcurrentStreams))
}

// readyErr returns why no more streams can be opened, nil while they can.
// A GOAWAY from the peer takes precedence so the kind stays the same once
// the connection closes afterwards. Requires c.mu.
func (c *h2conn[B]) readyErr() *Error {
	switch {
	case c.goAway != nil:
		return ErrGoAway.Wrap(c.goAway)
	case c.err != nil:
		return c.err
	case c.nextID > maxStreamID:
		return errStreamIDsExhausted
	}
	return nil
}

func (c *h2conn[B]) pollReady(w task.Waker) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyErr(); err != nil {
		return false, err
	}
	if len(c.streams) < c.maxStreams() {
		return true, nil
	}
	c.ready.Register(w)
	return false, nil
}

func (c *h2conn[B]) send(req *Request[B]) *ResponseFuture {
	f, ex := newFuture()
	method := req.Method
	if method == "" {
		method = "GET"
	}
	scheme := c.scheme
	if req.URL != nil && req.URL.Scheme != "" {
		scheme = req.URL.Scheme
	}
	endStream := req.Body.IsEndStream()
	cl, _ := transport.RequestFraming(method, endStream, req.Body.ContentLength())
	fields, err := transport.RequestFields(&transport.H2RequestHead{
		Method:        method,
		Scheme:        scheme,
		Authority:     req.Authority(),
		Path:          req.RequestURI(),
		Header:        req.Header,
		ContentLength: cl,
	})
	if err != nil {
		ex.resolve(nil, newError(KindUser, "invalid request").Wrap(err))
		return f
	}

	c.mu.Lock()
	if err := c.readyErr(); err != nil {
		c.mu.Unlock()
		ex.resolve(nil, err)
		return f
	}
	s := &h2stream[B]{
		exchange:   ex,
		id:         c.nextID,
		method:     method,
		req:        req,
		fields:     fields,
		outflow:    controller.NewOutflow(c.peerInitWindow),
		inflow:     controller.NewInflow(int32(c.ctrl.SelfSetting(http2.SettingInitialWindowSize))),
		hasBody:    !endStream,
		localEnded: endStream,
		done:       make(chan struct{}),
	}
	c.nextID += 2
	c.streams[s.id] = s
	c.headerq = append(c.headerq, s)
	c.mu.Unlock()

	ex.setOnCancel(func() { c.cancelStream(s) })
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return f
}

func (c *h2conn[B]) stream(id uint32) *h2stream[B] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// cancelStream abandons a stream whose future was canceled before the
// response head arrived.
func (c *h2conn[B]) cancelStream(s *h2stream[B]) {
	c.mu.Lock()
	if i := slices.Index(c.headerq, s); i >= 0 {
		c.headerq = slices.Delete(c.headerq, i, i+1)
	}
	sent := s.headersSent
	c.mu.Unlock()
	if !sent { // the peer never saw the id, it is skipped
		c.closeStream(s, ErrCanceled)
		return
	}
	// RST_STREAM must not overtake the HEADERS being written
	c.hmu.Lock()
	c.hmu.Unlock()
	c.resetStream(s, http2.ErrCodeCancel, ErrCanceled)
}

// closeStream forgets s, stops its body writer and ends its response with
// err. It is a no-op after the first call.
func (c *h2conn[B]) closeStream(s *h2stream[B], err error) {
	first := false
	s.doneOnce.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return
	}
	c.mu.Lock()
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}
	body, cancel := s.body, s.cancelBody
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err != nil {
		s.resolve(nil, err)
		if body != nil {
			body.finish(err)
		}
	}
	c.ready.Wake()
	c.log.Debug().Uint32("stream", s.id).AnErr("reason", err).Msg("stream closed")
}

func (c *h2conn[B]) resetStream(s *h2stream[B], code http2.ErrCode, err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if werr := c.ctrl.WriteRSTStream(s.id, code); werr != nil {
		c.log.Debug().Err(werr).Uint32("stream", s.id).Msg("writing RST_STREAM")
	}
	c.closeStream(s, err)
}

func (c *h2conn[B]) close() {
	c.fail(errSenderClosed)
}

func (c *h2conn[B]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyErr() != nil
}

// fail breaks the connection: every stream ends with the first error.
func (c *h2conn[B]) fail(err *Error) *Error {
	c.mu.Lock()
	if c.err != nil {
		err = c.err
		c.mu.Unlock()
		return err
	}
	c.err = err
	streams := make([]*h2stream[B], 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.headerq = nil
	c.mu.Unlock()

	close(c.done)
	_ = c.ctrl.GoAway(0, http2.ErrCodeNo) // no-op when a GOAWAY was already sent
	for _, s := range streams {
		c.closeStream(s, err)
	}
	c.ready.Wake()
	if err.kind == KindClosed {
		c.log.Debug().Err(err).Msg("connection closed")
	} else {
		c.log.Warn().Err(err).Msg("connection failed")
	}
	return err
}

func (c *h2conn[B]) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() { c.fail(errDriverDone.Wrap(context.Cause(ctx))) })
	go c.writeLoop(ctx)
	if c.cfg.KeepAliveInterval > 0 {
		go c.keepAlive(ctx)
	}
	err := c.ctrl.Serve()
	c.mu.Lock()
	inFlight := len(c.streams) > 0
	c.mu.Unlock()
	return c.fail(h2Error(err, inFlight))
}

// keepAlive pings the peer once nothing was read from it for
// KeepAliveInterval.
func (c *h2conn[B]) keepAlive(ctx context.Context) {
	interval := c.cfg.KeepAliveInterval
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
		}
		if idle := time.Since(c.ctrl.LastRead()); idle < interval {
			t.Reset(interval - idle)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, c.cfg.KeepAliveTimeout)
		err := c.ctrl.Ping(pctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.fail(errKeepAliveTimeout)
			}
			return
		}
		c.log.Debug().Msg("keep-alive ping acknowledged")
		t.Reset(interval)
	}
}

// nextHeaders takes the oldest stream waiting for its HEADERS. Requires
// c.hmu.
func (c *h2conn[B]) nextHeaders() *h2stream[B] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil || c.goAway != nil || len(c.headerq) == 0 {
		return nil
	}
	s := c.headerq[0]
	c.headerq = c.headerq[1:]
	s.headersSent = true
	return s
}

func (c *h2conn[B]) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.hmu.Lock()
			s := c.nextHeaders()
			if s == nil {
				c.hmu.Unlock()
				break
			}
			err := c.ctrl.WriteHeaders(s.id, !s.hasBody, s.fields.Enum)
			c.hmu.Unlock()
			if errors.Is(err, controller.ErrHeaderListTooLarge) {
				// nothing was written, the id is skipped
				c.closeStream(s, newError(KindUser, "invalid request").Wrap(err))
				continue
			}
			if err != nil {
				c.fail(writeError(err))
				return
			}
			c.log.Debug().Uint32("stream", s.id).Msg("stream opened")
			if !s.hasBody {
				continue
			}
			c.mu.Lock()
			select {
			case <-s.done:
			default:
				var bctx context.Context
				bctx, s.cancelBody = context.WithCancel(ctx)
				go c.writeBody(bctx, s)
			}
			c.mu.Unlock()
		}
	}
}

// writeBody streams the request body of s as DATA frames, ending with
// END_STREAM or a trailers HEADERS frame. Payload errors reset the stream
// only, write errors break the connection.
func (c *h2conn[B]) writeBody(ctx context.Context, s *h2stream[B]) {
	body := s.req.Body
	declared := body.ContentLength()
	written := int64(0)
	for {
		f, err := pollFrame(ctx, body)
		if err == io.EOF {
			if declared >= 0 && written < declared {
				c.resetStream(s, http2.ErrCodeCancel, errBodyShort)
				return
			}
			c.endLocal(s, func() error { return c.ctrl.WriteData(s.id, true, nil) })
			return
		}
		if err != nil {
			if !errors.Is(err, errDriverDone) {
				c.resetStream(s, http2.ErrCodeCancel, newError(KindBodyWrite, "payload").Wrap(err))
			}
			return
		}
		if f.IsTrailers() {
			fields, err := transport.TrailerFields(f.Trailers())
			if err != nil {
				c.resetStream(s, http2.ErrCodeCancel, newError(KindBodyWrite, "trailers").Wrap(err))
				return
			}
			c.endLocal(s, func() error { return c.ctrl.WriteHeaders(s.id, true, fields.Enum) })
			return
		}

		data := f.Data()
		if written += int64(len(data)); declared >= 0 && written > declared {
			c.resetStream(s, http2.ErrCodeCancel, errBodyTooLong)
			return
		}
		for len(data) > 0 {
			want := min(len(data), int(c.ctrl.MaxWriteFrameSize()))
			n := int(controller.Take(ctx.Done(), int32(want), s.outflow, c.ctrl.ConnOutflow()))
			if n == 0 {
				return // stream or connection closed
			}
			chunk := data[:n]
			data = data[n:]
			if len(data) == 0 && body.IsEndStream() && (declared < 0 || written == declared) {
				c.endLocal(s, func() error { return c.ctrl.WriteData(s.id, true, chunk) })
				return
			}
			if err := c.ctrl.WriteData(s.id, false, chunk); err != nil {
				c.fail(writeError(err))
				return
			}
		}
	}
}

// endLocal writes the frame carrying END_STREAM and closes the stream when
// the response already ended.
func (c *h2conn[B]) endLocal(s *h2stream[B], write func() error) {
	c.mu.Lock()
	s.localEnded = true
	remoteEnded := s.remoteEnded
	c.mu.Unlock()
	if err := write(); err != nil {
		c.fail(writeError(err))
		return
	}
	if remoteEnded {
		c.closeStream(s, nil)
	}
}

// endRemote handles END_STREAM from the peer. A response that is complete
// while the request body is still being sent stops the upload.
func (c *h2conn[B]) endRemote(s *h2stream[B]) {
	c.mu.Lock()
	s.remoteEnded = true
	localEnded := s.localEnded
	c.mu.Unlock()
	if localEnded {
		c.closeStream(s, nil)
		return
	}
	c.resetStream(s, http2.ErrCodeCancel, nil)
}

// streamOpened tells whether id belongs to a stream this connection ever
// opened, as opposed to one the peer made up.
func (c *h2conn[B]) streamOpened(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id%2 == 1 && id < c.nextID
}

func (c *h2conn[B]) onHeaders(f *http2.MetaHeadersFrame) error {
	s := c.stream(f.StreamID)
	if s == nil {
		if !c.streamOpened(f.StreamID) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil // reset or canceled earlier
	}

	c.mu.Lock()
	gotHeaders, body := s.gotHeaders, s.body
	c.mu.Unlock()
	if gotHeaders {
		if !f.StreamEnded() {
			c.resetStream(s, http2.ErrCodeProtocol, streamError(KindProtocol, s.id, "trailers without END_STREAM"))
			return nil
		}
		trailers, err := transport.ReadTrailerFields(f.Fields)
		if err != nil {
			c.resetStream(s, http2.ErrCodeProtocol, streamError(KindProtocol, s.id, "trailers").Wrap(err))
			return nil
		}
		body.pushTrailers(trailers)
		body.finish(nil)
		c.endRemote(s)
		return nil
	}

	if status := f.PseudoValue("status"); len(status) == 3 && status[0] == '1' && status != "101" {
		if f.StreamEnded() {
			c.resetStream(s, http2.ErrCodeProtocol, streamError(KindProtocol, s.id, "informational response ends stream"))
		}
		return nil
	}
	head, err := transport.ReadResponseFields(f.Fields)
	if err != nil {
		c.resetStream(s, http2.ErrCodeProtocol, streamError(KindProtocol, s.id, "response head").Wrap(err))
		return nil
	}

	length := head.ContentLength
	if f.StreamEnded() || transport.NoBody(s.method, head.StatusCode) {
		length = 0
	}
	in := newIncoming(length, 0)
	in.onConsume = func(n int) {
		_ = c.ctrl.ReleaseInflow(n)
		c.mu.Lock()
		ended := s.remoteEnded
		c.mu.Unlock()
		if !ended {
			_ = c.ctrl.WriteWindowUpdate(s.id, s.inflow.Add(n))
		}
	}
	in.onClose = func(finished bool) {
		if !finished {
			c.resetStream(s, http2.ErrCodeCancel, ErrCanceled)
		}
	}
	c.mu.Lock()
	s.gotHeaders, s.body = true, in
	c.mu.Unlock()

	resp := &Response{
		Status:     head.Status,
		StatusCode: head.StatusCode,
		Version:    ihttp.HTTP2,
		Header:     head.Header,
		Body:       in,
	}
	if !s.resolve(resp, nil) {
		c.resetStream(s, http2.ErrCodeCancel, ErrCanceled)
		return nil
	}
	if f.StreamEnded() {
		in.finish(nil)
		c.endRemote(s)
	}
	return nil
}

func (c *h2conn[B]) onData(f *http2.DataFrame) error {
	data := f.Data()
	s := c.stream(f.StreamID)
	if s == nil {
		if !c.streamOpened(f.StreamID) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return c.ctrl.ReleaseInflow(len(data))
	}
	c.mu.Lock()
	body := s.body
	c.mu.Unlock()
	if body == nil {
		_ = c.ctrl.ReleaseInflow(len(data))
		c.resetStream(s, http2.ErrCodeProtocol, streamError(KindProtocol, s.id, "DATA before HEADERS"))
		return nil
	}

	length := f.Header().Length
	if !s.inflow.Take(length) {
		_ = c.ctrl.ReleaseInflow(len(data))
		c.resetStream(s, http2.ErrCodeFlowControl, streamError(KindProtocol, s.id, "flow control window exceeded"))
		return nil
	}
	if pad := int(length) - len(data); pad > 0 {
		_ = c.ctrl.WriteWindowUpdate(s.id, s.inflow.Add(pad))
	}

	if len(data) > 0 {
		if err := body.push(data, c.done); err != nil {
			// the consumer closed the body, the stream is being reset
			return c.ctrl.ReleaseInflow(len(data))
		}
	}
	c.mu.Lock()
	s.received += int64(len(data))
	received := s.received
	c.mu.Unlock()
	if declared := body.ContentLength(); declared >= 0 &&
		(received > declared || f.StreamEnded() && received != declared) {
		c.resetStream(s, http2.ErrCodeProtocol, streamError(KindProtocol, s.id,
			"body length "+strconv.FormatInt(received, 10)+" does not match content-length"))
		return nil
	}
	if f.StreamEnded() {
		body.finish(nil)
		c.endRemote(s)
	}
	return nil
}

func (c *h2conn[B]) onReset(f *http2.RSTStreamFrame) error {
	s := c.stream(f.StreamID)
	if s == nil {
		if !c.streamOpened(f.StreamID) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	c.mu.Lock()
	remoteEnded := s.remoteEnded
	c.mu.Unlock()
	if f.ErrCode == http2.ErrCodeNo && remoteEnded {
		// the response is complete, the peer just wants no more request body
		c.closeStream(s, nil)
		return nil
	}
	c.closeStream(s, streamError(KindStreamReset, s.id, "reset by peer").Wrap(h2Code(f.ErrCode)))
	return nil
}

func (c *h2conn[B]) onWindowUpdate(id, incr uint32) error {
	s := c.stream(id)
	if s == nil {
		return nil
	}
	if !s.outflow.Add(int32(incr)) {
		c.resetStream(s, http2.ErrCodeFlowControl, streamError(KindProtocol, s.id, "window overflow"))
	}
	return nil
}

func (c *h2conn[B]) onGoAway(reason *controller.ReasonGoAway) {
	c.log.Debug().
		Uint32("last_stream_id", reason.LastStreamID()).
		Str("code", reason.Code().String()).
		Msg("GOAWAY received")
	c.mu.Lock()
	c.goAway = reason
	var refused []*h2stream[B]
	for id, s := range c.streams {
		if id > reason.LastStreamID() || !s.headersSent {
			refused = append(refused, s)
		}
	}
	c.headerq = nil
	c.mu.Unlock()

	// streams above the last id or never opened were not processed,
	// retrying them is safe
	for _, s := range refused {
		c.closeStream(s, ErrGoAway.Wrap(reason))
	}
	c.ready.Wake()
}

func (c *h2conn[B]) onInitialWindow(prev, value uint32) {
	delta := int32(int64(value) - int64(prev))
	c.mu.Lock()
	c.peerInitWindow = int32(value)
	streams := make([]*h2stream[B], 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		if !s.outflow.Add(delta) {
			_ = c.ctrl.GoAway(0, http2.ErrCodeFlowControl)
			return
		}
	}
}
