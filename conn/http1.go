package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/frankli0324/httpconn/internal/transport"
	"github.com/frankli0324/httpconn/internal/transport/chunked"
	"github.com/frankli0324/httpconn/task"
	"github.com/rs/zerolog"
)

// responses abandoned by their reader are drained up to this many bytes to
// keep the connection, larger ones close it
const maxDrain = 256 << 10

var h1ReadBufs = transport.NewBufPool(32 << 10)

var (
	errUnsolicited = newError(KindParse, "unsolicited response on idle connection")
	errBodyTooLong = newError(KindBodyWrite, "request body longer than its content length")
	errBodyShort   = newError(KindBodyWrite, "request body shorter than its content length")
	errDrainLimit  = newError(KindClosed, "abandoned response body too large to drain")
)

type h1exchange[B Payload] struct {
	*exchange
	req    *Request[B]
	method string
}

// h1conn serves one HTTP/1.1 connection: a writer goroutine writes queued
// requests in order, the read loop matches responses to them in the same
// order.
type h1conn[B Payload] struct {
	nc  net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	queue   []*h1exchange[B] // waiting to be written
	pending []*h1exchange[B] // written or being written, awaiting responses
	err     *Error           // sticky, set once
	closing bool             // the peer will close after the current response
	ready   task.Slot

	wake chan struct{}
	done chan struct{} // closed with err set
}

func newHTTP1[B Payload](nc net.Conn, cfg Config, log zerolog.Logger) *h1conn[B] {
	return &h1conn[B]{
		nc:   nc,
		br:   bufio.NewReaderSize(nc, 16<<10),
		bw:   bufio.NewWriterSize(nc, 16<<10),
		cfg:  cfg,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *h1conn[B]) pollReady(w task.Waker) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if !c.closing && len(c.queue)+len(c.pending) < c.cfg.MaxInFlight {
		return true, nil
	}
	c.ready.Register(w)
	return false, nil
}

func (c *h1conn[B]) send(req *Request[B]) *ResponseFuture {
	f, ex := newFuture()
	hx := &h1exchange[B]{exchange: ex, req: req, method: req.Method}
	if hx.method == "" {
		hx.method = "GET"
	}
	ex.setOnCancel(func() { c.dequeue(hx) })

	c.mu.Lock()
	if err := c.err; err != nil {
		c.mu.Unlock()
		ex.resolve(nil, err)
		return f
	}
	c.queue = append(c.queue, hx)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return f
}

// dequeue drops a canceled request that was not written yet. Once written,
// its response is read and discarded instead.
func (c *h1conn[B]) dequeue(hx *h1exchange[B]) {
	c.mu.Lock()
	i := slices.Index(c.queue, hx)
	if i >= 0 {
		c.queue = slices.Delete(c.queue, i, i+1)
	}
	c.mu.Unlock()
	if i >= 0 {
		c.ready.Wake()
	}
}

func (c *h1conn[B]) close() { c.fail(errSenderClosed) }

func (c *h1conn[B]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil || c.closing
}

// fail breaks the connection. The first error sticks and is returned, every
// request in flight is resolved with it.
func (c *h1conn[B]) fail(err *Error) *Error {
	c.mu.Lock()
	if c.err != nil {
		err = c.err
		c.mu.Unlock()
		return err
	}
	c.err = err
	exs := append(c.pending, c.queue...)
	c.queue, c.pending = nil, nil
	c.mu.Unlock()

	close(c.done)
	c.nc.Close()
	for _, hx := range exs {
		hx.resolve(nil, err)
	}
	c.ready.Wake()
	if err.kind == KindClosed {
		c.log.Debug().Err(err).Msg("connection closed")
	} else {
		c.log.Warn().Err(err).Msg("connection failed")
	}
	return err
}

func (c *h1conn[B]) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() { c.fail(errDriverDone.Wrap(context.Cause(ctx))) })
	go c.writeLoop(ctx)
	return c.readLoop()
}

func (c *h1conn[B]) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for hx := c.next(); hx != nil; hx = c.next() {
			if err := c.write(ctx, hx); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// next moves the oldest queued request to pending, before a single byte of
// it is written, so the read loop knows what a response belongs to.
func (c *h1conn[B]) next() *h1exchange[B] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil || len(c.queue) == 0 {
		return nil
	}
	hx := c.queue[0]
	c.queue = c.queue[1:]
	c.pending = append(c.pending, hx)
	return hx
}

// abandon fails one request that was not written at all.
func (c *h1conn[B]) abandon(hx *h1exchange[B], err *Error) {
	c.mu.Lock()
	if i := slices.Index(c.pending, hx); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
	c.mu.Unlock()
	hx.resolve(nil, err)
	c.ready.Wake()
}

func writeError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed.Wrap(err)
	}
	return newError(KindIO, "write").Wrap(err)
}

// write sends one request. The returned error is fatal to the connection.
func (c *h1conn[B]) write(ctx context.Context, hx *h1exchange[B]) *Error {
	req, body := hx.req, hx.req.Body
	cl, isChunked := transport.RequestFraming(hx.method, body.IsEndStream(), body.ContentLength())
	head := &transport.RequestHead{
		Method:        hx.method,
		RequestURI:    req.RequestURI(),
		Host:          req.Authority(),
		Header:        req.Header,
		ContentLength: cl,
		Chunked:       isChunked,
	}
	if err := head.Validate(); err != nil {
		c.abandon(hx, newError(KindUser, "invalid request").Wrap(err))
		return nil
	}
	if err := transport.WriteRequestHead(c.bw, head); err != nil {
		return writeError(err)
	}
	if cl <= 0 && !isChunked {
		return writeError(c.bw.Flush())
	}

	var cw *chunked.Writer
	if isChunked {
		cw = chunked.NewWriter(c.bw)
	}
	written := int64(0)
	for {
		f, err := pollFrame(ctx, body)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, errDriverDone) {
				return err.(*Error)
			}
			return newError(KindBodyWrite, "payload").Wrap(err)
		}
		if f.IsTrailers() {
			if isChunked {
				return writeError(cw.CloseWithTrailer(f.Trailers()))
			}
			c.log.Debug().Msg("request trailers dropped, body has a content length")
			break
		}
		data := f.Data()
		if isChunked {
			if _, err := cw.Write(data); err != nil {
				return writeError(err)
			}
			continue
		}
		if written += int64(len(data)); written > cl {
			return errBodyTooLong
		}
		if _, err := c.bw.Write(data); err != nil {
			return writeError(err)
		}
		if err := c.bw.Flush(); err != nil {
			return writeError(err)
		}
	}
	if isChunked {
		return writeError(cw.Close())
	}
	if written < cl {
		return errBodyShort
	}
	return writeError(c.bw.Flush())
}

func (c *h1conn[B]) readLoop() error {
	for {
		if _, err := c.br.Peek(1); err != nil {
			c.mu.Lock()
			inFlight := len(c.pending) > 0
			c.mu.Unlock()
			return c.fail(readError(err, inFlight))
		}
		c.mu.Lock()
		var hx *h1exchange[B]
		if len(c.pending) > 0 {
			hx = c.pending[0]
		}
		c.mu.Unlock()
		if hx == nil {
			return c.fail(errUnsolicited)
		}
		if err := c.readResponse(hx); err != nil {
			return c.fail(err)
		}
	}
}

func headError(err error) *Error {
	if errors.Is(err, transport.ErrMalformed) {
		return newError(KindParse, "response head").Wrap(err)
	}
	return readError(err, true)
}

func bodyError(err error) *Error {
	if errors.Is(err, chunked.ErrMalformed) {
		return newError(KindParse, "response body").Wrap(err)
	}
	return readError(err, true)
}

// readResponse reads the response of hx, the oldest pending request. A
// non-nil error is fatal to the connection.
func (c *h1conn[B]) readResponse(hx *h1exchange[B]) *Error {
	var head *transport.ResponseHead
	for {
		h, err := transport.ReadResponseHead(c.br)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return headError(err)
		}
		if !h.IsInformational() {
			head = h
			break
		}
		c.log.Debug().Int("status", h.StatusCode).Msg("informational response skipped")
	}
	framing, err := transport.ResponseFraming(hx.method, head)
	if err != nil {
		return headError(err)
	}
	keepAlive := head.KeepAlive() && framing.Kind != transport.FramingUntilClose &&
		head.StatusCode != 101
	if !keepAlive {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
	}

	in := newIncoming(framing.Length, c.cfg.BodyBufferSize)
	resp := &Response{
		Status:     head.Status,
		StatusCode: head.StatusCode,
		Version:    head.Version,
		Header:     head.Header,
		Body:       in,
	}
	if !hx.resolve(resp, nil) {
		in.Close() // canceled, discard the body
	}
	if err := c.readBody(in, framing); err != nil {
		in.finish(err)
		return err
	}

	c.mu.Lock()
	if len(c.pending) > 0 && c.pending[0] == hx {
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()
	c.ready.Wake()
	if !keepAlive {
		return errPeerClosed
	}
	return nil
}

func (c *h1conn[B]) readBody(in *Incoming, framing transport.Framing) *Error {
	var r io.Reader
	var cr *chunked.Reader
	switch framing.Kind {
	case transport.FramingNone:
		in.finish(nil)
		return nil
	case transport.FramingLength:
		r = io.LimitReader(c.br, framing.Length)
	case transport.FramingChunked:
		cr = chunked.NewReader(c.br)
		r = cr
	case transport.FramingUntilClose:
		r = c.br
	}

	buf := h1ReadBufs.Get(32 << 10)
	defer h1ReadBufs.Put(buf)
	read, discarded, discarding := int64(0), 0, false
	for {
		n, err := r.Read(*buf)
		if n > 0 {
			read += int64(n)
			if !discarding {
				if perr := in.push((*buf)[:n], c.done); perr != nil {
					if errors.Is(perr, errDriverDone) {
						return c.stickyErr()
					}
					discarding = true
				}
			}
			if discarding {
				if discarded += n; discarded > maxDrain || framing.Kind == transport.FramingUntilClose {
					return errDrainLimit
				}
			}
		}
		if err == io.EOF {
			if framing.Kind == transport.FramingLength && read < framing.Length {
				return ErrIncomplete.Wrap(io.ErrUnexpectedEOF)
			}
			if cr != nil && len(cr.Trailer()) > 0 {
				in.pushTrailers(cr.Trailer())
			}
			in.finish(nil)
			return nil
		}
		if err != nil {
			if c.isFailed() {
				return c.stickyErr()
			}
			return bodyError(err)
		}
	}
}

func (c *h1conn[B]) isFailed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *h1conn[B]) stickyErr() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
