// Package conn is the client side of one HTTP/1.1 or HTTP/2 connection.
//
// Handshake splits an established net.Conn into a SendRequest, the handle
// requests are issued through, and a Driver, which must be served for any
// request to make progress:
//
//	send, driver, err := conn.Handshake[*conn.BytesPayload](ctx, nc, conn.Config{})
//	go driver.Serve(ctx)
//
// SendRequest follows a readiness protocol: each request must be preceded
// by a PollReady that reported ready.
package conn

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/frankli0324/httpconn/task"
	"github.com/google/uuid"
)

type Protocol uint8

const (
	HTTP1 Protocol = iota + 1
	HTTP2
)

func (p Protocol) String() string {
	switch p {
	case HTTP1:
		return "http/1.1"
	case HTTP2:
		return "h2"
	}
	return "unknown"
}

type dispatcher[B Payload] interface {
	pollReady(w task.Waker) (bool, error)
	send(req *Request[B]) *ResponseFuture
	serve(ctx context.Context) error
	// close stops accepting requests and shuts the connection down.
	close()
	isClosed() bool
}

// Handshake starts a client connection on nc, which must not have been used
// for anything but a TLS handshake. HTTP/2 is chosen when cfg.HTTP2 is set
// or the TLS handshake negotiated "h2". On failure nc is closed.
func Handshake[B Payload](ctx context.Context, nc net.Conn, cfg Config) (*SendRequest[B], *Driver, error) {
	cfg = cfg.withDefaults()
	proto := HTTP1
	if cfg.HTTP2 || NegotiatedProtocol(nc) == "h2" {
		proto = HTTP2
	}
	log := cfg.Logger.With().
		Str("conn_id", uuid.NewString()).
		Str("proto", proto.String()).
		Str("remote", nc.RemoteAddr().String()).
		Logger()

	var d dispatcher[B]
	if proto == HTTP2 {
		// handshake io is bounded by ctx, afterwards only Serve's ctx counts
		stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Unix(1, 0)) })
		h2, err := newHTTP2[B](nc, cfg, log)
		if !stop() {
			nc.Close()
			return nil, nil, ErrCanceled.Wrap(context.Cause(ctx))
		}
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		d = h2
	} else {
		d = newHTTP1[B](nc, cfg, log)
	}
	log.Debug().Msg("handshake complete")
	return &SendRequest[B]{d: d}, &Driver{proto: proto, serve: d.serve}, nil
}

// NegotiatedProtocol returns the ALPN result of a TLS connection, "" for
// plain connections.
func NegotiatedProtocol(nc net.Conn) string {
	if tc, ok := nc.(interface{ ConnectionState() tls.ConnectionState }); ok {
		return tc.ConnectionState().NegotiatedProtocol
	}
	return ""
}

// SendRequest issues requests on the connection. It has a single owner:
// PollReady and SendRequest must not be called concurrently.
type SendRequest[B Payload] struct {
	d       dispatcher[B]
	granted bool
}

// PollReady reports whether the connection accepts one more request. When
// it does not, w is woken once that may have changed. A non-nil error means
// the connection is unusable, every later call returns an error of the same
// kind.
func (s *SendRequest[B]) PollReady(w task.Waker) (bool, error) {
	ok, err := s.d.pollReady(w)
	s.granted = ok && err == nil
	return s.granted, err
}

// SendRequest writes req and returns the future of its response. Requests
// are written in the order of SendRequest calls. Without a preceding ready
// PollReady nothing is written and the future fails with ErrNotReady.
func (s *SendRequest[B]) SendRequest(req *Request[B]) *ResponseFuture {
	if !s.granted {
		return failedFuture(ErrNotReady)
	}
	s.granted = false
	return s.d.send(req)
}

// Close releases the send side. Requests in flight fail with a KindClosed
// error and the driver shuts the connection down.
func (s *SendRequest[B]) Close() error {
	s.granted = false
	s.d.close()
	return nil
}

// IsClosed reports that the connection no longer accepts requests.
func (s *SendRequest[B]) IsClosed() bool { return s.d.isClosed() }

// Driver runs the connection's io.
type Driver struct {
	proto Protocol
	serve func(ctx context.Context) error
}

// Serve runs the connection until it ends, which it reports as a *Error of
// KindClosed for an orderly close. Canceling ctx closes the connection.
func (d *Driver) Serve(ctx context.Context) error {
	return d.serve(ctx)
}

func (d *Driver) Protocol() Protocol { return d.proto }
