// Package client adapts one HTTP connection into a service.HTTPService.
//
// The adapter adds no semantics of its own: readiness, ordering and errors
// are those of the underlying conn.SendRequest. Only the response body is
// replaced, by the lifted body of package body.
package client

import (
	"context"

	"github.com/frankli0324/httpconn/body"
	"github.com/frankli0324/httpconn/conn"
	ihttp "github.com/frankli0324/httpconn/internal/http"
	"github.com/frankli0324/httpconn/service"
	"github.com/frankli0324/httpconn/task"
)

// Response is a response with its body lifted.
type Response = ihttp.Response[*body.Lifted[*conn.Incoming]]

// Connection is a service over one connection. It exclusively owns its send
// handle and must be used by one caller at a time: a Call must follow a
// PollReady that reported ready. A Call without one is not written, its
// future fails with conn.ErrNotReady.
type Connection[B conn.Payload] struct {
	sender *conn.SendRequest[B]
}

func New[B conn.Payload](sender *conn.SendRequest[B]) *Connection[B] {
	return &Connection[B]{sender: sender}
}

// PollReady forwards to the send handle. Once it returned an error every
// later call returns an error of the same kind.
func (c *Connection[B]) PollReady(w task.Waker) (bool, error) {
	return c.sender.PollReady(w)
}

// Call sends req. Requests are written in the order of calls.
func (c *Connection[B]) Call(req *conn.Request[B]) service.Future[*Response] {
	return c.Send(req)
}

// Send is Call with the concrete future type.
func (c *Connection[B]) Send(req *conn.Request[B]) *ResponseFuture {
	return &ResponseFuture{inner: c.sender.SendRequest(req)}
}

// Ready blocks until the connection accepts a request.
func (c *Connection[B]) Ready(ctx context.Context) error {
	return service.Ready[*conn.Request[B], *Response](ctx, c)
}

// Close drops the connection. Responses not received yet fail with a
// conn.KindClosed error.
func (c *Connection[B]) Close() error {
	return c.sender.Close()
}

func (c *Connection[B]) IsClosed() bool { return c.sender.IsClosed() }

// ResponseFuture resolves to the response with its body lifted. Canceling
// it before the response arrived abandons the request.
type ResponseFuture struct {
	inner *conn.ResponseFuture
}

func (f *ResponseFuture) Poll(w task.Waker) (*Response, bool, error) {
	resp, ready, err := f.inner.Poll(w)
	if !ready {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return ihttp.MapBody(resp, body.Lift[*conn.Incoming]), true, nil
}

// Await blocks until the response arrives. When ctx ends first the request
// is canceled.
func (f *ResponseFuture) Await(ctx context.Context) (*Response, error) {
	return service.Await[*Response](ctx, f)
}

func (f *ResponseFuture) Cancel() { f.inner.Cancel() }
