// Package httpconn exposes one HTTP/1.1 or HTTP/2 client connection as a
// request/response service.
//
// A connection is driven in two steps: wait until it is ready, then call it.
//
//	c, err := httpconn.Dial[*conn.BytesPayload](ctx, "https://example.com", nil, conn.Config{})
//	if err != nil { ... }
//	defer c.Close()
//	if err := c.Ready(ctx); err != nil { ... }
//	resp, err := c.Send(req).Await(ctx)
//
// Once a connection failed it stays failed; open a new one.
package httpconn

import (
	"net/http"

	"github.com/frankli0324/httpconn/body"
	"github.com/frankli0324/httpconn/client"
	"github.com/frankli0324/httpconn/conn"
	ihttp "github.com/frankli0324/httpconn/internal/http"
)

type Header = http.Header
type Request[B conn.Payload] = conn.Request[B]
type Response = client.Response
type Body = body.Body
type Connection[B conn.Payload] = client.Connection[B]
type Version = ihttp.Version

const (
	HTTP10 = ihttp.HTTP10
	HTTP11 = ihttp.HTTP11
	HTTP2  = ihttp.HTTP2
)

// NewRequest parses rawURL into a request, an empty method meaning GET.
func NewRequest[B conn.Payload](method, rawURL string, b B) (*Request[B], error) {
	return conn.NewRequest(method, rawURL, b)
}
