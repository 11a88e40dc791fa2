package conn_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/frankli0324/httpconn/conn"
	"github.com/frankli0324/httpconn/task"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

const testTimeout = 5 * time.Second

// listen accepts connections on loopback and hands each to serve.
func listen(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(c)
		}
	}()
	return ln.Addr().String()
}

func startH2Server(t *testing.T, h http.Handler, maxStreams uint32) string {
	srv := &http2.Server{MaxConcurrentStreams: maxStreams}
	return listen(t, func(c net.Conn) {
		defer c.Close()
		srv.ServeConn(c, &http2.ServeConnOpts{Handler: h})
	})
}

type client[B conn.Payload] struct {
	*conn.SendRequest[B]
	served chan error
}

func handshake[B conn.Payload](t *testing.T, addr string, cfg conn.Config) *client[B] {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	send, driver, err := conn.Handshake[B](ctx, nc, cfg)
	require.NoError(t, err)

	sctx, stop := context.WithCancel(context.Background())
	c := &client[B]{SendRequest: send, served: make(chan error, 1)}
	go func() { c.served <- driver.Serve(sctx) }()
	t.Cleanup(func() {
		stop()
		nc.Close()
	})
	return c
}

// ready blocks until the connection accepts a request or fails.
func (c *client[B]) ready(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var err error
	werr := task.Block(ctx, func(w task.Waker) bool {
		var ok bool
		ok, err = c.PollReady(w)
		return ok || err != nil
	})
	require.NoError(t, werr, "connection not ready in time")
	return err
}

func (c *client[B]) do(t *testing.T, req *conn.Request[B]) (*conn.Response, error) {
	t.Helper()
	if err := c.ready(t); err != nil {
		return nil, err
	}
	return await(t, c.SendRequest.SendRequest(req))
}

func (c *client[B]) serveErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.served:
		return err
	case <-time.After(testTimeout):
		t.Fatal("driver did not stop")
		return nil
	}
}

func await(t *testing.T, f *conn.ResponseFuture) (*conn.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	resp, err := f.Await(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "response not received in time")
	return resp, err
}

func readAll(t *testing.T, body *conn.Incoming) (string, http.Header, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var data []byte
	var trailers http.Header
	for {
		var f conn.Frame
		var err error
		werr := task.Block(ctx, func(w task.Waker) bool {
			var ok bool
			f, ok, err = body.PollFrame(w)
			return ok
		})
		require.NoError(t, werr, "body not complete in time")
		if err == io.EOF {
			return string(data), trailers, nil
		}
		if err != nil {
			return string(data), trailers, err
		}
		if f.IsTrailers() {
			trailers = f.Trailers()
			continue
		}
		data = append(data, f.Data()...)
	}
}

func newRequest[B any](t *testing.T, method, url string, body B) *conn.Request[B] {
	t.Helper()
	req, err := conn.NewRequest(method, url, body)
	require.NoError(t, err)
	return req
}
