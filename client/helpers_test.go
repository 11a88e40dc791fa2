package client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/frankli0324/httpconn/client"
	"github.com/frankli0324/httpconn/conn"
	"github.com/frankli0324/httpconn/service"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const testTimeout = 5 * time.Second

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
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	return ln.Addr().String()
}

// protocol starts a peer serving h and tells how to talk to it.
type protocol struct {
	cfg   conn.Config
	serve func(t *testing.T, h http.Handler, maxStreams uint32) string
}

var protocols = map[string]protocol{
	"http1": {
		cfg: conn.Config{},
		serve: func(t *testing.T, h http.Handler, _ uint32) string {
			srv := &http.Server{Handler: h}
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			go srv.Serve(ln)
			t.Cleanup(func() { srv.Close() })
			return ln.Addr().String()
		},
	},
	"http2": {
		cfg: conn.Config{HTTP2: true},
		serve: func(t *testing.T, h http.Handler, maxStreams uint32) string {
			srv := &http2.Server{MaxConcurrentStreams: maxStreams}
			return listen(t, func(c net.Conn) {
				srv.ServeConn(c, &http2.ServeConnOpts{Handler: h})
			})
		},
	},
}

func dial[B conn.Payload](t *testing.T, addr string, cfg conn.Config) *client.Connection[B] {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	send, driver, err := conn.Handshake[B](ctx, nc, cfg)
	require.NoError(t, err)
	sctx, stop := context.WithCancel(context.Background())
	go driver.Serve(sctx)
	t.Cleanup(func() {
		stop()
		nc.Close()
	})
	return client.New(send)
}

func ready[B conn.Payload](t *testing.T, c *client.Connection[B]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := c.Ready(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "connection not ready in time")
	return err
}

func await(t *testing.T, f service.Future[*client.Response]) (*client.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	resp, err := service.Await(ctx, f)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "response not received in time")
	return resp, err
}

func newRequest[B any](t *testing.T, method, url string, body B) *conn.Request[B] {
	t.Helper()
	req, err := conn.NewRequest(method, url, body)
	require.NoError(t, err)
	return req
}

func kindOf(err error) conn.Kind {
	var e *conn.Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return 0
}

// h2Handshake plays the server side of the HTTP/2 preface on c.
func h2Handshake(c net.Conn) (*http2.Framer, error) {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(c, preface); err != nil {
		return nil, err
	}
	fr := http2.NewFramer(c, c)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	return fr, fr.WriteSettings()
}

// awaitHeaders reads frames until a request HEADERS frame, acking SETTINGS.
func awaitHeaders(fr *http2.Framer) (*http2.MetaHeadersFrame, error) {
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch f := f.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				fr.WriteSettingsAck()
			}
		case *http2.MetaHeadersFrame:
			return f, nil
		}
	}
}

func writeH2Response(fr *http2.Framer, id uint32, fields ...hpack.HeaderField) error {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		enc.WriteField(f)
	}
	return fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: buf.Bytes(),
		EndHeaders:    true,
	})
}
