package conn_test

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/frankli0324/httpconn/conn"
	"github.com/frankli0324/httpconn/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kindOf(err error) conn.Kind {
	var e *conn.Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return 0
}

func startH1Server(t *testing.T, h http.Handler) (addr string) {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

// rawPeer serves every connection with a scripted exchange.
func rawPeer(t *testing.T, script func(c net.Conn, br *bufio.Reader)) string {
	return listen(t, func(c net.Conn) {
		defer c.Close()
		script(c, bufio.NewReader(c))
	})
}

func TestHTTP1Get(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Token"))
		fmt.Fprintf(w, "%s %s %s", r.Method, r.RequestURI, r.Host)
	}))
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	req := newRequest(t, "", "http://"+addr+"/path?q=1#frag", conn.Empty())
	req.Header.Set("X-Token", "t0k3n")
	resp, err := c.do(t, req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, "HTTP/1.1", resp.Version.String())
	assert.Equal(t, "t0k3n", resp.Header.Get("X-Echo"))

	body, trailers, err := readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "GET /path?q=1 "+addr, body)
	assert.Nil(t, trailers)
	assert.True(t, resp.Body.IsEndStream())
	require.NoError(t, resp.Body.Close())

	// the connection is reused
	resp, err = c.do(t, newRequest(t, http.MethodHead, "http://"+addr+"/", conn.Empty()))
	require.NoError(t, err)
	body, _, err = readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.False(t, c.IsClosed())
}

func TestHTTP1ResponseTrailers(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		io.WriteString(w, "part1,")
		w.(http.Flusher).Flush()
		io.WriteString(w, "part2")
		w.Header().Set("X-Checksum", "abc")
	}))
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	resp, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), resp.Body.ContentLength())
	body, trailers, err := readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "part1,part2", body)
	assert.Equal(t, "abc", trailers.Get("X-Checksum"))
}

func TestHTTP1StreamingRequest(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "%v|%s|%s", r.TransferEncoding, b, r.Trailer.Get("X-Sum"))
	}))
	c := handshake[*conn.StreamPayload](t, addr, conn.Config{})

	payload := conn.NewStream(-1)
	require.NoError(t, c.ready(t))
	fut := c.SendRequest.SendRequest(newRequest(t, "POST", "http://"+addr+"/upload", payload))
	go func() {
		ctx := t.Context()
		payload.Send(ctx, []byte("hello "))
		payload.Send(ctx, []byte("world"))
		payload.SendTrailers(ctx, http.Header{"X-Sum": {"42"}})
	}()
	resp, err := await(t, fut)
	require.NoError(t, err)
	body, _, err := readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[chunked]|hello world|42", body)

	// a known length is sent with Content-Length
	payload = conn.NewStream(3)
	require.NoError(t, c.ready(t))
	fut = c.SendRequest.SendRequest(newRequest(t, "PUT", "http://"+addr+"/", payload))
	require.NoError(t, payload.Send(t.Context(), []byte("abc")))
	payload.Close()
	resp, err = await(t, fut)
	require.NoError(t, err)
	body, _, err = readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[]|abc|", body)
}

func TestHTTP1Pipelining(t *testing.T) {
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {
		var paths []string
		for range 3 {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			paths = append(paths, req.URL.Path)
		}
		for _, p := range paths {
			fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(p), p)
		}
		io.Copy(io.Discard, br)
	})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{MaxInFlight: 3})

	var futs []*conn.ResponseFuture
	for _, p := range []string{"/a", "/bb", "/ccc"} {
		require.NoError(t, c.ready(t))
		futs = append(futs, c.SendRequest.SendRequest(newRequest(t, "GET", "http://"+addr+p, conn.Empty())))
	}
	ok, err := c.PollReady(task.Noop)
	assert.NoError(t, err)
	assert.False(t, ok, "in flight limit reached")

	for i, want := range []string{"/a", "/bb", "/ccc"} {
		resp, err := await(t, futs[i])
		require.NoError(t, err)
		body, _, err := readAll(t, resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, body)
	}
	require.NoError(t, c.ready(t))
}

func TestHTTP1Backpressure(t *testing.T) {
	release := make(chan struct{})
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {
		for {
			if _, err := http.ReadRequest(br); err != nil {
				return
			}
			<-release
			io.WriteString(c, "HTTP/1.1 204 No Content\r\n\r\n")
		}
	})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	require.NoError(t, c.ready(t))
	fut := c.SendRequest.SendRequest(newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	sig := task.NewSignal()
	ok, err := c.PollReady(sig)
	require.NoError(t, err)
	assert.False(t, ok)

	// sending without a grant writes nothing
	_, err = await(t, c.SendRequest.SendRequest(newRequest(t, "GET", "http://"+addr+"/", conn.Empty())))
	assert.ErrorIs(t, err, conn.ErrNotReady)
	assert.Equal(t, conn.KindUser, kindOf(err))

	close(release)
	resp, err := await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	select {
	case <-sig.C():
	case <-time.After(testTimeout):
		t.Fatal("waker not woken when capacity freed")
	}
	ok, err = c.PollReady(task.Noop)
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestHTTP1PeerCloseMidBody(t *testing.T) {
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	resp, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	require.NoError(t, err)
	body, _, err := readAll(t, resp.Body)
	assert.Equal(t, "abc", body)
	assert.Equal(t, conn.KindIncomplete, kindOf(err))

	err = c.serveErr(t)
	assert.Equal(t, conn.KindIncomplete, kindOf(err))
	for range 3 {
		ok, err := c.PollReady(task.Noop)
		assert.False(t, ok)
		assert.Equal(t, conn.KindIncomplete, kindOf(err), "the first failure sticks")
	}
	assert.True(t, c.IsClosed())
}

func TestHTTP1PeerCloseBeforeHead(t *testing.T) {
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {
		http.ReadRequest(br)
	})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})
	_, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	assert.Equal(t, conn.KindIncomplete, kindOf(err))
}

func TestHTTP1PeerCloseIdle(t *testing.T) {
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})
	err := c.serveErr(t)
	assert.Equal(t, conn.KindClosed, kindOf(err))
	_, err = c.PollReady(task.Noop)
	assert.ErrorIs(t, err, conn.ErrClosed)
}

func TestHTTP1ConnectionClose(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		io.WriteString(w, "bye")
	}))
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{MaxInFlight: 2})

	resp, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	require.NoError(t, err)
	ok, _ := c.PollReady(task.Noop)
	assert.False(t, ok, "no request after Connection: close")
	body, _, err := readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "bye", body)

	assert.ErrorIs(t, c.ready(t), conn.ErrClosed)
}

func TestHTTP1Unsolicited(t *testing.T) {
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		io.Copy(io.Discard, br)
	})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})
	assert.Equal(t, conn.KindParse, kindOf(c.serveErr(t)))
}

func TestHTTP1MalformedResponse(t *testing.T) {
	addr := rawPeer(t, func(c net.Conn, br *bufio.Reader) {
		http.ReadRequest(br)
		io.WriteString(c, "HTTP/1.1 abc\r\n\r\n")
		io.Copy(io.Discard, br)
	})
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})
	_, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	assert.Equal(t, conn.KindParse, kindOf(err))
	assert.Equal(t, conn.KindParse, kindOf(c.serveErr(t)))
}

func TestHTTP1Close(t *testing.T) {
	hold := make(chan struct{})
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(hold) })
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	require.NoError(t, c.ready(t))
	fut := c.SendRequest.SendRequest(newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	require.NoError(t, c.Close())

	_, err := await(t, fut)
	assert.ErrorIs(t, err, conn.ErrClosed)
	_, err = c.PollReady(task.Noop)
	assert.ErrorIs(t, err, conn.ErrClosed)
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.serveErr(t), conn.ErrClosed)
}

func TestHTTP1CancelInFlight(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(50 * time.Millisecond)
			io.WriteString(w, strings.Repeat("x", 1<<10))
			return
		}
		io.WriteString(w, "fast")
	}))
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	require.NoError(t, c.ready(t))
	fut := c.SendRequest.SendRequest(newRequest(t, "GET", "http://"+addr+"/slow", conn.Empty()))
	fut.Cancel()
	_, _, err := fut.Poll(task.Noop)
	assert.ErrorIs(t, err, conn.ErrCanceled)

	// the abandoned response is drained and the connection kept
	resp, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/fast", conn.Empty()))
	require.NoError(t, err)
	body, _, err := readAll(t, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "fast", body)
}

func TestHTTP1InvalidRequest(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{})

	req := newRequest(t, "GET", "http://"+addr+"/", conn.Empty())
	req.Header["X-Bad"] = []string{"a\r\nInjected: 1"}
	_, err := c.do(t, req)
	assert.Equal(t, conn.KindUser, kindOf(err))

	resp, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	require.NoError(t, err, "an invalid request does not break the connection")
	body, _, _ := readAll(t, resp.Body)
	assert.Equal(t, "ok", body)
}

func TestHTTP1AbandonedBody(t *testing.T) {
	addr := startH1Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/big" {
			io.WriteString(w, strings.Repeat("y", 100<<10))
			return
		}
		io.WriteString(w, "next")
	}))
	c := handshake[*conn.BytesPayload](t, addr, conn.Config{BodyBufferSize: 4 << 10})

	resp, err := c.do(t, newRequest(t, "GET", "http://"+addr+"/big", conn.Empty()))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	_, _, err = resp.Body.PollFrame(task.Noop)
	assert.ErrorIs(t, err, http.ErrBodyReadAfterClose)

	resp, err = c.do(t, newRequest(t, "GET", "http://"+addr+"/", conn.Empty()))
	require.NoError(t, err)
	body, _, _ := readAll(t, resp.Body)
	assert.Equal(t, "next", body)
}
