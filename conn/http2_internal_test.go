package conn

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/frankli0324/httpconn/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

const h2TestTimeout = 5 * time.Second

// dialH2 handshakes with a scripted peer. None of the connection's loops
// run, the test starts what it needs.
func dialH2(t *testing.T, cfg Config, peer func(fr *http2.Framer)) *h2conn[*BytesPayload] {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	finished := make(chan struct{})
	go func() {
		sc, err := ln.Accept()
		if err != nil {
			return
		}
		defer sc.Close()
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(sc, preface); err != nil {
			return
		}
		fr := http2.NewFramer(sc, sc)
		if err := fr.WriteSettings(); err != nil {
			return
		}
		peer(fr)
		<-finished
	}()
	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		close(finished)
		nc.Close()
		ln.Close()
	})
	c, err := newHTTP2[*BytesPayload](nc, cfg.withDefaults(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func getRequest(t *testing.T) *Request[*BytesPayload] {
	req, err := NewRequest("GET", "http://example.com/", Empty())
	require.NoError(t, err)
	return req
}

func TestGoAwayRefusesQueuedStreams(t *testing.T) {
	queued := make(chan struct{})
	c := dialH2(t, Config{}, func(fr *http2.Framer) {
		<-queued
		fr.WriteGoAway(maxStreamID, http2.ErrCodeNo, nil)
	})
	go c.ctrl.Serve() // no writer, HEADERS stay queued

	f := c.send(getRequest(t))
	close(queued)

	ctx, cancel := context.WithTimeout(context.Background(), h2TestTimeout)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, ErrGoAway, "a stream the peer never saw may be retried")

	c.mu.Lock()
	assert.Empty(t, c.streams)
	assert.Empty(t, c.headerq)
	c.mu.Unlock()
	_, err = c.pollReady(task.Noop)
	assert.ErrorIs(t, err, ErrGoAway)
}

func TestCancelBeforeHeadersWritten(t *testing.T) {
	type frame struct {
		typ http2.FrameType
		id  uint32
	}
	frames := make(chan frame, 16)
	c := dialH2(t, Config{}, func(fr *http2.Framer) {
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			switch f.(type) {
			case *http2.SettingsFrame, *http2.WindowUpdateFrame:
				continue
			}
			frames <- frame{f.Header().Type, f.Header().StreamID}
		}
	})
	next := func() frame {
		select {
		case f := <-frames:
			return f
		case <-time.After(h2TestTimeout):
			t.Fatal("no frame from the client")
			return frame{}
		}
	}

	// still queued: the id is skipped silently
	queued := c.send(getRequest(t))
	queued.Cancel()
	_, _, err := queued.Poll(task.Noop)
	assert.ErrorIs(t, err, ErrCanceled)

	// taken by the writer, HEADERS not written yet
	f := c.send(getRequest(t))
	c.hmu.Lock()
	s := c.nextHeaders()
	require.NotNil(t, s)
	require.Equal(t, uint32(3), s.id)
	canceled := make(chan struct{})
	go func() {
		f.Cancel()
		close(canceled)
	}()
	select {
	case <-canceled:
		t.Fatal("cancel did not wait for the HEADERS")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c.ctrl.WriteHeaders(s.id, true, s.fields.Enum))
	c.hmu.Unlock()
	<-canceled

	assert.Equal(t, frame{http2.FrameHeaders, 3}, next())
	assert.Equal(t, frame{http2.FrameRSTStream, 3}, next())
}

func TestKeepAliveWaitsForIdle(t *testing.T) {
	pings := make(chan struct{}, 16)
	quiet := make(chan struct{})
	c := dialH2(t, Config{KeepAliveInterval: 100 * time.Millisecond}, func(fr *http2.Framer) {
		go func() {
			for {
				f, err := fr.ReadFrame()
				if err != nil {
					return
				}
				if p, ok := f.(*http2.PingFrame); ok && !p.IsAck() {
					pings <- struct{}{}
				}
			}
		}()
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-quiet:
				return
			case <-tick.C:
				if fr.WritePing(false, [8]byte{1}) != nil {
					return
				}
			}
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.serve(ctx)

	select {
	case <-pings:
		t.Fatal("pinged a peer that keeps talking")
	case <-time.After(300 * time.Millisecond):
	}
	close(quiet)
	select {
	case <-pings:
	case <-time.After(h2TestTimeout):
		t.Fatal("idle connection was not pinged")
	}
}
