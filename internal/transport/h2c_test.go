package transport_test

import (
	"net/http"
	"testing"

	"github.com/frankli0324/httpconn/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestRequestFields(t *testing.T) {
	fs, err := transport.RequestFields(&transport.H2RequestHead{
		Method: "POST", Scheme: "https", Authority: "example.com", Path: "/a?b",
		Header: http.Header{
			"X-Trace":    {"1"},
			"Connection": {"keep-alive"},
			"Te":         {"trailers"},
			"Host":       {"ignored"},
		},
		ContentLength: 3,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(fs), 4)
	assert.Equal(t, transport.Fields{
		{Name: ":method", Value: "POST"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/a?b"},
	}, fs[:4])
	assert.ElementsMatch(t, transport.Fields{
		{Name: "x-trace", Value: "1"},
		{Name: "te", Value: "trailers"},
		{Name: "content-length", Value: "3"},
	}, fs[4:])

	var names []string
	fs.Enum(func(k, v string) { names = append(names, k) })
	assert.Len(t, names, len(fs))
}

func TestRequestFieldsConnect(t *testing.T) {
	fs, err := transport.RequestFields(&transport.H2RequestHead{
		Method: "CONNECT", Authority: "example.com:443", ContentLength: -1,
		Header: http.Header{"Te": {"gzip"}},
	})
	require.NoError(t, err)
	assert.Equal(t, transport.Fields{
		{Name: ":method", Value: "CONNECT"},
		{Name: ":authority", Value: "example.com:443"},
	}, fs)
}

func TestRequestFieldsInvalid(t *testing.T) {
	_, err := transport.RequestFields(&transport.H2RequestHead{
		Method: "GET", Scheme: "http", Authority: "a", Path: "/",
		Header: http.Header{"X": {"a\nb"}},
	})
	assert.ErrorIs(t, err, transport.ErrMalformed)
}

func TestReadResponseFields(t *testing.T) {
	resp, err := transport.ReadResponseFields([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
		{Name: "content-length", Value: "5"},
		{Name: "x-multi", Value: "a"},
		{Name: "x-multi", Value: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "200 OK", resp.Status)
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, resp.Header["X-Multi"])

	for name, fields := range map[string][]hpack.HeaderField{
		"MissingStatus": {{Name: "a", Value: "b"}},
		"BadStatus":     {{Name: ":status", Value: "2000"}},
		"OtherPseudo":   {{Name: ":status", Value: "200"}, {Name: ":path", Value: "/"}},
		"BadLength":     {{Name: ":status", Value: "200"}, {Name: "content-length", Value: "x"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := transport.ReadResponseFields(fields)
			assert.ErrorIs(t, err, transport.ErrMalformed)
		})
	}
}

func TestTrailerFields(t *testing.T) {
	h, err := transport.ReadTrailerFields([]hpack.HeaderField{{Name: "grpc-status", Value: "0"}})
	require.NoError(t, err)
	assert.Equal(t, "0", h.Get("Grpc-Status"))

	_, err = transport.ReadTrailerFields([]hpack.HeaderField{{Name: ":status", Value: "200"}})
	assert.ErrorIs(t, err, transport.ErrMalformed)

	fs, err := transport.TrailerFields(http.Header{"X-Checksum": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, transport.Fields{{Name: "x-checksum", Value: "abc"}}, fs)
}

func TestBufPool(t *testing.T) {
	bp := transport.NewBufPool(1024, 16<<10)
	b := bp.Get(100)
	assert.Len(t, *b, 100)
	assert.Equal(t, 1024, cap(*b))
	bp.Put(b)

	b = bp.Get(2048)
	assert.Len(t, *b, 2048)
	bp.Put(b)

	b = bp.Get(1 << 20)
	assert.Len(t, *b, 1<<20)
	bp.Put(b)
}
