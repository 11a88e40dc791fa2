package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	ihttp "github.com/frankli0324/httpconn/internal/http"
	"golang.org/x/net/http/httpguts"
)

// RequestHead is everything of an HTTP/1.1 request that precedes the body.
type RequestHead struct {
	Method     string
	RequestURI string
	Host       string
	Header     http.Header

	// ContentLength is written when >= 0. Chunked takes precedence.
	ContentLength int64
	Chunked       bool
}

// headers the transport writes on its own, user supplied values are dropped
var reservedRequestHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// WriteRequestHead writes the request line and the header section of an
// http 1.1 request, e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: www.google.com\r\n
//	X-Xx-Yy: cccccc\r\n
//	\r\n
//
// Header keys are written as given, in sorted order. The writer is not
// flushed.
func WriteRequestHead(w *bufio.Writer, r *RequestHead) error {
	if err := r.Validate(); err != nil {
		return err
	}
	host, _ := httpguts.PunycodeHostPort(r.Host)

	w.WriteString(r.Method)
	w.WriteByte(' ')
	w.WriteString(r.RequestURI)
	w.WriteString(" HTTP/1.1\r\n")

	w.WriteString("Host: ")
	w.WriteString(host)
	w.WriteString("\r\n")
	switch {
	case r.Chunked:
		w.WriteString("Transfer-Encoding: chunked\r\n")
	case r.ContentLength >= 0:
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.FormatInt(r.ContentLength, 10))
		w.WriteString("\r\n")
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if reservedRequestHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		for _, v := range r.Header[k] {
			w.WriteString(k)
			w.WriteString(": ")
			w.WriteString(textproto.TrimString(v))
			w.WriteString("\r\n")
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// Validate checks that the head can be written without producing an invalid
// or ambiguous message.
func (r *RequestHead) Validate() error {
	if !ValidMethod(r.Method) {
		return fmt.Errorf("%w: invalid method %q", ErrMalformed, r.Method)
	}
	if r.RequestURI == "" || strings.ContainsAny(r.RequestURI, " \r\n") {
		return fmt.Errorf("%w: invalid request target %q", ErrMalformed, r.RequestURI)
	}
	host, err := httpguts.PunycodeHostPort(r.Host)
	if err != nil || !httpguts.ValidHostHeader(host) {
		return fmt.Errorf("%w: invalid host %q", ErrMalformed, r.Host)
	}
	for k, vv := range r.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("%w: invalid header field name %q", ErrMalformed, k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: invalid header field value for %q", ErrMalformed, k)
			}
		}
	}
	return nil
}

// ResponseHead is the status line and header section of an HTTP/1.x
// response.
type ResponseHead struct {
	Version    ihttp.Version
	StatusCode int
	Status     string // e.g. "200 OK"
	Header     http.Header
}

// maxHeaderBytes bounds a response head, status line included.
const maxHeaderBytes = 1 << 20

// ReadResponseHead reads one response head. Errors of the underlying reader
// are returned as is (io.EOF when nothing at all was read), a head cut off
// by the end of the stream is io.ErrUnexpectedEOF, syntax errors wrap
// ErrMalformed.
func ReadResponseHead(br *bufio.Reader) (*ResponseHead, error) {
	block, err := readHeadBlock(br)
	if err != nil {
		return nil, err
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrMalformed, line)
	}
	resp := &ResponseHead{}
	if resp.Version, ok = ihttp.ParseVersion(proto); !ok {
		return nil, fmt.Errorf("%w: unsupported protocol version %q", ErrMalformed, proto)
	}
	resp.Status = strings.TrimLeft(status, " ")

	statusCode, _, _ := strings.Cut(resp.Status, " ")
	if len(statusCode) != 3 {
		return nil, fmt.Errorf("%w: malformed status code %q", ErrMalformed, statusCode)
	}
	resp.StatusCode, err = strconv.Atoi(statusCode)
	if err != nil || resp.StatusCode < 100 {
		return nil, fmt.Errorf("%w: malformed status code %q", ErrMalformed, statusCode)
	}
	if resp.Status == statusCode {
		resp.Status += " " + http.StatusText(resp.StatusCode)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("%w: %s", ErrMalformed, perr)
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	resp.Header = http.Header(mimeHeader)
	return resp, nil
}

// readHeadBlock reads up to and including the empty line ending a head.
// textproto takes a line cut off by EOF for a complete one, so the end of
// the stream is detected here.
func readHeadBlock(br *bufio.Reader) ([]byte, error) {
	var block []byte
	lineStart := true
	for {
		line, err := br.ReadSlice('\n')
		block = append(block, line...)
		if len(block) > maxHeaderBytes {
			return nil, fmt.Errorf("%w: response head too large", ErrMalformed)
		}
		switch {
		case err == bufio.ErrBufferFull:
			lineStart = false
			continue
		case err == io.EOF && len(block) == 0:
			return nil, io.EOF
		case err == io.EOF:
			return nil, io.ErrUnexpectedEOF
		case err != nil:
			return nil, err
		}
		if lineStart && (len(line) == 1 || len(line) == 2 && line[0] == '\r') && len(block) > len(line) {
			return block, nil
		}
		lineStart = true
	}
}

// IsInformational reports an interim 1xx response that is followed by the
// final response. 101 ends the HTTP exchange and is treated as final.
func (r *ResponseHead) IsInformational() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200 && r.StatusCode != http.StatusSwitchingProtocols
}

// KeepAlive reports whether the connection may carry another exchange after
// this response.
func (r *ResponseHead) KeepAlive() bool {
	conn := r.Header["Connection"]
	if r.Version == ihttp.HTTP10 {
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return !httpguts.HeaderValuesContainsToken(conn, "close")
}

// FramingKind tells how the end of a message body is found.
type FramingKind uint8

const (
	FramingNone       FramingKind = iota // no body
	FramingLength                        // Content-Length bytes
	FramingChunked                       // chunked transfer coding
	FramingUntilClose                    // until the peer closes the connection
)

type Framing struct {
	Kind   FramingKind
	Length int64 // for FramingLength, -1 otherwise
}

// ResponseFraming decides how the body of a response to method is framed,
// following RFC 9112 section 6.3.
func ResponseFraming(method string, r *ResponseHead) (Framing, error) {
	none := Framing{Kind: FramingNone, Length: 0}
	switch {
	case NoBody(method, r.StatusCode):
		return none, nil
	case method == "CONNECT" && r.StatusCode >= 200 && r.StatusCode < 300:
		return Framing{Kind: FramingUntilClose, Length: -1}, nil
	}

	if te := r.Header["Transfer-Encoding"]; len(te) > 0 {
		if r.Version == ihttp.HTTP11 && isChunkedLast(te) {
			return Framing{Kind: FramingChunked, Length: -1}, nil
		}
		return Framing{Kind: FramingUntilClose, Length: -1}, nil
	}

	contentLens := r.Header["Content-Length"]
	if len(contentLens) == 0 {
		return Framing{Kind: FramingUntilClose, Length: -1}, nil
	}
	// Hardening against HTTP request smuggling, taken from standard library
	// Per RFC 7230 Section 3.3.2
	first := textproto.TrimString(contentLens[0])
	for _, ct := range contentLens[1:] {
		if first != textproto.TrimString(ct) {
			return none, fmt.Errorf("%w: multiple Content-Length headers; got %q", ErrMalformed, contentLens)
		}
	}
	n, err := strconv.ParseUint(first, 10, 63)
	if err != nil {
		return none, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, first)
	}
	if n == 0 {
		return none, nil
	}
	return Framing{Kind: FramingLength, Length: int64(n)}, nil
}

// NoBody reports a response that has no content whatever its headers
// announce: responses to HEAD, 1xx, 204 and 304.
func NoBody(method string, status int) bool {
	return method == "HEAD" ||
		status >= 100 && status < 200 ||
		status == http.StatusNoContent ||
		status == http.StatusNotModified
}

func isChunkedLast(te []string) bool {
	last := te[len(te)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(textproto.TrimString(last), "chunked")
}

// RequestFraming decides how a request body is framed. contentLength is -1
// when no Content-Length header is written. A body that is known to be empty
// is only announced for methods that usually carry one.
func RequestFraming(method string, endStream bool, length int64) (contentLength int64, chunked bool) {
	switch {
	case endStream && length <= 0:
		if method == "POST" || method == "PUT" || method == "PATCH" {
			return 0, false
		}
		return -1, false
	case length >= 0:
		return length, false
	}
	return -1, true
}

func ValidMethod(m string) bool {
	return len(m) > 0 && strings.IndexFunc(m, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) == -1
}
