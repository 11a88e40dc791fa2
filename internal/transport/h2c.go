package transport

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// H2RequestHead is what an HTTP/2 request HEADERS frame is built from.
type H2RequestHead struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Header    http.Header

	ContentLength int64 // written when >= 0
}

// Fields is an ordered header list, ready for HPACK encoding.
type Fields []hpack.HeaderField

// Enum feeds every field to f, in order.
func (fs Fields) Enum(f func(k, v string)) {
	for _, hf := range fs {
		f(hf.Name, hf.Value)
	}
}

// connection specific headers, RFC 9113 section 8.2.2
var h2ConnectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
	"content-length":    true,
}

// RequestFields maps a request onto HTTP/2 pseudo headers and lowercased
// regular headers. Connection specific headers are dropped, "te" is only
// kept when it is "trailers".
func RequestFields(r *H2RequestHead) (Fields, error) {
	if !ValidMethod(r.Method) {
		return nil, fmt.Errorf("%w: invalid method %q", ErrMalformed, r.Method)
	}
	authority, err := httpguts.PunycodeHostPort(r.Authority)
	if err != nil || !httpguts.ValidHostHeader(authority) {
		return nil, fmt.Errorf("%w: invalid authority %q", ErrMalformed, r.Authority)
	}
	fs := make(Fields, 0, 4+len(r.Header))
	fs = append(fs, hpack.HeaderField{Name: ":method", Value: r.Method})
	fs = append(fs, hpack.HeaderField{Name: ":authority", Value: authority})
	if r.Method != "CONNECT" {
		fs = append(fs,
			hpack.HeaderField{Name: ":scheme", Value: r.Scheme},
			hpack.HeaderField{Name: ":path", Value: r.Path},
		)
	}
	for k, vv := range r.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("%w: invalid header field name %q", ErrMalformed, k)
		}
		name := strings.ToLower(k)
		if h2ConnectionHeaders[name] {
			continue
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("%w: invalid header field value for %q", ErrMalformed, k)
			}
			if name == "te" && !strings.EqualFold(textproto.TrimString(v), "trailers") {
				continue
			}
			fs = append(fs, hpack.HeaderField{Name: name, Value: v})
		}
	}
	if r.ContentLength >= 0 {
		fs = append(fs, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(r.ContentLength, 10)})
	}
	return fs, nil
}

// TrailerFields maps request trailers, pseudo headers are not allowed.
func TrailerFields(h http.Header) (Fields, error) {
	fs := make(Fields, 0, len(h))
	for k, vv := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("%w: invalid trailer field name %q", ErrMalformed, k)
		}
		name := strings.ToLower(k)
		if h2ConnectionHeaders[name] {
			continue
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("%w: invalid trailer field value for %q", ErrMalformed, k)
			}
			fs = append(fs, hpack.HeaderField{Name: name, Value: v})
		}
	}
	return fs, nil
}

// H2ResponseHead is the decoded response header block.
type H2ResponseHead struct {
	StatusCode    int
	Status        string
	Header        http.Header
	ContentLength int64 // -1 when absent
}

// ReadResponseFields decodes a response header block. The only pseudo
// header allowed is :status.
func ReadResponseFields(fields []hpack.HeaderField) (*H2ResponseHead, error) {
	resp := &H2ResponseHead{Header: make(http.Header, len(fields)), ContentLength: -1}
	for _, hf := range fields {
		if hf.IsPseudo() {
			if hf.Name != ":status" {
				return nil, fmt.Errorf("%w: unexpected pseudo header %q", ErrMalformed, hf.Name)
			}
			code, err := strconv.Atoi(hf.Value)
			if err != nil || len(hf.Value) != 3 {
				return nil, fmt.Errorf("%w: malformed :status %q", ErrMalformed, hf.Value)
			}
			resp.StatusCode = code
			resp.Status = hf.Value + " " + http.StatusText(code)
			continue
		}
		resp.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if resp.StatusCode == 0 {
		return nil, fmt.Errorf("%w: missing :status", ErrMalformed)
	}
	if cls := resp.Header["Content-Length"]; len(cls) > 0 {
		first := textproto.TrimString(cls[0])
		for _, cl := range cls[1:] {
			if textproto.TrimString(cl) != first {
				return nil, fmt.Errorf("%w: multiple Content-Length headers; got %q", ErrMalformed, cls)
			}
		}
		n, err := strconv.ParseUint(first, 10, 63)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, first)
		}
		resp.ContentLength = int64(n)
	}
	return resp, nil
}

// ReadTrailerFields decodes a trailer block.
func ReadTrailerFields(fields []hpack.HeaderField) (http.Header, error) {
	h := make(http.Header, len(fields))
	for _, hf := range fields {
		if hf.IsPseudo() {
			return nil, fmt.Errorf("%w: pseudo header %q in trailers", ErrMalformed, hf.Name)
		}
		h.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	return h, nil
}
