package http

import (
	"net/url"
	"strings"
)

// Version is the protocol version a response was received with.
type Version uint8

const (
	HTTP10 Version = 10
	HTTP11 Version = 11
	HTTP2  Version = 20
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2.0"
	}
	return "HTTP/?"
}

// ParseVersion parses the protocol token of an HTTP/1.x status line.
func ParseVersion(proto string) (Version, bool) {
	switch proto {
	case "HTTP/1.0":
		return HTTP10, true
	case "HTTP/1.1":
		return HTTP11, true
	}
	return 0, false
}

// Request is an outbound request carrying a body of type B.
type Request[B any] struct {
	Method string
	URL    *url.URL
	// Host overrides the Host header (HTTP/1.1) or :authority (HTTP/2).
	Host   string
	Header Header // keys are written as given, not canonicalized
	Body   B
}

func NewRequest[B any](method, rawURL string, body B) (*Request[B], error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "GET"
	}
	return &Request[B]{Method: method, URL: u, Header: Header{}, Body: body}, nil
}

// Authority returns the host the request is addressed to.
// user defined headers has higher priority than the URL
func (r *Request[B]) Authority() string {
	if r.Host != "" {
		return r.Host
	}
	for k, v := range r.Header {
		if strings.EqualFold(k, "host") && len(v) != 0 && v[0] != "" {
			return v[0]
		}
	}
	if r.URL != nil {
		return r.URL.Host
	}
	return ""
}

// RequestURI is the origin-form target, "*" for OPTIONS * and the authority
// for CONNECT.
func (r *Request[B]) RequestURI() string {
	if r.Method == "CONNECT" {
		return r.Authority()
	}
	if r.URL == nil {
		return "/"
	}
	if r.URL.Opaque == "*" {
		return "*"
	}
	uri := r.URL.RequestURI() // fragment never included
	if uri == "" {
		uri = "/"
	}
	return uri
}

// Response is an inbound response carrying a body of type B.
type Response[B any] struct {
	Status     string // e.g. "200 OK"
	StatusCode int
	Version    Version
	Header     Header
	Body       B
}

// MapBody returns a response with the same status, version and headers and
// the body replaced by f(r.Body).
func MapBody[A, B any](r *Response[A], f func(A) B) *Response[B] {
	return &Response[B]{
		Status:     r.Status,
		StatusCode: r.StatusCode,
		Version:    r.Version,
		Header:     r.Header,
		Body:       f(r.Body),
	}
}
