package conn

import (
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/frankli0324/httpconn/service"
	"golang.org/x/net/http2"
)

// Kind classifies an *Error.
type Kind uint8

const (
	_ Kind = iota
	// KindClosed: the connection is closed, either by us or by the peer
	// while no message was in flight.
	KindClosed
	// KindIncomplete: the peer closed the connection before a message
	// was complete.
	KindIncomplete
	KindParse
	KindIO
	KindCanceled
	// KindUser: the caller broke the contract, e.g. sent a request without
	// a granted readiness or polled a resolved future.
	KindUser
	KindProtocol
	KindStreamReset
	// KindGoAway: the peer sent GOAWAY. Requests failed with this kind
	// were not processed and may be retried on another connection.
	KindGoAway
	KindBodyWrite
)

var kindNames = [...]string{
	KindClosed:      "connection closed",
	KindIncomplete:  "connection closed before message completed",
	KindParse:       "invalid HTTP message",
	KindIO:          "connection error",
	KindCanceled:    "operation was canceled",
	KindUser:        "misuse of connection",
	KindProtocol:    "http2 protocol error",
	KindStreamReset: "stream reset",
	KindGoAway:      "connection going away",
	KindBodyWrite:   "error writing request body",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown error kind " + strconv.Itoa(int(k))
}

// Error is the single error type surfaced by the transport.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	msg := e.kind.String()
	if e.msg != "" {
		msg += ": " + e.msg
	}
	if e.cause != nil {
		msg += ", error: " + e.cause.Error()
	}
	return msg
}

func (e *Error) Kind() Kind { return e.kind }

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	if cause == nil {
		return e
	}
	return &Error{e.kind, e.msg, cause}
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same kind. A target with a
// message only matches errors carrying the same message.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.kind == e.kind && (t.msg == "" || t.msg == e.msg)
	}
	return false
}

func (e *Error) IsClosed() bool     { return e.kind == KindClosed }
func (e *Error) IsIncomplete() bool { return e.kind == KindIncomplete }
func (e *Error) IsCanceled() bool   { return e.kind == KindCanceled }
func (e *Error) IsUser() bool       { return e.kind == KindUser }
func (e *Error) IsParse() bool      { return e.kind == KindParse }

var (
	ErrClosed      = &Error{kind: KindClosed}
	ErrIncomplete  = &Error{kind: KindIncomplete}
	ErrCanceled    = &Error{kind: KindCanceled}
	ErrGoAway      = &Error{kind: KindGoAway}
	ErrStreamReset = &Error{kind: KindStreamReset}

	ErrNotReady              = newError(KindUser, "request sent without a preceding ready poll")
	ErrPolledAfterCompletion = newError(KindUser, "response future polled after completion").Wrap(service.ErrPolledAfterCompletion)
)

var (
	errSenderClosed = newError(KindClosed, "send handle closed")
	errDriverDone   = newError(KindClosed, "connection driver stopped")
	errPeerClosed   = newError(KindClosed, "peer requested connection close")
)

// streamError tags an error with the HTTP/2 stream it happened on.
func streamError(kind Kind, streamID uint32, msg string) *Error {
	return newError(kind, msg+" at stream "+strconv.FormatUint(uint64(streamID), 10))
}

type h2Code http2.ErrCode

func (c h2Code) Error() string {
	return http2.ErrCode(c).String()
}

// readError classifies an error returned by the connection's read side.
// inFlight tells whether a message was expected when it happened.
func readError(err error, inFlight bool) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if inFlight {
			return ErrIncomplete.Wrap(err)
		}
		return ErrClosed.Wrap(err)
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed.Wrap(err)
	}
	return newError(KindIO, "read").Wrap(err)
}
