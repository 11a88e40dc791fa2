package controller

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

var (
	ErrMultipleGoAway = errors.New("connection already seen GOAWAY")
	ErrReasonNil      = errors.New("connection closed without reason, this is unexpected")
	ErrNotSettings    = errors.New("connection error, first frame sent by server not settings")
)

// ReasonGoAway is why the connection stopped accepting streams.
type ReasonGoAway struct {
	code   http2.ErrCode
	debug  []byte
	remote bool
	last   uint32
}

func (r *ReasonGoAway) Error() string {
	msg := fmt.Sprintf("GOAWAY seen on connection, err:%s, send by remote peer:%t, last:%d", r.code.String(), r.remote, r.last)
	if len(r.debug) > 0 {
		msg += ", debug:" + string(r.debug)
	}
	return msg
}

func (r *ReasonGoAway) Code() http2.ErrCode  { return r.code }
func (r *ReasonGoAway) Remote() bool         { return r.remote }
func (r *ReasonGoAway) LastStreamID() uint32 { return r.last }
func (r *ReasonGoAway) DebugData() []byte    { return r.debug }
