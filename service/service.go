// Package service is the request/response contract of the stack.
//
// A Service is driven by one caller at a time: PollReady until it reports
// ready, then exactly one Call. Each ready grants a single Call.
package service

import (
	"context"
	"errors"

	"github.com/frankli0324/httpconn/body"
	ihttp "github.com/frankli0324/httpconn/internal/http"
	"github.com/frankli0324/httpconn/task"
)

type Service[Req, Resp any] interface {
	// PollReady reports whether the service accepts a Call. When it does
	// not, w is woken once that may have changed. An error means the
	// service is unusable.
	PollReady(w task.Waker) (bool, error)
	Call(req Req) Future[Resp]
}

// Future resolves to the result of one Call. It yields at most one result;
// Cancel abandons it.
type Future[T any] interface {
	Poll(w task.Waker) (T, bool, error)
	Cancel()
}

// ErrPolledAfterCompletion is returned by futures polled again after they
// yielded their result.
var ErrPolledAfterCompletion = errors.New("future polled after completion")

// HTTPService sends requests with bodies of type B and answers with bodies
// of type R.
type HTTPService[B body.Payload, R body.Body] interface {
	Service[*ihttp.Request[B], *ihttp.Response[R]]
}

// Ready blocks until s is ready or failed.
func Ready[Req, Resp any](ctx context.Context, s Service[Req, Resp]) error {
	var err error
	if werr := task.Block(ctx, func(w task.Waker) bool {
		var ok bool
		ok, err = s.PollReady(w)
		return ok || err != nil
	}); werr != nil {
		return werr
	}
	return err
}

// Await blocks until f resolves. When ctx ends first, f is canceled.
func Await[T any](ctx context.Context, f Future[T]) (v T, err error) {
	if werr := task.Block(ctx, func(w task.Waker) bool {
		var ready bool
		v, ready, err = f.Poll(w)
		return ready
	}); werr != nil {
		f.Cancel()
		var zero T
		return zero, werr
	}
	return v, err
}

// Oneshot waits for s to be ready, calls it with req and awaits the result.
func Oneshot[Req, Resp any](ctx context.Context, s Service[Req, Resp], req Req) (Resp, error) {
	if err := Ready(ctx, s); err != nil {
		var zero Resp
		return zero, err
	}
	return Await(ctx, s.Call(req))
}

// Resolved is a future that is already complete.
func Resolved[T any](v T, err error) Future[T] {
	return &resolved[T]{v: v, err: err}
}

type resolved[T any] struct {
	v     T
	err   error
	taken bool
}

func (r *resolved[T]) Poll(task.Waker) (T, bool, error) {
	if r.taken {
		var zero T
		return zero, true, ErrPolledAfterCompletion
	}
	r.taken = true
	return r.v, true, r.err
}

func (r *resolved[T]) Cancel() {}
