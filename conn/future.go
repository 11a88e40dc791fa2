package conn

import (
	"context"
	"sync"

	ihttp "github.com/frankli0324/httpconn/internal/http"
	"github.com/frankli0324/httpconn/task"
)

type (
	Request[B any] = ihttp.Request[B]
	Response       = ihttp.Response[*Incoming]
)

// NewRequest parses rawURL into a request, an empty method meaning GET.
func NewRequest[B any](method, rawURL string, body B) (*Request[B], error) {
	return ihttp.NewRequest(method, rawURL, body)
}

// exchange is the state shared by a response future and the dispatcher
// serving its request.
type exchange struct {
	mu       sync.Mutex
	resp     *Response
	err      error
	resolved bool
	taken    bool
	canceled bool
	waker    task.Slot

	// onCancel runs once when the future is canceled before it resolved,
	// outside of mu.
	onCancel func()
}

// resolve completes the exchange. It reports false when the future was
// canceled, the dispatcher then owns resp and must dispose of it.
func (e *exchange) resolve(resp *Response, err error) bool {
	e.mu.Lock()
	if e.resolved || e.canceled {
		e.mu.Unlock()
		return false
	}
	e.resp, e.err, e.resolved = resp, err, true
	e.mu.Unlock()
	e.waker.Wake()
	return true
}

func (e *exchange) isCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

func (e *exchange) setOnCancel(f func()) {
	e.mu.Lock()
	e.onCancel = f
	e.mu.Unlock()
}

// ResponseFuture resolves to the response of one request. It has a single
// owner and yields at most one result.
type ResponseFuture struct {
	ex *exchange
}

func newFuture() (*ResponseFuture, *exchange) {
	ex := &exchange{}
	return &ResponseFuture{ex: ex}, ex
}

func failedFuture(err error) *ResponseFuture {
	f, ex := newFuture()
	ex.resolve(nil, err)
	return f
}

// Poll returns the response once the head arrived. A pending poll registers
// w, which is woken when the exchange resolves. Polling again after a result
// was returned fails with ErrPolledAfterCompletion.
func (f *ResponseFuture) Poll(w task.Waker) (*Response, bool, error) {
	ex := f.ex
	ex.mu.Lock()
	if ex.taken {
		ex.mu.Unlock()
		return nil, true, ErrPolledAfterCompletion
	}
	if ex.canceled {
		ex.mu.Unlock()
		return nil, true, ErrCanceled
	}
	if !ex.resolved {
		ex.waker.Register(w)
		ex.mu.Unlock()
		return nil, false, nil
	}
	ex.taken = true
	resp, err := ex.resp, ex.err
	ex.resp = nil
	ex.mu.Unlock()
	return resp, true, err
}

// Await blocks until the response arrives. When ctx ends first the request
// is canceled.
func (f *ResponseFuture) Await(ctx context.Context) (resp *Response, err error) {
	if werr := task.Block(ctx, func(w task.Waker) bool {
		var ready bool
		resp, ready, err = f.Poll(w)
		return ready
	}); werr != nil {
		f.Cancel()
		return nil, ErrCanceled.Wrap(werr)
	}
	return resp, err
}

// Cancel abandons the response. A response that already arrived but was
// not taken has its body closed. After the response was taken, Cancel does
// nothing: close the body instead.
func (f *ResponseFuture) Cancel() {
	ex := f.ex
	ex.mu.Lock()
	if ex.taken || ex.canceled {
		ex.mu.Unlock()
		return
	}
	ex.canceled = true
	resp, resolved, onCancel := ex.resp, ex.resolved, ex.onCancel
	ex.resp = nil
	ex.mu.Unlock()
	if resolved {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	if onCancel != nil {
		onCancel()
	}
	ex.waker.Wake()
}
