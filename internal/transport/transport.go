package transport

import (
	"errors"
)

// ErrMalformed is wrapped by every error caused by a message that violates
// HTTP syntax, as opposed to errors of the underlying connection.
var ErrMalformed = errors.New("malformed HTTP message")
