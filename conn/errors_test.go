package conn

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := errSenderClosed.Wrap(io.EOF)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrIncomplete)
	assert.True(t, err.IsClosed())
	assert.Equal(t, "connection closed: send handle closed, error: EOF", err.Error())
}

func TestErrorIsMatchesMessage(t *testing.T) {
	assert.ErrorIs(t, ErrNotReady, ErrNotReady)
	assert.NotErrorIs(t, ErrNotReady, ErrPolledAfterCompletion)
	assert.True(t, ErrNotReady.IsUser())
}

func TestReadErrorClassification(t *testing.T) {
	assert.Equal(t, KindIncomplete, readError(io.EOF, true).Kind())
	assert.Equal(t, KindClosed, readError(io.EOF, false).Kind())
	assert.Equal(t, KindIncomplete, readError(io.ErrUnexpectedEOF, true).Kind())
	assert.Equal(t, KindIO, readError(errors.New("boom"), false).Kind())
	assert.Same(t, ErrCanceled, readError(ErrCanceled, true))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "stream reset", KindStreamReset.String())
	assert.Equal(t, "unknown error kind 200", Kind(200).String())
}
