package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	e := New(InvalidRegex, "bad pattern")
	assert.Equal(t, "invalid_regex: bad pattern", e.Error())

	wrapped := Wrap(StoreError, "apply failed", errors.New("boom"))
	assert.Equal(t, "store_error: apply failed: boom", wrapped.Error())
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(Timeout, "refresh exceeded bound")
	outer := errors.New("refresh: " + base.Error())
	assert.False(t, Is(outer, Timeout)) // plain string wrap isn't unwrappable

	wrapped := fmtWrapForTest(base)
	assert.True(t, Is(wrapped, Timeout))
	assert.False(t, Is(wrapped, Parse))
}

func fmtWrapForTest(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }

func TestRemoteResponseError(t *testing.T) {
	e := RemoteResponseError(503, []byte("unavailable"))
	assert.Equal(t, RemoteResponse, e.Kind)
	assert.Equal(t, 503, e.Status)
	assert.Equal(t, []byte("unavailable"), e.Body)
}
