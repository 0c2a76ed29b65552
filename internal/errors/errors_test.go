package errors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmr-relax/relax-sub027/internal/logging"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

func TestErrorChain(t *testing.T) {
	err := Errorf(ErrNotFound, "run %s", "abc").WithOperation("GetRun").WithComponent("server")
	assert.Equal(t, "run abc: operation=GetRun, component=server: not found", err.Error())
	assert.True(t, Is(err, ErrNotFound))
	assert.NotEmpty(t, err.StackTrace())

	wrapped := fmt.Errorf("outer: %w", err)
	var e *Error
	require.True(t, As(wrapped, &e))
	assert.Equal(t, "GetRun", e.Operation)
	assert.Equal(t, error(err), Unwrap(wrapped))
}

func TestWrapDoesNotMutate(t *testing.T) {
	inner := New(ErrConflict, "inner")
	outer := Wrap(inner, "outer")
	assert.Equal(t, "inner", inner.Message)
	assert.Equal(t, "outer", outer.Message)
	assert.Nil(t, Wrap(nil, "x"))
	assert.Nil(t, Wrapf(nil, "x %d", 1))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{New(ErrNotFound, "x"), http.StatusNotFound},
		{New(ErrBadRequest, "x"), http.StatusBadRequest},
		{New(ErrConflict, "x"), http.StatusConflict},
		{optimization.WrapErrorf(optimization.ErrInvalidSettings, "bad"), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%v", tt.err)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.InfoLevel, &buf)

	h := RecoveryMiddleware(logger)(ErrorHandler(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body["error"])
	assert.Contains(t, buf.String(), "kaboom")
}
