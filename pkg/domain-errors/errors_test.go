package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped domain error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeConflict, "version moved"))
		assert.True(t, HasCode(err, CodeConflict))
		assert.False(t, HasCode(err, CodeNotFound))
	})

	t.Run("plain errors are internal", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, CodeInternal, CodeOf(err))
		assert.False(t, HasCode(nil, CodeInternal))
	})

	t.Run("wrap keeps the cause", func(t *testing.T) {
		cause := errors.New("dial tcp")
		err := Wrap(cause, CodeUnavailable, "registry down")
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "registry down", Message(err))
		assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))
	})
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:         http.StatusUnprocessableEntity,
		CodeUnauthorized:       http.StatusUnauthorized,
		CodePreconditionFailed: http.StatusForbidden,
		CodeForbidden:          http.StatusForbidden,
		CodeConflict:           http.StatusConflict,
		CodeBadRequest:         http.StatusBadRequest,
		CodeConfig:             http.StatusServiceUnavailable,
		CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(code), string(code))
	}
}
