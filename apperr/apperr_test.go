package apperr

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindDisposition(t *testing.T) {
	assert.True(t, Unauthorized.Fatal())
	assert.True(t, SocketError.Fatal())
	assert.True(t, CapacityOverflow.Fatal())
	assert.False(t, MalformedFrame.Fatal())
	assert.False(t, MalformedSync.Fatal())
	assert.False(t, MalformedUpdate.Fatal())
	assert.False(t, StorageFailure.Fatal())
}

func TestKindLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, MalformedFrame.Level())
	assert.Equal(t, slog.LevelWarn, MalformedSync.Level())
	assert.Equal(t, slog.LevelWarn, MalformedUpdate.Level())
	assert.Equal(t, slog.LevelError, StorageFailure.Level())
}

func TestErrorWrapAndAs(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(StorageFailure, "snapshot save failed", cause)

	var wrapped error = err
	found, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, StorageFailure, found.Kind)
	assert.ErrorIs(t, wrapped, cause)
}

func TestErrorMessageFormatting(t *testing.T) {
	err := New(Unauthorized, "no bearer token")
	assert.Equal(t, "UNAUTHORIZED: no bearer token", err.Error())

	wrapped := Wrap(SocketError, "read failed", errors.New("eof"))
	assert.Contains(t, wrapped.Error(), "read failed")
	assert.Contains(t, wrapped.Error(), "eof")
}
