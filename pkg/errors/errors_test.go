package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.NoError(t, WithContext(nil, "ignored"))

	cause := New("cause")
	err := WithContext(WithContext(cause, "inner"), "outer")
	assert.EqualError(t, err, "outer: inner: cause")
	assert.Equal(t, cause, RootCause(err))
	assert.True(t, Is(err, cause))
}

func TestRootCauseTyped(t *testing.T) {
	err := WithContext(FileNotFound{Path: "/src"}, "stat")

	dne, ok := RootCause(err).(FileNotFound)
	assert.True(t, ok)
	assert.Equal(t, "/src", dne.Path)

	var remote RemoteError
	assert.False(t, As(err, &remote))

	err = WithContext(RemoteError{Message: "busy", Recoverable: true, NeedToWait: true}, "apply")
	assert.True(t, As(err, &remote))
	assert.True(t, remote.NeedToWait)
	assert.EqualError(t, err, "apply: remote error: busy")
}

func TestFriendlyError(t *testing.T) {
	err := NewFriendlyError("%q is not a directory", "/tmp/x")
	friendly, ok := err.(FriendlyError)
	assert.True(t, ok)
	assert.Equal(t, `"/tmp/x" is not a directory`, friendly.FriendlyMessage())
}
