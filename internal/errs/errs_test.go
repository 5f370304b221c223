package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindTimeout, "deadline exceeded after %ds", 10)
	assert.Equal(t, KindTimeout, KindOf(err))

	wrapped := fmt.Errorf("outer context: %w", err)
	assert.Equal(t, KindTimeout, KindOf(wrapped))

	// untagged errors default to transport
	assert.Equal(t, KindTransport, KindOf(errors.New("plain")))
}

func TestIsKind(t *testing.T) {
	err := Wrap(KindTool, errors.New("boom"), "backend %s failed", "exa")
	assert.True(t, IsKind(err, KindTool))
	assert.False(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(errors.New("plain"), KindTool))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindConfig, nil, "nothing"))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindTransport, cause, "send failed")
	assert.True(t, errors.Is(err, cause))
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "", Detail(nil))
	assert.Equal(t, "no such tool", Detail(New(KindUnknownTool, "no such tool")))

	cause := errors.New("connection reset")
	err := Wrap(KindTransport, cause, "send failed")
	assert.Equal(t, "send failed: connection reset", Detail(err))

	assert.Equal(t, "plain", Detail(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := New(KindNotConnected, "backend exa is not connected")
	assert.Equal(t, "not_connected: backend exa is not connected", err.Error())
}
