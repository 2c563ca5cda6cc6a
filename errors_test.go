package extism

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeErrorKindAndMessage(t *testing.T) {
	err := newError(KindHostRejected, "host not allowed")
	assert.Equal(t, KindHostRejected, err.Kind())
	assert.Contains(t, err.Error(), "HostRejected")
	assert.Contains(t, err.Error(), "host not allowed")
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := wrapError(KindIO, cause, "reading body")
	assert.ErrorIs(t, err, cause)
}

func TestIsKind(t *testing.T) {
	err := newErrorf(KindTimeout, "call exceeded %dms", 500)
	assert.True(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(err, KindTransport))
	assert.False(t, IsKind(errors.New("plain"), KindTimeout))
}

func TestErrorKindStringCoversTaxonomy(t *testing.T) {
	names := map[ErrorKind]string{
		KindConfig:               "ConfigError",
		KindPluginNotFound:       "PluginNotFound",
		KindFunctionNotFound:     "FunctionNotFound",
		KindPluginOriginated:     "PluginOriginatedError",
		KindPluginTrap:           "PluginTrap",
		KindReentrancy:           "ReentrancyError",
		KindResourceLimitExceeded: "ResourceLimitExceeded",
		KindHostRejected:         "HostRejected",
		KindTimeout:              "TimeoutError",
		KindTransport:            "TransportError",
		KindIO:                   "IoError",
	}
	for kind, want := range names {
		assert.Equal(t, want, kind.String())
	}
}
