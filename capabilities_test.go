package extism

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbeReportsHostPlatform(t *testing.T) {
	caps := Probe()
	assert.Equal(t, runtime.GOOS, caps.GOOS)
	assert.Equal(t, runtime.GOARCH, caps.GOARCH)
}

func TestProbeReportsStaticCapabilities(t *testing.T) {
	caps := Probe()
	assert.True(t, caps.SharedBufferCodec)
	assert.True(t, caps.CrossOriginEnforcement)
	assert.True(t, caps.Worker)
	assert.True(t, caps.WASI)
	assert.True(t, caps.Timeout)
	assert.NotEmpty(t, caps.StdoutEnableEnvVar)
}
