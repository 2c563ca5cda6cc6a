package extism

import "runtime"

// Capabilities is a read-only record of what this build of the runtime can
// do, so callers can pick run_in_worker and allowed_paths defaults without
// probing piecemeal.
type Capabilities struct {
	// SharedBufferCodec is true when the background transport's ring
	// buffer framing (§4.3) is available. Always true in this
	// implementation: the ring buffer is plain Go, not a platform
	// primitive.
	SharedBufferCodec bool
	// PathBasedManifestItems is true when WasmSource.Path entries can be
	// resolved, which requires a Loader to have been configured by the
	// caller; Probe reports the static capability, not whether one is
	// wired up for a particular Manifest.
	PathBasedManifestItems bool
	// CrossOriginEnforcement is true when the HTTP adapter enforces
	// AllowedHosts (always true; there is no bypass mode).
	CrossOriginEnforcement bool
	// Filesystem is true when AllowedPaths preopens can be honored by the
	// engine. engines/wazero does not mount Manifest.AllowedPaths, so Probe
	// reports false.
	Filesystem bool
	// Worker is true when BackgroundPlugin is available on this
	// platform/build. Goroutine-backed, so always true.
	Worker bool
	// WASI is true when the wazero WASI snapshot preview 1 imports are
	// wired.
	WASI bool
	// Timeout is true when per-call timeouts are enforceable, which this
	// implementation only supports in background (worker) mode, matching
	// spec.md §5.
	Timeout bool
	// StdoutEnableEnvVar names the environment variable reported for
	// enabling guest WASI stdout. Nothing in this module reads it, and
	// engines/wazero does not forward guest WASI stdout to the process's
	// stdout whether or not it is set.
	StdoutEnableEnvVar string
	// GOOS/GOARCH are informational, useful when filing capability bugs.
	GOOS, GOARCH string
}

// Probe returns the Capabilities of this build.
func Probe() Capabilities {
	return Capabilities{
		SharedBufferCodec:      true,
		PathBasedManifestItems: true,
		CrossOriginEnforcement: true,
		Filesystem:             false,
		Worker:                 true,
		WASI:                   true,
		Timeout:                true,
		StdoutEnableEnvVar:     "EXTISM_ENABLE_WASI_OUTPUT",
		GOOS:                   runtime.GOOS,
		GOARCH:                 runtime.GOARCH,
	}
}
