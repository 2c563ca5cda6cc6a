package extism

import "context"

// GuestRuntime is the detected startup discipline of a guest toolchain.
type GuestRuntime int

const (
	GuestRuntimeNone GuestRuntime = iota
	GuestRuntimeReactor
	GuestRuntimeCommand
	GuestRuntimeHaskell
)

func (g GuestRuntime) String() string {
	switch g {
	case GuestRuntimeReactor:
		return "reactor"
	case GuestRuntimeCommand:
		return "command"
	case GuestRuntimeHaskell:
		return "haskell"
	default:
		return "none"
	}
}

// HostFunction is a host-provided function reachable from the guest under a
// user namespace. It receives the CallContext of the invoking plug-in (for
// read/store/alloc/length/variables/set_error) and the raw Wasm scalar
// arguments, and returns a single Wasm scalar result. A per-call
// "host_context" value, if the caller of Call attached one via
// context.WithValue, is retrieved from ctx the same way.
type HostFunction func(ctx context.Context, cc *CallContext, args []uint64) (uint64, error)

// HostNamespace groups HostFunctions the way the guest imports them: one
// Wasm import module name per namespace, exported function names as map
// keys.
type HostNamespace map[string]HostFunction

// KernelABINamespace is the Wasm import module name the kernel ABI
// functions (alloc/free/load/store/input/output/var/config/log/http) are
// exposed under.
const KernelABINamespace = "env"

// Instance is a single running plug-in: a linked, instantiated set of Wasm
// modules plus the CallContext mediating their host boundary. Both the
// foreground (engines/wazero, synchronous) and the background
// (background.BackgroundPlugin, goroutine-backed) implementations satisfy this.
type Instance interface {
	// Call invokes the exported function funcName with input, returning
	// the guest's output block or an error built from the guest's error
	// block / a Wasm trap.
	Call(ctx context.Context, funcName string, input []byte) ([]byte, error)

	// FunctionExists never returns an error; callers that only want to
	// probe availability should prefer it over Call.
	FunctionExists(funcName string) bool

	// GuestRuntime reports the startup discipline detected during
	// instantiation.
	GuestRuntime() GuestRuntime

	// IsActive reports whether a call is currently in flight.
	IsActive() bool

	// Reset empties the block table (besides the null page) and the call
	// stack. Returns false without effect if a call is in flight.
	Reset() bool

	// Close releases the instance and any worker/WASI resources it owns.
	// Idempotent.
	Close(ctx context.Context) error
}

// CallContextProvider is implemented by Instance values that expose their
// underlying CallContext. background.BackgroundPlugin type-asserts for this so it can
// service host-function calls made by its inner foreground instance without
// any other coupling to the engine that built it.
type CallContextProvider interface {
	CallContext() *CallContext
}

// ModuleFunctionCaller is implemented by Instance values that support
// targeting a linked module explicitly by name, the "(module_name, name)"
// pair form of function lookup, as opposed to Call's bare-name search across
// every linked module's exports.
type ModuleFunctionCaller interface {
	CallModuleFunction(ctx context.Context, moduleName, funcName string, input []byte) ([]byte, error)
}

// Engine compiles and instantiates plug-ins from prepared modules. The
// import-resolution and instantiation pipeline (§4.2) is engine-specific,
// since it operates over the underlying Wasm runtime's own compiled-module
// metadata.
type Engine interface {
	Name() string
	NewPlugin(ctx context.Context, modules []PreparedModule, opts PluginOptions) (Instance, error)
}

// PluginOptions configures a plug-in at creation time. Manifest carries the
// manifest-level settings (memory limits, timeout, allowed hosts, config);
// CreatePlugin sets it from its manifest argument. The other fields have no
// manifest-level counterpart.
type PluginOptions struct {
	UseWASI     bool
	RunInWorker bool

	// Functions are host-provided functions reachable from the guest,
	// grouped by the namespace (Wasm import module name) the guest
	// imports them under.
	Functions map[string]HostNamespace

	Logger   Logger
	LogLevel LogLevel

	Fetch HTTPFetcher

	// SharedArrayBufferSize is the ring buffer capacity used by the
	// background transport. Defaults to 64KiB when zero.
	SharedArrayBufferSize uint32

	AllowHTTPResponseHeaders bool
	EnableWASIOutput         bool

	Manifest Manifest
}

// NoOpHostFunction is a stand-in HostFunction for namespaces the host does
// not need to service.
func NoOpHostFunction(ctx context.Context, cc *CallContext, args []uint64) (uint64, error) {
	return 0, nil
}
