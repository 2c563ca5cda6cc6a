package wazero

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	wz "github.com/tetratelabs/wazero"

	extism "github.com/wapc/extism-core"
)

// namedModule pairs a linked module's manifest name with its instantiated
// handle, in manifest declaration order, so bare-name lookup can search
// the exports of all modules, first match wins, deterministically.
type namedModule struct {
	name string
	mod  api.Module
}

// instance is the foreground extism.Instance: a synchronous call to an
// exported guest function, executed on the caller's own goroutine.
type instance struct {
	mu sync.Mutex // guards closed/active only; never held across a guest call

	runtime      wz.Runtime
	main         api.Module
	modules      []namedModule
	cc           *extism.CallContext
	guestRuntime extism.GuestRuntime

	closed bool
	active bool
}

// Call follows the Extism guest call convention: the export takes no
// parameters and returns a single i32 status (0 success, nonzero error);
// input/output/error bytes travel entirely through the CallContext block
// table, fetched and stored by the guest's own alloc/store_u8/input_load_u8
// calls during the export's execution. funcName is looked up as a bare
// name across every linked module, first match wins; use
// CallModuleFunction for the "(module_name, name)" qualified form.
func (in *instance) Call(ctx context.Context, funcName string, input []byte) ([]byte, error) {
	return in.call(ctx, funcName, func() api.Function { return in.lookupFunction(funcName) }, input)
}

// CallModuleFunction invokes funcName on the explicitly named linked
// module, the "(module_name, name)" qualified form of function lookup.
// moduleName must match one of the manifest's module names exactly.
func (in *instance) CallModuleFunction(ctx context.Context, moduleName, funcName string, input []byte) ([]byte, error) {
	label := moduleName + "." + funcName
	return in.call(ctx, label, func() api.Function {
		for _, nm := range in.modules {
			if nm.name == moduleName {
				return nm.mod.ExportedFunction(funcName)
			}
		}
		return nil
	}, input)
}

// call is the shared call path: it checks and claims in.active before
// releasing in.mu, so a reentrant call — including one made from inside a
// host-function body servicing this very call, on this same goroutine —
// fails immediately with KindReentrancy instead of deadlocking on in.mu
// (which a synchronous guest call would otherwise hold for its whole
// duration) or racing a concurrent caller on a different goroutine.
func (in *instance) call(ctx context.Context, label string, lookup func() api.Function, input []byte) ([]byte, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, extism.NewError(extism.KindConfig, "plugin instance is closed")
	}
	if in.active {
		in.mu.Unlock()
		return nil, extism.NewErrorf(extism.KindReentrancy, "call to %q while another call is already in flight", label)
	}
	fn := lookup()
	if fn == nil {
		in.mu.Unlock()
		return nil, extism.NewErrorf(extism.KindFunctionNotFound, "export %q not found", label)
	}
	in.active = true
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		in.active = false
		in.mu.Unlock()
	}()

	inputAddr := in.cc.Store(input)
	in.cc.Begin(inputAddr)

	results, callErr := fn.Call(ctx)

	errIdx, hasError, outIdx, hasOutput := in.cc.End()

	if callErr != nil {
		return nil, extism.WrapError(extism.KindPluginTrap, callErr, "calling "+label)
	}
	if hasError {
		msg := in.cc.Read(indexAddr(errIdx))
		return nil, extism.NewErrorf(extism.KindPluginOriginated, "%s", string(msg))
	}
	if len(results) > 0 && results[0] != 0 {
		return nil, extism.NewErrorf(extism.KindPluginOriginated, "%s returned non-zero status %d with no error block set", label, results[0])
	}
	if !hasOutput {
		return nil, nil
	}
	return in.cc.Read(indexAddr(outIdx)), nil
}

// lookupFunction searches every linked module in manifest order, returning
// the first export named funcName.
func (in *instance) lookupFunction(funcName string) api.Function {
	for _, nm := range in.modules {
		if fn := nm.mod.ExportedFunction(funcName); fn != nil {
			return fn
		}
	}
	return nil
}

// indexAddr turns a bare block index (as returned by CallContext.End) back
// into the synthetic address CallContext.Read expects. It duplicates
// address.go's indexToAddress because that helper is unexported; engines
// only ever need this one conversion, so it is kept local rather than
// widening the core's exported surface for it.
func indexAddr(index uint64) uint64 {
	const addressOffsetBits = 48
	return index << addressOffsetBits
}

func (in *instance) FunctionExists(funcName string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	return in.lookupFunction(funcName) != nil
}

// CallContext exposes the instance's CallContext so a background.BackgroundPlugin can
// drive host-function calls made by this instance itself (satisfies
// extism.CallContextProvider).
func (in *instance) CallContext() *extism.CallContext {
	return in.cc
}

func (in *instance) GuestRuntime() extism.GuestRuntime {
	return in.guestRuntime
}

func (in *instance) IsActive() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

func (in *instance) Reset() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.active {
		return false
	}
	return in.cc.Reset()
}

func (in *instance) Close(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	if err := in.runtime.Close(ctx); err != nil {
		return extism.WrapError(extism.KindIO, err, "closing wazero runtime")
	}
	return nil
}
