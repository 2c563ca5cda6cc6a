package wazero

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	wz "github.com/tetratelabs/wazero"

	extism "github.com/wapc/extism-core"
)

// detectGuestRuntime inspects main's exports to classify its startup
// discipline: Haskell's hs_init takes priority (a Haskell guest also
// exports _initialize via its runtime shims, but hs_init is the one that
// actually needs calling), then Reactor's _initialize, then Command's
// _start, defaulting to None.
func detectGuestRuntime(cm wz.CompiledModule) extism.GuestRuntime {
	exports := cm.ExportedFunctions()
	if _, ok := exports["hs_init"]; ok {
		return extism.GuestRuntimeHaskell
	}
	if _, ok := exports["_initialize"]; ok {
		return extism.GuestRuntimeReactor
	}
	if _, ok := exports["_start"]; ok {
		return extism.GuestRuntimeCommand
	}
	return extism.GuestRuntimeNone
}

// runStartupSequence invokes the one-time init export the detected runtime
// needs, if any. Command modules are deliberately never auto-started here:
// §4.1 runs _start only as an ordinary export a caller asks for, the same
// way wasmtime's CLI driver treats it, not as an implicit constructor.
func runStartupSequence(ctx context.Context, mod api.Module, gr extism.GuestRuntime) error {
	switch gr {
	case extism.GuestRuntimeHaskell:
		return callInitExport(ctx, mod, "hs_init")
	case extism.GuestRuntimeReactor:
		return callInitExport(ctx, mod, "_initialize")
	default:
		return nil
	}
}

func callInitExport(ctx context.Context, mod api.Module, name string) error {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	if _, err := fn.Call(ctx); err != nil {
		return extism.WrapError(extism.KindPluginTrap, err, "guest runtime startup ("+name+")")
	}
	return nil
}
