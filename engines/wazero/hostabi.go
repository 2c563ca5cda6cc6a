package wazero

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	wz "github.com/tetratelabs/wazero"

	extism "github.com/wapc/extism-core"
)

// importSig is the (param, result) shape a guest module declared for one
// import, discovered from its own compiled metadata rather than assumed, so
// host functions are wired with whatever arity/types the guest actually
// asked for.
type importSig struct {
	params  []api.ValueType
	results []api.ValueType
}

// collectImportSigs scans every compiled module for imports under
// moduleName and returns the first declared signature per function name.
// Manifest modules are expected to agree on a namespace's shape; if they
// don't, which declaration is used is not defined (compiled is a map,
// iterated in no fixed order), and a module declaring a different shape is
// rejected by wazero when it is instantiated.
func collectImportSigs(compiled map[string]wz.CompiledModule, moduleName string) map[string]importSig {
	sigs := make(map[string]importSig)
	for _, cm := range compiled {
		for _, def := range cm.ImportedFunctions() {
			mod, fn, isImport := def.Import()
			if !isImport || mod != moduleName {
				continue
			}
			if _, ok := sigs[fn]; ok {
				continue
			}
			sigs[fn] = importSig{params: def.ParamTypes(), results: def.ResultTypes()}
		}
	}
	return sigs
}

// registerKernelABI wires the "env" namespace: block/handle memory
// management, call stack input/output/error, variables, config, HTTP and
// logging. Every function here takes and returns plain i64 handles; none of
// it touches guest linear memory directly, since the CallContext block
// table is the only channel bytes cross on.
func registerKernelABI(ctx context.Context, rt wz.Runtime, cc *extism.CallContext, http *extism.HTTPAdapter, opts extism.PluginOptions) error {
	builder := rt.NewHostModuleBuilder(extism.KernelABINamespace)

	i64 := []api.ValueType{api.ValueTypeI64}
	i64i64 := []api.ValueType{api.ValueTypeI64, api.ValueTypeI64}
	noParams := []api.ValueType{}

	export := func(name string, params, results []api.ValueType, fn func(ctx context.Context, stack []uint64)) {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) { fn(ctx, stack) }), params, results).
			Export(name)
	}

	export("alloc", i64, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = cc.Alloc(stack[0])
	})
	export("free", i64, noParams, func(ctx context.Context, stack []uint64) {
		cc.Free(stack[0])
	})
	export("length", i64, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = cc.Length(stack[0])
	})
	export("load_u8", i64, i64, func(ctx context.Context, stack []uint64) {
		v, _ := cc.LoadByte(stack[0])
		stack[0] = uint64(v)
	})
	export("store_u8", i64i64, noParams, func(ctx context.Context, stack []uint64) {
		cc.StoreByte(stack[0], byte(stack[1]))
	})
	export("load_u64", i64, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = loadU64(cc, stack[0])
	})
	export("store_u64", i64i64, noParams, func(ctx context.Context, stack []uint64) {
		storeU64(cc, stack[0], stack[1])
	})

	export("input_offset", noParams, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = cc.CurrentInput()
	})
	export("input_length", noParams, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = cc.Length(cc.CurrentInput())
	})
	export("input_load_u8", i64, i64, func(ctx context.Context, stack []uint64) {
		v, _ := cc.LoadByte(cc.CurrentInput() + stack[0])
		stack[0] = uint64(v)
	})
	export("input_load_u64", i64, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = loadU64(cc, cc.CurrentInput()+stack[0])
	})

	export("output_set", i64i64, noParams, func(ctx context.Context, stack []uint64) {
		cc.SetOutput(stack[0], stack[1])
	})
	export("error_set", i64, noParams, func(ctx context.Context, stack []uint64) {
		cc.SetError(stack[0])
	})
	export("error_get", noParams, i64, func(ctx context.Context, stack []uint64) {
		stack[0] = cc.ErrorAddress()
	})

	export("config_get", i64, i64, func(ctx context.Context, stack []uint64) {
		key := cc.Read(stack[0])
		val, ok := opts.Manifest.Config[string(key)]
		if !ok {
			stack[0] = 0
			return
		}
		stack[0] = cc.Store([]byte(val))
	})
	export("var_get", i64, i64, func(ctx context.Context, stack []uint64) {
		key := cc.Read(stack[0])
		stack[0] = cc.Store(cc.GetVariable(string(key)))
	})
	export("var_set", i64i64, i64, func(ctx context.Context, stack []uint64) {
		key := cc.Read(stack[0])
		var value []byte
		if stack[1] != 0 {
			value = cc.Read(stack[1])
		}
		if cc.SetVariable(string(key), value) {
			stack[0] = 1
		} else {
			stack[0] = 0
		}
	})

	export("http_request", i64, i64, func(ctx context.Context, stack []uint64) {
		if http == nil {
			stack[0] = 0
			return
		}
		reqBytes := cc.Read(stack[0])
		addr, err := http.Request(ctx, cc, reqBytes)
		if err != nil {
			cc.SetErrorMessage(err.Error())
			stack[0] = 0
			return
		}
		stack[0] = addr
	})
	export("http_status_code", noParams, i64, func(ctx context.Context, stack []uint64) {
		if http == nil {
			stack[0] = 0
			return
		}
		stack[0] = http.StatusCode()
	})
	export("http_headers", noParams, i64, func(ctx context.Context, stack []uint64) {
		if http == nil {
			stack[0] = 0
			return
		}
		stack[0] = http.Headers(cc)
	})

	logger := extism.NewCallLogger(opts.Logger, opts.LogLevel, "plugin")
	for level, name := range map[extism.LogLevel]string{
		extism.LogTrace: "log_trace",
		extism.LogDebug: "log_debug",
		extism.LogInfo:  "log_info",
		extism.LogWarn:  "log_warn",
		extism.LogError: "log_error",
	} {
		level := level
		export(name, i64, noParams, func(ctx context.Context, stack []uint64) {
			logger.Log(level, string(cc.Read(stack[0])))
		})
	}

	_, err := builder.Instantiate(ctx)
	if err != nil {
		return extism.WrapConfigError(err, "registering kernel ABI host module")
	}
	return nil
}

func loadU64(cc *extism.CallContext, addr uint64) uint64 {
	var v uint64
	for i := uint64(0); i < 8; i++ {
		b, _ := cc.LoadByte(addr + i)
		v |= uint64(b) << (8 * i)
	}
	return v
}

func storeU64(cc *extism.CallContext, addr, v uint64) {
	for i := uint64(0); i < 8; i++ {
		cc.StoreByte(addr+i, byte(v>>(8*i)))
	}
}

// registerUserNamespaces wires opts.Functions, one wazero host module per
// namespace, adapting each guest-declared import to the generic
// extism.HostFunction signature.
func registerUserNamespaces(ctx context.Context, rt wz.Runtime, compiled map[string]wz.CompiledModule, cc *extism.CallContext, opts extism.PluginOptions) error {
	for namespace, fns := range opts.Functions {
		sigs := collectImportSigs(compiled, namespace)
		builder := rt.NewHostModuleBuilder(namespace)

		for fnName, hostFn := range fns {
			fnName, hostFn := fnName, hostFn
			sig, ok := sigs[fnName]
			if !ok {
				// Declared by the host but never imported by any
				// manifest module; still export it with a conservative
				// i64->i64 shape so a later-linked module can use it.
				sig = importSig{params: []api.ValueType{api.ValueTypeI64}, results: []api.ValueType{api.ValueTypeI64}}
			}

			builder.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
					args := make([]uint64, len(stack))
					copy(args, stack)
					result, err := hostFn(ctx, cc, args)
					if err != nil {
						cc.SetErrorMessage(err.Error())
						return
					}
					if len(sig.results) > 0 {
						stack[0] = result
					}
				}), sig.params, sig.results).
				Export(fnName)
		}

		if _, err := builder.Instantiate(ctx); err != nil {
			return extism.WrapConfigError(err, "registering host namespace "+namespace)
		}
	}
	return nil
}
