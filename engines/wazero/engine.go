// Package wazero implements the foreground, same-thread extism.Engine on
// top of github.com/tetratelabs/wazero.
package wazero

import (
	"context"
	"fmt"

	wz "github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	extism "github.com/wapc/extism-core"
)

// Engine is the wazero-backed extism.Engine.
type Engine struct{}

// NewEngine returns a ready-to-use wazero Engine. wazero needs no global
// setup (unlike wasmtime/wasmer, which require a shared *Engine handle
// across plug-ins), so every call returns an equally valid value.
func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Name() string { return "wazero" }

// NewPlugin compiles every prepared module, links them against each other
// and the host namespaces in opts.Functions, and instantiates "main".
func (e *Engine) NewPlugin(ctx context.Context, modules []extism.PreparedModule, opts extism.PluginOptions) (extism.Instance, error) {
	if len(modules) == 0 {
		return nil, extism.NewConfigError("wazero: no modules supplied")
	}

	runtimeCfg := wz.NewRuntimeConfig()
	rt := wz.NewRuntimeWithConfig(ctx, runtimeCfg)

	closeOnErr := func(err error) (extism.Instance, error) {
		rt.Close(ctx)
		return nil, err
	}

	if opts.UseWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return closeOnErr(extism.WrapConfigError(err, "wazero: instantiating WASI"))
		}
	}

	compiled := make(map[string]wz.CompiledModule, len(modules))
	for _, m := range modules {
		if m.Compiled != nil {
			cm, ok := m.Compiled.(wz.CompiledModule)
			if !ok {
				return closeOnErr(extism.NewConfigError(fmt.Sprintf("wazero: module %q supplies a pre-compiled reference from a different engine", m.Name)))
			}
			compiled[m.Name] = cm
			continue
		}
		cm, err := rt.CompileModule(ctx, m.Bytes)
		if err != nil {
			return closeOnErr(extism.WrapConfigError(err, fmt.Sprintf("wazero: compiling module %q", m.Name)))
		}
		compiled[m.Name] = cm
	}
	if _, ok := compiled["main"]; !ok {
		return closeOnErr(extism.NewConfigError(`wazero: no module named "main"`))
	}

	logger := extism.NewCallLogger(opts.Logger, opts.LogLevel, "plugin")
	cc := extism.NewCallContext(logger)
	cc.SetMaxPages(opts.Manifest.Memory.MaxPages)
	cc.SetMaxVarBytes(opts.Manifest.Memory.MaxVarBytes)

	var httpAdapter *extism.HTTPAdapter
	if opts.Fetch != nil || len(opts.Manifest.AllowedHosts) > 0 {
		httpAdapter = extism.NewHTTPAdapter(opts.Fetch, opts.Manifest.AllowedHosts, opts.Manifest.Memory.MaxHTTPResponseBytes, opts.AllowHTTPResponseHeaders)
	}

	lk := newLinker(ctx, rt, compiled, cc, opts, httpAdapter)

	mainMod, err := lk.instantiate("main")
	if err != nil {
		return closeOnErr(err)
	}

	// Every manifest module is instantiated, not just the ones main's own
	// import graph reaches, so a caller can target an auxiliary module
	// directly via the "(module_name, name)" qualified lookup form even
	// when nothing in main ever imports it.
	named := make([]namedModule, 0, len(modules))
	for _, m := range modules {
		mod, err := lk.instantiate(m.Name)
		if err != nil {
			return closeOnErr(err)
		}
		named = append(named, namedModule{name: m.Name, mod: mod})
	}

	guestRuntime := detectGuestRuntime(compiled["main"])
	if err := runStartupSequence(ctx, mainMod, guestRuntime); err != nil {
		return closeOnErr(err)
	}

	return &instance{
		runtime:      rt,
		main:         mainMod,
		modules:      named,
		cc:           cc,
		guestRuntime: guestRuntime,
	}, nil
}
