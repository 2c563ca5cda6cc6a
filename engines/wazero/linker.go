package wazero

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
	wz "github.com/tetratelabs/wazero"

	extism "github.com/wapc/extism-core"
)

type linkState int

const (
	stateUnvisited linkState = iota
	stateVisiting
	stateDone
)

// lazyCell is the indirection a circular-import trampoline dispatches
// through. It starts unresolved; once the module it names finishes
// instantiating for real, fn is filled in and every future call routes to
// the genuine export. Needed because wazero binds an importer's call sites
// to whatever is registered under the imported name at InstantiateModule
// time — a module that is still "visiting" (mid mutual import) cannot yet
// be the real target, so a placeholder stands in and resolves the
// indirection lazily instead.
type lazyCell struct {
	fn api.Function
}

// linker performs the recursive per-manifest-module instantiation described
// in §4.2: resolve a module's imports (registering placeholders for any
// module still mid-instantiation), then instantiate it for real and fulfill
// any lazyCells waiting on it.
type linker struct {
	ctx      context.Context
	runtime  wz.Runtime
	compiled map[string]wz.CompiledModule
	cc       *extism.CallContext
	opts     extism.PluginOptions
	http     *extism.HTTPAdapter

	state        map[string]linkState
	instances    map[string]api.Module
	placeholders map[string]api.Module
	cells        map[string]map[string]*lazyCell
	path         []string

	ambientRegistered bool
}

func newLinker(ctx context.Context, rt wz.Runtime, compiled map[string]wz.CompiledModule, cc *extism.CallContext, opts extism.PluginOptions, http *extism.HTTPAdapter) *linker {
	return &linker{
		ctx:          ctx,
		runtime:      rt,
		compiled:     compiled,
		cc:           cc,
		opts:         opts,
		http:         http,
		state:        make(map[string]linkState),
		instances:    make(map[string]api.Module),
		placeholders: make(map[string]api.Module),
		cells:        make(map[string]map[string]*lazyCell),
	}
}

// instantiate returns the real api.Module named name, compiling its import
// graph as needed. It is the entry point called once per top-level plug-in
// build (on "main" and on every other manifest module reachable only via
// direct/qualified calls); all transitively imported modules are pulled in
// by ensureImportsRegistered instead, which has an import name to cite.
func (lk *linker) instantiate(name string) (api.Module, error) {
	return lk.instantiateNamed(name, "")
}

// instantiateNamed is instantiate with fnName carrying the specific import
// that pulled name in, if any, so a missing-link error can cite origin,
// target module and name.
func (lk *linker) instantiateNamed(name, fnName string) (api.Module, error) {
	if err := lk.registerAmbientNamespaces(); err != nil {
		return nil, err
	}

	if mod, ok := lk.instances[name]; ok {
		return mod, nil
	}

	cm, ok := lk.compiled[name]
	if !ok {
		return nil, lk.missingImportError(name, fnName)
	}

	lk.state[name] = stateVisiting
	lk.path = append(lk.path, name)

	if err := lk.ensureImportsRegistered(cm, name); err != nil {
		lk.path = lk.path[:len(lk.path)-1]
		return nil, err
	}

	if ph, ok := lk.placeholders[name]; ok {
		ph.Close(lk.ctx)
		delete(lk.placeholders, name)
	}

	cfg := wz.NewModuleConfig().WithName(name).WithStartFunctions()
	real, err := lk.runtime.InstantiateModule(lk.ctx, cm, cfg)
	lk.path = lk.path[:len(lk.path)-1]
	if err != nil {
		return nil, extism.WrapError(extism.KindPluginTrap, err, fmt.Sprintf("instantiating module %q", name))
	}

	lk.instances[name] = real
	lk.state[name] = stateDone

	if cells, ok := lk.cells[name]; ok {
		for fnName, cell := range cells {
			fn := real.ExportedFunction(fnName)
			if fn == nil {
				return nil, extism.NewErrorf(extism.KindConfig, "module %q no longer exports %q once instantiated", name, fnName)
			}
			cell.fn = fn
		}
		delete(lk.cells, name)
	}

	return real, nil
}

// ensureImportsRegistered walks cm's imports and, for every one naming
// another manifest module, makes sure a module (real or placeholder) is
// registered under that name in the runtime namespace before cm itself is
// instantiated.
func (lk *linker) ensureImportsRegistered(cm wz.CompiledModule, owner string) error {
	for _, def := range cm.ImportedFunctions() {
		moduleName, fnName, isImport := def.Import()
		if !isImport {
			continue
		}

		if moduleName == extism.KernelABINamespace || moduleName == "wasi_snapshot_preview1" {
			continue
		}
		if _, isUserNamespace := lk.opts.Functions[moduleName]; isUserNamespace {
			continue
		}
		if moduleName == owner {
			// A module importing its own namespace name is never valid
			// here: manifest modules only import each other or host
			// namespaces, never themselves.
			return extism.NewErrorf(extism.KindConfig, "from module %s: module %q imports itself", lk.pathString(), moduleName)
		}
		if _, ok := lk.instances[moduleName]; ok {
			continue
		}
		if _, ok := lk.placeholders[moduleName]; ok {
			continue
		}
		if lk.state[moduleName] == stateVisiting {
			if err := lk.createPlaceholder(moduleName, fnName); err != nil {
				return err
			}
			continue
		}
		if _, err := lk.instantiateNamed(moduleName, fnName); err != nil {
			return err
		}
	}
	return nil
}

// missingImportError reports an unresolved import citing the origin module
// path, the target module, and the name that was being imported from it,
// when known.
func (lk *linker) missingImportError(moduleName, fnName string) error {
	if fnName == "" {
		return extism.NewErrorf(extism.KindConfig,
			`from module %s: cannot resolve import %q: not provided by host imports nor linked manifest items`, lk.pathString(), moduleName)
	}
	return extism.NewErrorf(extism.KindConfig,
		`from module %s: cannot resolve import %q %q: not provided by host imports nor linked manifest items`, lk.pathString(), moduleName, fnName)
}

// createPlaceholder registers a host module under name whose exports are
// trampolines over lazyCells, standing in until the real module (currently
// an ancestor frame on the call stack, mid-instantiation) is ready.
func (lk *linker) createPlaceholder(name, fnName string) error {
	cm, ok := lk.compiled[name]
	if !ok {
		return lk.missingImportError(name, fnName)
	}

	builder := lk.runtime.NewHostModuleBuilder(name)
	cells := make(map[string]*lazyCell)

	for fnName, def := range cm.ExportedFunctions() {
		fnName, def := fnName, def
		cell := &lazyCell{}
		cells[fnName] = cell

		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				if cell.fn == nil {
					panic(extism.NewErrorf(extism.KindConfig, "circular import of %q %q was never resolved", name, fnName))
				}
				results, err := cell.fn.Call(ctx, stack...)
				if err != nil {
					panic(err)
				}
				copy(stack, results)
			}), def.ParamTypes(), def.ResultTypes()).
			Export(fnName)
	}

	ph, err := builder.Instantiate(lk.ctx)
	if err != nil {
		return extism.WrapConfigError(err, fmt.Sprintf("registering placeholder for module %q", name))
	}
	lk.placeholders[name] = ph
	lk.cells[name] = cells
	return nil
}

func (lk *linker) pathString() string {
	quoted := make([]string, len(lk.path))
	for i, p := range lk.path {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return strings.Join(quoted, "/")
}

// registerAmbientNamespaces installs the kernel ABI ("env") and every
// user-supplied host namespace exactly once per plug-in build, before any
// manifest module is instantiated.
func (lk *linker) registerAmbientNamespaces() error {
	if lk.ambientRegistered {
		return nil
	}
	lk.ambientRegistered = true

	if err := registerKernelABI(lk.ctx, lk.runtime, lk.cc, lk.http, lk.opts); err != nil {
		return err
	}
	return registerUserNamespaces(lk.ctx, lk.runtime, lk.compiled, lk.cc, lk.opts)
}
