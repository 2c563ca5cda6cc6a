package extism

import "context"

// CreatePlugin resolves a manifest's modules and instantiates them on the
// given engine, honoring opts.RunInWorker by deferring to the caller: this
// core package only builds foreground instances directly (it cannot import
// the background package without an import cycle, since background imports
// it); callers wanting worker-topology plug-ins construct a
// background.BackgroundPlugin themselves, passing the same engine, modules
// and opts this function would have used.
func CreatePlugin(ctx context.Context, loader Loader, manifest Manifest, opts PluginOptions, engine Engine) (Instance, error) {
	modules, err := PrepareModules(ctx, loader, manifest.Wasm)
	if err != nil {
		return nil, err
	}
	opts.Manifest = manifest
	return engine.NewPlugin(ctx, modules, opts)
}
