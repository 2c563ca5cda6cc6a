package background

import (
	"context"
	"sync"
	"time"

	extism "github.com/wapc/extism-core"
)

const defaultRingSize = 64 * 1024

// BackgroundPlugin is the worker-thread extism.Instance: Call runs the
// guest export on a dedicated goroutine while host-function bodies run on
// the caller's own goroutine, replies marshalled through a ringBuffer. The
// worker goroutine is created on first use and torn down by Close or
// RestartWorker; a TimeoutError kills it, same as spec.md requires, and the
// next Call transparently restarts one.
type BackgroundPlugin struct {
	mu sync.Mutex

	engine   extism.Engine
	modules  []extism.PreparedModule
	ringSize uint32
	timeout  time.Duration

	realFns map[string]extism.HostNamespace

	inner  extism.Instance
	w      *workerState
	active bool
	closed bool
}

// workerState is the live goroutine plus its communication primitives.
// Recreated by startWorkerLocked whenever the previous one is torn down.
type workerState struct {
	ring     *ringBuffer
	requests chan hostCallRequest
	jobs     chan callJob
	results  chan callResult
	stop     chan struct{}
	stopped  chan struct{}
}

// NewBackgroundPlugin builds a worker-topology instance from the same
// inputs a foreground engine.NewPlugin call would take. User-namespace host
// functions in opts.Functions are wrapped so that, once a worker is
// running, the guest's calls into them are marshalled across the ring
// buffer instead of executing inline.
func NewBackgroundPlugin(ctx context.Context, engine extism.Engine, modules []extism.PreparedModule, opts extism.PluginOptions) (*BackgroundPlugin, error) {
	p := &BackgroundPlugin{
		engine:   engine,
		modules:  modules,
		ringSize: opts.SharedArrayBufferSize,
		realFns:  opts.Functions,
	}
	if p.ringSize == 0 {
		p.ringSize = defaultRingSize
	}
	if opts.Manifest.TimeoutMS > 0 {
		p.timeout = time.Duration(opts.Manifest.TimeoutMS) * time.Millisecond
	} else {
		p.timeout = 30 * time.Second
	}

	redirected := opts
	redirected.RunInWorker = false // the inner instance itself runs synchronously; only BackgroundPlugin is worker-mode
	redirected.Functions = p.wrapNamespaces(opts.Functions)

	inner, err := engine.NewPlugin(ctx, modules, redirected)
	if err != nil {
		return nil, err
	}
	p.inner = inner
	return p, nil
}

// wrapNamespaces replaces every user host function with one that, once a
// worker is live, redirects the call across the ring buffer instead of
// running inline on whatever goroutine the guest call happens to be on.
func (p *BackgroundPlugin) wrapNamespaces(fns map[string]extism.HostNamespace) map[string]extism.HostNamespace {
	wrapped := make(map[string]extism.HostNamespace, len(fns))
	for ns, namespace := range fns {
		ns := ns
		out := make(extism.HostNamespace, len(namespace))
		for name := range namespace {
			name := name
			out[name] = func(ctx context.Context, cc *extism.CallContext, args []uint64) (uint64, error) {
				p.mu.Lock()
				w := p.w
				p.mu.Unlock()
				if w == nil {
					// No worker is running (e.g. a direct call during
					// setup); fall back to the real function inline.
					return p.realFns[ns][name](ctx, cc, args)
				}
				return w.dispatch(ctx, ns, name, args, p.timeout)
			}
		}
		wrapped[ns] = out
	}
	return wrapped
}

// dispatch is called from the worker goroutine (inside the guest's Wasm
// call) to hand a host-function invocation to the parent and block for its
// framed reply.
func (w *workerState) dispatch(ctx context.Context, ns, fn string, args []uint64, timeout time.Duration) (uint64, error) {
	select {
	case w.requests <- hostCallRequest{namespace: ns, function: fn, args: args}:
	case <-ctx.Done():
		return 0, extism.WrapError(extism.KindTimeout, ctx.Err(), "background: host call request canceled")
	}
	rr := w.ring.newReader(ctx, timeout)
	reply, err := rr.drain()
	if err != nil {
		return 0, err
	}
	if reply.hasI64 {
		return reply.i64, nil
	}
	return 0, nil
}

// startWorkerLocked spins up the goroutine backing Call. Caller holds p.mu.
func (p *BackgroundPlugin) startWorkerLocked() *workerState {
	w := &workerState{
		ring:     newRingBuffer(p.ringSize),
		requests: make(chan hostCallRequest),
		jobs:     make(chan callJob),
		results:  make(chan callResult),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go func() {
		defer close(w.stopped)
		for {
			select {
			case job := <-w.jobs:
				out, err := p.inner.Call(job.ctx, job.funcName, job.input)
				select {
				case w.results <- callResult{output: out, err: err}:
				case <-w.stop:
					return
				}
			case <-w.stop:
				return
			}
		}
	}()
	p.w = w
	return w
}

// Call runs funcName on the worker goroutine, serving any host-function
// requests it raises on the caller's own goroutine until the call
// completes, times out, or the worker is otherwise killed.
func (p *BackgroundPlugin) Call(ctx context.Context, funcName string, input []byte) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, extism.NewError(extism.KindConfig, "plugin instance is closed")
	}
	if p.active {
		p.mu.Unlock()
		return nil, extism.NewErrorf(extism.KindReentrancy, "call to %q while another call is already in flight", funcName)
	}
	w := p.w
	if w == nil {
		w = p.startWorkerLocked()
	}
	p.active = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
	}()

	callCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	select {
	case w.jobs <- callJob{ctx: callCtx, funcName: funcName, input: input}:
	case <-callCtx.Done():
		p.killWorker(w)
		return nil, extism.NewErrorf(extism.KindTimeout, "call to %q timed out before the worker accepted it", funcName)
	}

	for {
		select {
		case req := <-w.requests:
			p.serveHostCall(callCtx, w, req)
		case res := <-w.results:
			return res.output, res.err
		case <-callCtx.Done():
			p.killWorker(w)
			return nil, extism.NewErrorf(extism.KindTimeout, "call to %q exceeded its time budget", funcName)
		}
	}
}

// serveHostCall runs the real host function named by req on the caller's
// goroutine (the "parent"), then frames its result back across the ring
// buffer for the worker's dispatch to pick up.
func (p *BackgroundPlugin) serveHostCall(ctx context.Context, w *workerState, req hostCallRequest) {
	var result uint64
	var callErr error

	cc, _ := p.inner.(extism.CallContextProvider)
	fn, ok := p.realFns[req.namespace][req.function]
	if !ok {
		callErr = extism.NewErrorf(extism.KindFunctionNotFound, "background: host function %q.%q not found", req.namespace, req.function)
	} else if cc != nil {
		result, callErr = fn(ctx, cc.CallContext(), req.args)
	} else {
		callErr = extism.NewError(extism.KindTransport, "background: inner instance does not expose a CallContext")
	}

	rw := w.ring.newWriter(ctx, p.timeout)
	if callErr != nil {
		if cc != nil {
			cc.CallContext().SetErrorMessage(callErr.Error())
		}
		_ = rw.writeRetVoid()
	} else {
		_ = rw.writeRetI64(result)
	}
	_ = rw.finish()
}

// killWorker tears down a worker that has stopped responding (timeout),
// per spec.md: a TimeoutError in background mode terminates the worker and
// the next Call transparently restarts one.
func (p *BackgroundPlugin) killWorker(w *workerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != w {
		return
	}
	close(w.stop)
	p.w = nil
}

// RestartWorker discards the current worker goroutine (if any) so the next
// Call starts a fresh one. Exported for callers that want to recover from a
// suspected-wedged worker without closing the whole plug-in.
func (p *BackgroundPlugin) RestartWorker() {
	p.mu.Lock()
	w := p.w
	p.w = nil
	p.mu.Unlock()
	if w != nil {
		close(w.stop)
		<-w.stopped
	}
}

func (p *BackgroundPlugin) FunctionExists(funcName string) bool {
	return p.inner.FunctionExists(funcName)
}

func (p *BackgroundPlugin) GuestRuntime() extism.GuestRuntime {
	return p.inner.GuestRuntime()
}

func (p *BackgroundPlugin) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *BackgroundPlugin) Reset() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return false
	}
	return p.inner.Reset()
}

func (p *BackgroundPlugin) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	w := p.w
	p.w = nil
	p.mu.Unlock()

	if w != nil {
		close(w.stop)
		<-w.stopped
	}
	return p.inner.Close(ctx)
}
