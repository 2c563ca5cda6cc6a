package background

import (
	"context"
	"testing"

	extism "github.com/wapc/extism-core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine and fakeInstance stand in for engines/wazero in these tests:
// no real Wasm bytes are compiled here, just a guest that calls into
// whatever host namespace the test wires up, so BackgroundPlugin's
// dispatch/serve loop can be exercised without a .wasm fixture.
type fakeEngine struct{}

func (fakeEngine) Name() string { return "fake" }

func (fakeEngine) NewPlugin(ctx context.Context, modules []extism.PreparedModule, opts extism.PluginOptions) (extism.Instance, error) {
	return &fakeInstance{
		cc:   extism.NewCallContext(extism.NewCallLogger(nil, extism.LogSilent, "test")),
		opts: opts,
	}, nil
}

type fakeInstance struct {
	cc   *extism.CallContext
	opts extism.PluginOptions
}

func (f *fakeInstance) CallContext() *extism.CallContext { return f.cc }

func fakeIndexAddr(index uint64) uint64 { return index << 48 }

func (f *fakeInstance) Call(ctx context.Context, funcName string, input []byte) ([]byte, error) {
	addr := f.cc.Store(input)
	f.cc.Begin(addr)

	switch funcName {
	case "invoke-host":
		fn := f.opts.Functions["host"]["double"]
		result, err := fn(ctx, f.cc, []uint64{3})
		if err != nil {
			f.cc.SetErrorMessage(err.Error())
		} else {
			out := f.cc.Store([]byte{byte(result)})
			f.cc.SetOutput(out, f.cc.Length(out))
		}
	case "fail":
		f.cc.SetErrorMessage("guest-reported failure")
	default:
		out := f.cc.Store(append([]byte("echo:"), input...))
		f.cc.SetOutput(out, f.cc.Length(out))
	}

	errIdx, hasError, outIdx, hasOutput := f.cc.End()
	if hasError {
		return nil, extism.NewErrorf(extism.KindPluginOriginated, "%s", string(f.cc.Read(fakeIndexAddr(errIdx))))
	}
	if !hasOutput {
		return nil, nil
	}
	return f.cc.Read(fakeIndexAddr(outIdx)), nil
}

func (f *fakeInstance) FunctionExists(funcName string) bool { return true }
func (f *fakeInstance) GuestRuntime() extism.GuestRuntime   { return extism.GuestRuntimeReactor }
func (f *fakeInstance) IsActive() bool                      { return f.cc.Depth() > 0 }
func (f *fakeInstance) Reset() bool                         { return f.cc.Reset() }
func (f *fakeInstance) Close(ctx context.Context) error     { return nil }

func TestBackgroundPluginEchoCall(t *testing.T) {
	p, err := NewBackgroundPlugin(context.Background(), fakeEngine{}, nil, extism.PluginOptions{})
	require.NoError(t, err)
	defer p.Close(context.Background())

	out, err := p.Call(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(out))
}

func TestBackgroundPluginHostCallRoundTrip(t *testing.T) {
	doubled := func(ctx context.Context, cc *extism.CallContext, args []uint64) (uint64, error) {
		return args[0] * 2, nil
	}
	opts := extism.PluginOptions{Functions: map[string]extism.HostNamespace{"host": {"double": doubled}}}

	p, err := NewBackgroundPlugin(context.Background(), fakeEngine{}, nil, opts)
	require.NoError(t, err)
	defer p.Close(context.Background())

	out, err := p.Call(context.Background(), "invoke-host", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, byte(6), out[0])
}

func TestBackgroundPluginGuestErrorSurfaces(t *testing.T) {
	p, err := NewBackgroundPlugin(context.Background(), fakeEngine{}, nil, extism.PluginOptions{})
	require.NoError(t, err)
	defer p.Close(context.Background())

	_, err = p.Call(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, extism.IsKind(err, extism.KindPluginOriginated))
}

func TestBackgroundPluginRestartWorker(t *testing.T) {
	p, err := NewBackgroundPlugin(context.Background(), fakeEngine{}, nil, extism.PluginOptions{})
	require.NoError(t, err)
	defer p.Close(context.Background())

	_, err = p.Call(context.Background(), "echo", []byte("a"))
	require.NoError(t, err)

	p.RestartWorker()

	out, err := p.Call(context.Background(), "echo", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "echo:b", string(out))
}

func TestBackgroundPluginCloseIsIdempotent(t *testing.T) {
	p, err := NewBackgroundPlugin(context.Background(), fakeEngine{}, nil, extism.PluginOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	_, err = p.Call(context.Background(), "echo", []byte("x"))
	require.Error(t, err)
	assert.True(t, extism.IsKind(err, extism.KindConfig))
}
