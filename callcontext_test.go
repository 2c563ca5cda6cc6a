package extism

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCallContext() *CallContext {
	return NewCallContext(NewCallLogger(nil, LogSilent, "test"))
}

func TestCallContextStoreAndReadRoundTrip(t *testing.T) {
	cc := newTestCallContext()
	addr := cc.Store([]byte("hello world"))
	require.NotZero(t, addr, "store of non-empty bytes must not return the null address")
	assert.Equal(t, []byte("hello world"), cc.Read(addr))
	assert.Equal(t, uint64(len("hello world")), cc.Length(addr))
}

func TestCallContextStoreEmptyReturnsNullAddress(t *testing.T) {
	cc := newTestCallContext()
	assert.Zero(t, cc.Store(nil))
	assert.Zero(t, cc.Store([]byte{}))
}

func TestCallContextFreeThenReadReturnsNil(t *testing.T) {
	cc := newTestCallContext()
	addr := cc.Store([]byte("gone soon"))
	cc.Free(addr)
	assert.Nil(t, cc.Read(addr))
	assert.Zero(t, cc.Length(addr))
}

func TestCallContextAllocEnforcesMaxPages(t *testing.T) {
	cc := newTestCallContext()
	cc.SetMaxPages(1) // 64KiB, and the null page already consumes one page
	addr := cc.Alloc(pageSize)
	assert.Zero(t, addr, "alloc exceeding max_pages budget must return the null address")
}

func TestCallContextLoadStoreByte(t *testing.T) {
	cc := newTestCallContext()
	addr := cc.Store([]byte{1, 2, 3})
	ok := cc.StoreByte(addr+1, 42)
	require.True(t, ok)
	v, ok := cc.LoadByte(addr + 1)
	require.True(t, ok)
	assert.Equal(t, byte(42), v)

	_, ok = cc.LoadByte(addr + 99)
	assert.False(t, ok, "out-of-range offset must fail rather than panic")
}

func TestCallContextCallStackBeginEnd(t *testing.T) {
	cc := newTestCallContext()
	inputAddr := cc.Store([]byte("input"))
	cc.Begin(inputAddr)
	assert.Equal(t, 1, cc.Depth())
	assert.Equal(t, inputAddr, cc.CurrentInput())

	outAddr := cc.Store([]byte("output"))
	assert.True(t, cc.SetOutput(outAddr, cc.Length(outAddr)))

	_, hasError, gotOut, hasOutput := cc.End()
	assert.False(t, hasError)
	require.True(t, hasOutput)
	assert.Equal(t, []byte("output"), cc.Read(indexToAddress(gotOut)))
	assert.Equal(t, 0, cc.Depth())
}

func TestCallContextResetRejectedWhileActive(t *testing.T) {
	cc := newTestCallContext()
	cc.Begin(cc.Store([]byte("x")))
	assert.False(t, cc.Reset(), "reset must refuse while a call is in flight")
	cc.End()
	assert.True(t, cc.Reset())
}

func TestCallContextResetClearsBlocksAndVariables(t *testing.T) {
	cc := newTestCallContext()
	addr := cc.Store([]byte("data"))
	cc.SetVariable("k", []byte("v"))

	require.True(t, cc.Reset())
	assert.Nil(t, cc.Read(addr))
	assert.Nil(t, cc.GetVariable("k"))
}

func TestCallContextVariableBudget(t *testing.T) {
	cc := newTestCallContext()
	cc.SetMaxVarBytes(4)

	assert.True(t, cc.SetVariable("a", []byte("ab")))
	assert.True(t, cc.SetVariable("b", []byte("cd")))
	assert.False(t, cc.SetVariable("c", []byte("e")), "budget is exhausted by a and b")

	// Replacing an existing variable should only count its own delta.
	assert.True(t, cc.SetVariable("a", []byte("xy")))
	assert.Nil(t, cc.GetVariable("c"))
}

func TestCallContextDeleteVariable(t *testing.T) {
	cc := newTestCallContext()
	cc.SetVariable("k", []byte("v"))
	cc.DeleteVariable("k")
	assert.Nil(t, cc.GetVariable("k"))
}

func TestCallContextExportImportStateTransfersOwnership(t *testing.T) {
	src := newTestCallContext()
	addr := src.Store([]byte("payload"))
	src.Begin(addr)

	state := src.ExportState()

	dst := newTestCallContext()
	dst.ImportState(state, true)

	// The source's block is no longer local (ownership transferred), but
	// is still readable until freed or reset.
	assert.Equal(t, []byte("payload"), src.Read(addr))
	assert.Equal(t, 1, dst.Depth())
}
