package extism

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareModulesSingleSourceBecomesMain(t *testing.T) {
	prepared, err := PrepareModules(context.Background(), nil, []WasmSource{{Data: []byte("wasm-bytes")}})
	require.NoError(t, err)
	require.Len(t, prepared, 1)
	assert.Equal(t, "main", prepared[0].Name)
}

func TestPrepareModulesLastIsMainByDefault(t *testing.T) {
	prepared, err := PrepareModules(context.Background(), nil, []WasmSource{
		{Data: []byte("a"), Name: "lib"},
		{Data: []byte("b")},
	})
	require.NoError(t, err)
	assert.Equal(t, "lib", prepared[0].Name)
	assert.Equal(t, "main", prepared[1].Name)
}

func TestPrepareModulesExplicitMainWins(t *testing.T) {
	prepared, err := PrepareModules(context.Background(), nil, []WasmSource{
		{Data: []byte("a"), Name: "main"},
		{Data: []byte("b"), Name: "lib"},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", prepared[0].Name)
	assert.Equal(t, "lib", prepared[1].Name)
}

func TestPrepareModulesHashMismatchFails(t *testing.T) {
	_, err := PrepareModules(context.Background(), nil, []WasmSource{
		{Data: []byte("actual-bytes"), Hash: hexSHA256("different-bytes")},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfig))
}

func TestPrepareModulesHashMatchSingleItemIsMainAndRecordsHash(t *testing.T) {
	data := []byte("matched-bytes")
	prepared, err := PrepareModules(context.Background(), nil, []WasmSource{
		{Data: data, Hash: hexSHA256(string(data))},
	})
	require.NoError(t, err)
	// Single-item manifests are always named "main" regardless of hash.
	assert.Equal(t, "main", prepared[0].Name)
	assert.Equal(t, hexSHA256(string(data)), prepared[0].ActualHash)
}

func TestPrepareModulesPrecompiledWithHashIsConfigError(t *testing.T) {
	_, err := PrepareModules(context.Background(), nil, []WasmSource{
		{Module: struct{}{}, Hash: hexSHA256("x")},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfig))
}

func TestPrepareModulesDuplicateNamesRejected(t *testing.T) {
	_, err := PrepareModules(context.Background(), nil, []WasmSource{
		{Data: []byte("a"), Name: "dup"},
		{Data: []byte("b"), Name: "dup"},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfig))
}

func TestPrepareModulesNoSourcesIsConfigError(t *testing.T) {
	_, err := PrepareModules(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfig))
}

func hexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestMemorySetMaxPagesHuman(t *testing.T) {
	var m Memory
	require.NoError(t, m.SetMaxPagesHuman("128Ki"))
	assert.Equal(t, pagesFor(128*1024), m.MaxPages)
}

func TestMemorySetMaxPagesHumanInvalid(t *testing.T) {
	var m Memory
	err := m.SetMaxPagesHuman("not-a-size")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfig))
}
