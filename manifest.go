package extism

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
)

// WasmSource names exactly one of the ways a manifest entry can supply a
// module: inline bytes, a URL, a filesystem path, an already-fetched HTTP
// response, or a pre-compiled module reference. Resolving URL/path sources
// is delegated to a Loader; this package never dials out itself.
type WasmSource struct {
	Data     []byte
	URL      string
	Path     string
	Response *http.Response
	// Module holds an opaque pre-compiled module reference (e.g. a
	// wazero.CompiledModule for engines/wazero). It has no source bytes and therefore
	// cannot be hashed.
	Module interface{}

	Name string
	Hash string // hex SHA-256, optional
}

// Loader resolves URL/path wasm sources into bytes. The core ships no
// implementation; callers needing network or filesystem access provide
// their own (out of scope per spec: manifest loading is an external
// collaborator).
type Loader interface {
	Load(ctx context.Context, src WasmSource) ([]byte, error)
}

// Memory holds the resource budgets enforced by CallContext and the HTTP
// adapter. Fields accept either a raw byte count or, via SetMaxPagesHuman
// etc., a human-readable size string ("100Mi") parsed with
// github.com/docker/go-units, the same helper moby-moby uses for its own
// memory-limit flags.
type Memory struct {
	MaxPages             uint64 // 0 means unbounded
	MaxHTTPResponseBytes int64  // 0 means unbounded
	MaxVarBytes          int    // 0 means unbounded
}

// SetMaxPagesHuman sets MaxPages from a human-readable byte size such as
// "100Mi", rounding up to whole 64KiB pages.
func (m *Memory) SetMaxPagesHuman(size string) error {
	n, err := units.RAMInBytes(size)
	if err != nil {
		return newErrorf(KindConfig, "invalid memory size %q: %s", size, err)
	}
	m.MaxPages = pagesFor(int(n))
	return nil
}

// SetMaxHTTPResponseBytesHuman sets MaxHTTPResponseBytes from a
// human-readable byte size such as "10Mi".
func (m *Memory) SetMaxHTTPResponseBytesHuman(size string) error {
	n, err := units.RAMInBytes(size)
	if err != nil {
		return newErrorf(KindConfig, "invalid memory size %q: %s", size, err)
	}
	m.MaxHTTPResponseBytes = n
	return nil
}

// Manifest is the declarative description of which Wasm modules to load.
type Manifest struct {
	Wasm         []WasmSource
	Config       map[string]string
	AllowedPaths map[string]string // guest path -> host path
	AllowedHosts []string          // exact or glob hostname patterns
	Memory       Memory
	TimeoutMS    uint64
}

// PreparedModule is one manifest entry after resolution: its assigned name,
// its source bytes (nil for a pre-compiled module reference), and the
// hex-encoded digest actually observed, if any.
type PreparedModule struct {
	Name       string
	Bytes      []byte
	Compiled   interface{}
	ActualHash string
}

// PrepareModules resolves a manifest's wasm list into named modules,
// verifying any declared hashes in constant time, and determines which
// entry is "main". It does not compile anything; that is the engine's job.
func PrepareModules(ctx context.Context, loader Loader, sources []WasmSource) ([]PreparedModule, error) {
	if len(sources) == 0 {
		return nil, newError(KindConfig, "manifest has no wasm entries")
	}

	prepared := make([]PreparedModule, len(sources))
	mainIdx := len(sources) - 1 // last item is main by default
	mainNamed := false

	for i, src := range sources {
		pm, err := prepareOne(ctx, loader, src, i)
		if err != nil {
			return nil, err
		}
		prepared[i] = pm
		if pm.Name == "main" {
			mainIdx = i
			mainNamed = true
		}
	}

	if len(sources) == 1 {
		prepared[0].Name = "main"
	} else if !mainNamed {
		prepared[mainIdx].Name = "main"
	}

	seen := make(map[string]bool, len(prepared))
	for _, pm := range prepared {
		if seen[pm.Name] {
			return nil, newErrorf(KindConfig, "duplicate module name %q in manifest", pm.Name)
		}
		seen[pm.Name] = true
	}
	if !seen["main"] {
		return nil, newError(KindConfig, `manifest must designate exactly one module named "main"`)
	}

	return prepared, nil
}

func prepareOne(ctx context.Context, loader Loader, src WasmSource, index int) (PreparedModule, error) {
	if src.Module != nil {
		if src.Hash != "" {
			return PreparedModule{}, newErrorf(KindConfig,
				"module %q supplies a pre-compiled module reference and a hash; pre-compiled references cannot be hashed", nameOrIndex(src, index))
		}
		return PreparedModule{Name: nameOrIndex(src, index), Compiled: src.Module}, nil
	}

	data, err := resolveBytes(ctx, loader, src)
	if err != nil {
		return PreparedModule{}, err
	}

	actual := sha256.Sum256(data)
	actualHex := hex.EncodeToString(actual[:])

	name := src.Name
	if src.Hash != "" {
		wantDigest, err := digest.Parse(normalizeHash(src.Hash))
		if err != nil {
			return PreparedModule{}, wrapError(KindConfig, err, fmt.Sprintf("module %q has a malformed hash", nameOrIndex(src, index)))
		}
		if !constantTimeEqualHex(wantDigest.Encoded(), actualHex) {
			return PreparedModule{}, newErrorf(KindConfig,
				"hash mismatch for module %q: expected %s, got %s", nameOrIndex(src, index), wantDigest.Encoded(), actualHex)
		}
		if name == "" {
			name = actualHex
		}
	}
	if name == "" {
		name = fmt.Sprintf("%d", index)
	}

	return PreparedModule{Name: name, Bytes: data, ActualHash: actualHex}, nil
}

func normalizeHash(h string) string {
	if len(h) == 64 {
		return "sha256:" + h
	}
	return h
}

func nameOrIndex(src WasmSource, index int) string {
	if src.Name != "" {
		return src.Name
	}
	return fmt.Sprintf("%d", index)
}

func resolveBytes(ctx context.Context, loader Loader, src WasmSource) ([]byte, error) {
	switch {
	case src.Data != nil:
		return src.Data, nil
	case src.Response != nil:
		return readAllCapped(src.Response.Body, 0)
	case src.URL != "" || src.Path != "":
		if loader == nil {
			return nil, newError(KindConfig, "manifest names a URL or path source but no Loader was configured")
		}
		return loader.Load(ctx, src)
	default:
		return nil, newError(KindConfig, "manifest wasm entry supplies neither data, url, path, response nor module")
	}
}

// constantTimeEqualHex compares two hex digest strings without leaking
// timing information about the position of the first differing byte
// (design note: constant-time comparison must iterate all bytes regardless
// of where a mismatch occurs).
func constantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
