package extism

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	resp *http.Response
	err  error
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	return f.resp, f.err
}

func newFakeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"X-Test": []string{"1"}},
	}
}

func TestHTTPAdapterAllowsExactHost(t *testing.T) {
	cc := newTestCallContext()
	adapter := NewHTTPAdapter(&fakeFetcher{resp: newFakeResponse(200, "ok")}, []string{"example.com"}, 0, false)

	reqBody := []byte(`{"url":"https://example.com/thing","method":"GET"}`)
	addr, err := adapter.Request(context.Background(), cc, reqBody)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), cc.Read(addr))
	assert.Equal(t, uint64(200), adapter.StatusCode())
}

func TestHTTPAdapterAllowsGlobHost(t *testing.T) {
	cc := newTestCallContext()
	adapter := NewHTTPAdapter(&fakeFetcher{resp: newFakeResponse(200, "ok")}, []string{"*.example.com"}, 0, false)

	_, err := adapter.Request(context.Background(), cc, []byte(`{"url":"https://api.example.com/thing"}`))
	assert.NoError(t, err)
}

func TestHTTPAdapterRejectsDisallowedHost(t *testing.T) {
	cc := newTestCallContext()
	adapter := NewHTTPAdapter(&fakeFetcher{resp: newFakeResponse(200, "ok")}, []string{"example.com"}, 0, false)

	_, err := adapter.Request(context.Background(), cc, []byte(`{"url":"https://evil.example.org/thing"}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindHostRejected))
}

func TestHTTPAdapterCapsResponseBody(t *testing.T) {
	cc := newTestCallContext()
	adapter := NewHTTPAdapter(&fakeFetcher{resp: newFakeResponse(200, "0123456789")}, []string{"example.com"}, 4, false)

	_, err := adapter.Request(context.Background(), cc, []byte(`{"url":"https://example.com/thing"}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResourceLimitExceeded))
}

func TestHTTPAdapterExposesHeadersWhenEnabled(t *testing.T) {
	cc := newTestCallContext()
	adapter := NewHTTPAdapter(&fakeFetcher{resp: newFakeResponse(200, "ok")}, []string{"example.com"}, 0, true)

	_, err := adapter.Request(context.Background(), cc, []byte(`{"url":"https://example.com/thing"}`))
	require.NoError(t, err)
	headersAddr := adapter.Headers(cc)
	require.NotZero(t, headersAddr)
	assert.Contains(t, string(cc.Read(headersAddr)), "X-Test")
}

func TestHTTPAdapterHeadersDisabledByDefault(t *testing.T) {
	cc := newTestCallContext()
	adapter := NewHTTPAdapter(&fakeFetcher{resp: newFakeResponse(200, "ok")}, []string{"example.com"}, 0, false)

	_, err := adapter.Request(context.Background(), cc, []byte(`{"url":"https://example.com/thing"}`))
	require.NoError(t, err)
	assert.Zero(t, adapter.Headers(cc))
}

func TestMatchHostGlob(t *testing.T) {
	assert.True(t, matchHostGlob("*.example.com", "api.example.com"))
	assert.False(t, matchHostGlob("*.example.com", "example.com"))
	assert.False(t, matchHostGlob("*.example.com", "api.example.org"))
}
