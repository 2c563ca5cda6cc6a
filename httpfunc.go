package extism

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// HTTPFetcher is the minimal surface http_request needs; *http.Client
// satisfies it directly, and tests can substitute a fake.
type HTTPFetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpRequestBody is the JSON shape read from the guest's request block.
type httpRequestBody struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// httpState tracks the most recent response's status and headers so the
// separate http_status_code/http_headers kernel ABI calls can retrieve
// them after http_request returns the body address.
type httpState struct {
	statusCode int
	headers    map[string]string
}

// HTTPAdapter implements the http_request/http_status_code/http_headers
// kernel ABI functions: allow-list enforcement, request/response
// marshalling, and capped streaming reads.
type HTTPAdapter struct {
	fetch                HTTPFetcher
	allowedHosts         []string
	maxResponseBytes     int64
	exposeResponseHeader bool

	state httpState
}

// NewHTTPAdapter builds an adapter bound to the given fetcher and allow
// list. fetch defaults to http.DefaultClient if nil.
func NewHTTPAdapter(fetch HTTPFetcher, allowedHosts []string, maxResponseBytes int64, exposeHeaders bool) *HTTPAdapter {
	if fetch == nil {
		fetch = http.DefaultClient
	}
	return &HTTPAdapter{
		fetch:                fetch,
		allowedHosts:         allowedHosts,
		maxResponseBytes:     maxResponseBytes,
		exposeResponseHeader: exposeHeaders,
	}
}

// Request performs the JSON-described request read from reqBytes, storing
// the (possibly capped) response body as a new block via cc and returning
// its address. The status code and, if enabled, response headers are
// recorded for later retrieval via StatusCode/Headers.
func (h *HTTPAdapter) Request(ctx context.Context, cc *CallContext, reqBytes []byte) (uint64, error) {
	var body httpRequestBody
	if err := json.Unmarshal(reqBytes, &body); err != nil {
		return 0, newErrorf(KindConfig, "http_request: malformed request JSON: %s", err)
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}

	target, err := url.Parse(body.URL)
	if err != nil {
		return 0, newErrorf(KindConfig, "http_request: malformed url %q: %s", body.URL, err)
	}

	if !h.hostAllowed(target.Hostname()) {
		return 0, newErrorf(KindHostRejected, "http_request: host %q (from %q) is not in allowed_hosts", target.Hostname(), body.URL)
	}

	req, err := http.NewRequestWithContext(ctx, body.Method, body.URL, nil)
	if err != nil {
		return 0, wrapError(KindConfig, err, "http_request: building request")
	}
	for k, v := range body.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.fetch.Do(req)
	if err != nil {
		return 0, wrapError(KindIO, err, "http_request: fetch failed")
	}

	respBody, err := readAllCapped(resp.Body, h.maxResponseBytes)
	if err != nil {
		return 0, err
	}

	h.state.statusCode = resp.StatusCode
	h.state.headers = nil
	if h.exposeResponseHeader {
		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		h.state.headers = headers
	}

	return cc.Store(respBody), nil
}

// StatusCode returns the most recent response's HTTP status code.
func (h *HTTPAdapter) StatusCode() uint64 {
	return uint64(h.state.statusCode)
}

// Headers stores the most recent response's headers (if header exposure is
// enabled) as a JSON object and returns its block address, or 0 if disabled
// or there is nothing to report.
func (h *HTTPAdapter) Headers(cc *CallContext) uint64 {
	if !h.exposeResponseHeader || h.state.headers == nil {
		return 0
	}
	encoded, err := json.Marshal(h.state.headers)
	if err != nil {
		return 0
	}
	return cc.Store(encoded)
}

// hostAllowed checks hostname against the allow list, accepting either an
// exact match or a minimatch-style glob ("*.example.com") via matchHostGlob.
// path.Match is not used here: hostnames contain no "/", the only separator
// it respects, so its "*" would cross dot boundaries and admit hosts a
// pattern like "*.example.com" is meant to exclude (e.g.
// "evil.attacker.example.com").
func (h *HTTPAdapter) hostAllowed(hostname string) bool {
	for _, pattern := range h.allowedHosts {
		if pattern == hostname {
			return true
		}
		if matchHostGlob(pattern, hostname) {
			return true
		}
	}
	return false
}

func matchHostGlob(pattern, hostname string) bool {
	pParts := strings.Split(pattern, ".")
	hParts := strings.Split(hostname, ".")
	if len(pParts) != len(hParts) {
		return false
	}
	for i := range pParts {
		if pParts[i] == "*" {
			continue
		}
		if pParts[i] != hParts[i] {
			return false
		}
	}
	return true
}
