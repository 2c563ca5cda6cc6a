package extism

import (
	"io"
)

// readAllCapped reads all of r, failing with KindResourceLimitExceeded if
// more than maxBytes are seen. maxBytes == 0 means unbounded. It aborts
// early on overflow rather than buffering an unbounded response first.
func readAllCapped(r io.ReadCloser, maxBytes int64) ([]byte, error) {
	defer r.Close()

	if maxBytes <= 0 {
		return io.ReadAll(r)
	}

	limited := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, wrapError(KindIO, err, "reading response body")
	}
	if int64(len(data)) > maxBytes {
		return nil, newErrorf(KindResourceLimitExceeded, "response body exceeds max_http_response_bytes (%d)", maxBytes)
	}
	return data, nil
}
