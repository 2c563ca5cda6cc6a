package background

import "context"

// hostCallRequest is what the worker goroutine sends to the parent when the
// guest, executing in the background, invokes a user-namespace host
// function.
type hostCallRequest struct {
	namespace string
	function  string
	args      []uint64
}

// callJob is a single "run this export" request sent to the worker
// goroutine; callResult is its reply. Together with hostCallRequest above they
// form the single-slot request/response channel of §4.3: exactly one
// export call, and at most one host-function call nested inside it, is ever
// in flight at a time.
type callJob struct {
	ctx      context.Context
	funcName string
	input    []byte
}

type callResult struct {
	output []byte
	err    error
}
