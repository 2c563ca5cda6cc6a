package extism

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a RuntimeError by the taxonomy in the design notes
// rather than by Go type, so callers can branch on Kind() without a long
// type-switch.
type ErrorKind int

const (
	// KindConfig covers a malformed manifest or plug-in option, e.g. a
	// hash supplied alongside a pre-compiled module reference.
	KindConfig ErrorKind = iota
	// KindPluginNotFound means the named plug-in handle does not exist.
	KindPluginNotFound
	// KindFunctionNotFound means the requested export could not be
	// resolved in any linked module.
	KindFunctionNotFound
	// KindPluginOriginated means the guest itself called error_set.
	KindPluginOriginated
	// KindPluginTrap means the Wasm runtime trapped mid-execution.
	KindPluginTrap
	// KindReentrancy means a call was attempted while one was in flight.
	KindReentrancy
	// KindResourceLimitExceeded covers page, variable-byte and HTTP body
	// budgets.
	KindResourceLimitExceeded
	// KindHostRejected means an HTTP request targeted a disallowed host.
	KindHostRejected
	// KindTimeout means a per-call wall-clock budget elapsed.
	KindTimeout
	// KindTransport covers worker ring-buffer timeouts and malformed
	// cross-thread messages.
	KindTransport
	// KindIO wraps an underlying fetch/filesystem failure.
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindPluginNotFound:
		return "PluginNotFound"
	case KindFunctionNotFound:
		return "FunctionNotFound"
	case KindPluginOriginated:
		return "PluginOriginatedError"
	case KindPluginTrap:
		return "PluginTrap"
	case KindReentrancy:
		return "ReentrancyError"
	case KindResourceLimitExceeded:
		return "ResourceLimitExceeded"
	case KindHostRejected:
		return "HostRejected"
	case KindTimeout:
		return "TimeoutError"
	case KindTransport:
		return "TransportError"
	case KindIO:
		return "IoError"
	default:
		return "UnknownError"
	}
}

// RuntimeError is the error type returned across the public API. It always
// carries a Kind, and wraps an underlying cause built with
// github.com/pkg/errors. Error() prints the kind and the cause's message
// only; a caller that wants the stack trace formats Unwrap()'s result with
// %+v.
type RuntimeError struct {
	kind  ErrorKind
	cause error
}

func newError(kind ErrorKind, msg string) *RuntimeError {
	return &RuntimeError{kind: kind, cause: errors.New(msg)}
}

func wrapError(kind ErrorKind, cause error, msg string) *RuntimeError {
	return &RuntimeError{kind: kind, cause: errors.Wrap(cause, msg)}
}

func newErrorf(kind ErrorKind, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{kind: kind, cause: errors.New(fmt.Sprintf(format, args...))}
}

// NewError builds a *RuntimeError of the given kind from msg. Exported for
// use by engine packages (engines/wazero, background), which need to raise
// the same taxonomy the core does without reaching into its internals.
func NewError(kind ErrorKind, msg string) *RuntimeError { return newError(kind, msg) }

// WrapError builds a *RuntimeError of the given kind wrapping cause.
func WrapError(kind ErrorKind, cause error, msg string) *RuntimeError { return wrapError(kind, cause, msg) }

// NewErrorf builds a *RuntimeError of the given kind from a format string.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *RuntimeError {
	return newErrorf(kind, format, args...)
}

// NewConfigError is NewError(KindConfig, msg).
func NewConfigError(msg string) *RuntimeError { return newError(KindConfig, msg) }

// WrapConfigError is WrapError(KindConfig, cause, msg).
func WrapConfigError(cause error, msg string) *RuntimeError { return wrapError(KindConfig, cause, msg) }

// Kind returns the taxonomy classification of this error.
func (e *RuntimeError) Kind() ErrorKind { return e.kind }

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *RuntimeError) Unwrap() error { return e.cause }

// IsKind reports whether err is a *RuntimeError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.kind == kind
	}
	return false
}
