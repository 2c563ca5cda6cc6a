package extism

import (
	"github.com/sirupsen/logrus"
)

// LogLevel mirrors the priority threshold the guest's log_* host imports are
// filtered against before reaching the configured Logger.
type LogLevel int

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogSilent
)

// Logger is the minimal surface the runtime needs from a log backend. A
// *logrus.Logger or *logrus.Entry satisfies this directly.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
}

// CallLogger filters guest log_* calls by the configured threshold and
// forwards survivors to the backing Logger with the plug-in name (and, via
// WithFunction, the function name) attached as structured fields, in the style moby-moby attaches
// container/daemon identity to every log line. Engines construct one per
// plug-in and hand it to NewCallContext.
type CallLogger struct {
	backend   Logger
	threshold LogLevel
	fields    logrus.Fields
}

// NewCallLogger builds a CallLogger bound to pluginName. backend defaults to
// logrus's standard logger when nil.
func NewCallLogger(backend Logger, threshold LogLevel, pluginName string) *CallLogger {
	if backend == nil {
		backend = logrus.StandardLogger()
	}
	return &CallLogger{
		backend:   backend,
		threshold: threshold,
		fields:    logrus.Fields{"plugin": pluginName},
	}
}

// WithFunction returns a copy scoped to a particular currently-executing
// export, so every log line inside a call is attributable.
func (l *CallLogger) WithFunction(name string) *CallLogger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields["function"] = name
	return &CallLogger{backend: l.backend, threshold: l.threshold, fields: fields}
}

// Log forwards msg at level if it passes the configured threshold.
func (l *CallLogger) Log(level LogLevel, msg string) {
	l.log(level, msg)
}

// log is the internal implementation Log and the package's own
// budget-exceeded warnings both funnel through.
func (l *CallLogger) log(level LogLevel, msg string) {
	if level < l.threshold || l.threshold == LogSilent {
		return
	}
	entry := l.backend.WithFields(l.fields)
	switch level {
	case LogTrace:
		entry.Trace(msg)
	case LogDebug:
		entry.Debug(msg)
	case LogInfo:
		entry.Info(msg)
	case LogWarn:
		entry.Warn(msg)
	case LogError:
		entry.Error(msg)
	}
}
