// Package telemetry carries the Printf logger and the counter set that the
// peer's engine, transport and session report through.
package telemetry

import (
	"log"

	"duet/peer/logging"
)

// Logger is the line logger handed to the session, the websocket link and
// the HTTP surface.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger. The wrapped logger stays
// reachable through StandardLogger for sinks that need one.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

func (l *loggerAdapter) StandardLogger() *log.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}

// Metrics receives counters (Add) and gauges (Store). Keys are
// snake_case and end in _total for counters.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics adapts the process counter set served on /diagnostics.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return &metricsAdapter{metrics: metrics}
}

type metricsAdapter struct {
	metrics *logging.Metrics
}

func (m *metricsAdapter) Add(key string, delta uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryAdd(key, delta)
}

func (m *metricsAdapter) Store(key string, value uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryStore(key, value)
}

// Scoped prefixes every key with scope and an underscore, so one counter
// set can hold the session, inbox and link keys side by side. A nil
// Metrics yields one that drops everything.
func Scoped(metrics Metrics, scope string) Metrics {
	return scoped{next: metrics, prefix: scope + "_"}
}

type scoped struct {
	next   Metrics
	prefix string
}

func (s scoped) Add(key string, delta uint64) {
	if s.next == nil {
		return
	}
	s.next.Add(s.prefix+key, delta)
}

func (s scoped) Store(key string, value uint64) {
	if s.next == nil {
		return
	}
	s.next.Store(s.prefix+key, value)
}
