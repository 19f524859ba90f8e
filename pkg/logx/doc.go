// Package logx is a thin zerolog wrapper: value-type loggers with fixed
// fields, a Service that swaps level and sinks on config reload, and a
// Span field that ties log lines to the active trace.
package logx
