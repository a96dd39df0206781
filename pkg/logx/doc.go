// Package logx is taskpilot's logging layer over zerolog.
//
// A Service owns the sinks (console as text or json, plus an optional
// append-only file) and can be re-applied on config reload. Loggers are
// small values: derive component loggers with With and attach per-call
// fields such as SpanContext.
package logx
