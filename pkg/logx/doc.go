// Package logx provides structured logging for guildbot.
//
// It wraps zerolog behind a small Logger value with functional Field
// helpers, plus a Service that owns the sinks (console, optional file)
// and can re-apply configuration at runtime.
package logx
