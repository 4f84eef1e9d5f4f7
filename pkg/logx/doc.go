// Package logx wraps zerolog behind a small Logger/Service pair.
//
// The Service owns the output sinks (console, file, optional Telegram chat)
// and can swap them at runtime via Apply(). Loggers handed out by the
// Service stay live across Apply() calls, so components keep logging through
// config hot-reloads without re-wiring.
package logx
