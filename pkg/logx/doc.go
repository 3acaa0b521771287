// Package logx configures zulipnotify's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Zulip handler (min-level, bubbling, rate limiting, dedup)
//
// Handlers run in a fixed chain: Zulip first, then console and file. A Zulip
// handler with bubbling disabled swallows the records it handles.
package logx
