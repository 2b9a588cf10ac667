// Package logx configures cronbot's structured logging.
//
// Components log through logx.Logger, a small wrapper on top of zerolog:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram sink (min-level + rate limiting)
//
// Service.Apply swaps sinks and levels at runtime; loggers derived from the
// Service follow the change.
package logx
