// Package logx configures pewcron's structured logging.
//
// A small wrapper (logx.Logger) sits on top of zerolog and keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional alert sink (min-level + rate limiting) fed to a Sender
package logx
