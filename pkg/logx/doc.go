// Package logx configures commhub's structured logging.
//
// commhub uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one line per event
//   - Secrets out of the log (callers pass redacted fields only)
package logx
