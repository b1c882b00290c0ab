// Package logx configures expansionbot's structured logging.
//
// It wraps zerolog behind a small Logger value type so components can carry
// fixed fields (comp=..., cycle=...) without depending on zerolog directly:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat sink that mirrors warnings to an ops channel (min-level + rate limiting)
package logx
