// Package logx is lapse's structured logging layer.
//
// logx.Logger is a small value type over zerolog:
//   - console output is human readable (short timestamp + file:line caller)
//   - file output is JSON, one event per line
//   - the zero Logger is a no-op, so components can take a Logger by value
//     without nil checks
//
// A Service owns the sinks and can swap level/outputs at runtime (config hot
// reload); every Logger derived from it follows the swap.
package logx
