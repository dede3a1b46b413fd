// Package logx configures guardkit's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps console
// output readable (short timestamp + short caller) and file output
// JSON-structured. The zero Logger is a safe no-op, so every guardkit
// component can log unconditionally.
package logx
