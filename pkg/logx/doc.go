// Package logx is penny's structured logging: a value-type Logger over
// zerolog with typed field helpers, and a Service whose Apply swaps level
// and sinks at runtime. Console output is human readable; files get JSON.
package logx
