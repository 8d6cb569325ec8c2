// Package logx is the process-wide structured logger: a thin facade over
// zerolog with a human console sink, a JSON file sink, and hot level/sink
// swaps through Service.Apply so handed-out loggers never go stale.
package logx
