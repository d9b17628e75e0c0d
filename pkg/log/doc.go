// Package log provides structured logging via zerolog.
//
// A single global Logger is configured once with Init and every subsystem
// derives a child logger with WithComponent (and, where node identity
// matters, WithNodeID) so that log lines carry consistent fields without
// threading a logger value through every call.
package log
