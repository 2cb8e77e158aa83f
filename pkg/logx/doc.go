// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value; the Service owns the sinks
// (console, file) and can swap them at runtime via Apply without
// invalidating loggers that are already held.
package logx
