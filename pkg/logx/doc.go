// Package logx is a small structured logging facade over zerolog.
//
// Loggers derived from a Service follow its configuration, so a config reload
// changes level and sinks for every component without re-wiring.
package logx
