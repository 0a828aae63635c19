// Package logger provides structured logging for the orchestrator built on
// zerolog. Components obtain tagged child loggers via WithComponent; the
// field-key constants keep dag/run/instance identifiers consistent across
// the codebase.
package logger
