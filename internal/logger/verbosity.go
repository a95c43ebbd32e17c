package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for the repeated -v CLI flag (spec.md §6).
const (
	VerbosityUser  = 0 // no flags: warnings and errors only
	VerbosityInfo  = 1 // -v: informational messages
	VerbosityDebug = 2 // -vv: debug messages
)

// VerbosityToLevel maps a -v count to a zap level.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ShouldSampleMetrics reports whether process metrics (internal/aggregator,
// internal/metrics gopsutil sampling) should be logged at this verbosity.
func ShouldSampleMetrics(verbosity int) bool {
	return verbosity >= VerbosityDebug
}
