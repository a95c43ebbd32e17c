// Package logger provides the shared structured logger for both Mimir
// daemons: a human-readable console encoder for interactive use and a
// JSON encoder for machine consumption, switched by --json.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. Safe to use before Initialize
	// is called; it is a no-op sink until then.
	Logger *zap.SugaredLogger

	// JSONOutput records which encoder Initialize selected.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize configures the global logger for the given verbosity
// (repeated -v count, see verbosity.go) and output format.
func Initialize(verbosity int, jsonOutput bool) error {
	JSONOutput = jsonOutput

	level := VerbosityToLevel(verbosity)

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = cfg.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stderr),
				zap.NewAtomicLevelAt(level),
			),
		)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// ComponentLogger returns a named logger for a daemon subsystem, the
// preferred way to obtain a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ForHandle returns a child logger carrying the feed handle field.
func ForHandle(log *zap.SugaredLogger, handle string) *zap.SugaredLogger {
	return log.With(FieldHandle, handle)
}
