package logger

import (
	"fmt"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// minimalEncoder renders one calm, colored line per entry:
//
//	12:04:05 INFO  aggregator  example: fetched 3 new entries  handle=example
//
// It is not meant to be a general-purpose zapcore.Encoder; it only
// supports the console path, matching the teacher's own narrowly
// scoped console encoder.
type minimalEncoder struct {
	zapcore.Encoder
}

func newMinimalEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "t",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeLevel:    levelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return &minimalEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var color, label string
	switch l {
	case zapcore.DebugLevel:
		color, label = "\x1b[90m", "DEBUG"
	case zapcore.InfoLevel:
		color, label = "\x1b[36m", "INFO "
	case zapcore.WarnLevel:
		color, label = "\x1b[33m", "WARN "
	case zapcore.ErrorLevel:
		color, label = "\x1b[31m", "ERROR"
	default:
		color, label = "\x1b[35m", l.CapitalString()
	}
	enc.AppendString(fmt.Sprintf("%s%s\x1b[0m", color, label))
}

func (e *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{Encoder: e.Encoder.Clone()}
}

func (e *minimalEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	return e.Encoder.EncodeEntry(entry, fields)
}
