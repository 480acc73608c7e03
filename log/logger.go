// Package log builds the controller's zap loggers. One JSON core
// writes to stderr at the configured level; extra cores (the Slack
// sink) are teed in. Components derive their loggers with Named so
// Slack rules can match on logger subtrees.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates the root logger writing to stderr.
func New(level zapcore.Level, extra ...zapcore.Core) *zap.Logger {
	return NewWithWriter(level, os.Stderr, extra...)
}

// NewWithWriter creates the root logger writing to w. Tests use this
// to capture output.
func NewWithWriter(level zapcore.Level, w io.Writer, extra ...zapcore.Core) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		NameKey:     "logger",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
	cores := append([]zapcore.Core{core}, extra...)
	return zap.New(zapcore.NewTee(cores...))
}
