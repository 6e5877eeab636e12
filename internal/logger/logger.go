package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps LOG_LEVEL values to zap levels, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds the process logger. format is "json" (default) or "console".
func New(level, format string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.Encoding = "json"
	if format == "console" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Sampling = nil

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build(zap.Fields(zap.String("service", "tilestack")))
}
