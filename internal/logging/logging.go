// Package logging builds the process logger: log/slog call sites backed by
// a zap core.
package logging

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger in production and a colored console logger
// otherwise. The returned func flushes buffered entries.
func New(env string) (*slog.Logger, func() error) {
	var zapLogger *zap.Logger

	if env == "production" {
		zapLogger = zap.Must(zap.NewProduction())
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapLogger = zap.Must(config.Build())
	}

	return slog.New(zapslog.NewHandler(zapLogger.Core())), zapLogger.Sync
}

// Critical marks a log record as requiring operator follow-up.
func Critical() slog.Attr {
	return slog.String("severity", "CRITICAL")
}
