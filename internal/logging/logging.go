// Package logging builds the zap loggers used by the imagerelay services.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string
	// Format is json (default) or console.
	Format      string
	Development bool
	OutputPaths []string
}

func New(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Sampling = nil
	}
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "console", "text":
		zapCfg.Encoding = "console"
	default:
		zapCfg.Encoding = "json"
	}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}
	logger, err := zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return logger, nil
}

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
