// Package logger builds the zap loggers used across the service.
//
// Development: console encoder, colored levels, debug by default.
// Production: JSON encoder, info by default, stack traces on errors.
// When a file is configured, output goes through a rotating lumberjack writer instead of stdout.
package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Env   string
	Level string
	File  string
	// Stderr sends console output to stderr, for tools whose stdout is data.
	Stderr bool
}

const (
	maxSizeMB  = 100
	maxBackups = 5
	maxAgeDays = 28
)

// New builds a logger for opts. An empty level picks the environment default.
func New(opts Options) (*zap.Logger, error) {
	production := opts.Env == "production"

	level := zapcore.DebugLevel
	if production {
		level = zapcore.InfoLevel
	}
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var encoder zapcore.Encoder
	if production {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999")
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		if opts.File == "" {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output(opts)), zap.NewAtomicLevelAt(level))

	zopts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if !production {
		zopts = append(zopts, zap.Development())
	}
	return zap.New(core, zopts...), nil
}

func output(opts Options) io.Writer {
	if opts.File == "" {
		if opts.Stderr {
			return os.Stderr
		}
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}
