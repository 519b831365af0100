// Package logging builds the process logger.
//
// Console output uses zap's development encoder. When a file is configured, the same
// entries are also written as JSON to a lumberjack-rotated file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"wcf-bridge/config"
)

// Logger bundles the root logger with its runtime-adjustable level.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel

	closer io.Closer
}

// New builds a logger from cfg, writing the console output to w (os.Stderr when nil).
func New(cfg config.LogConfig, w io.Writer) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)
	if w == nil {
		w = os.Stderr
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(w), level),
	}
	var closer io.Closer
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
		}
		closer = rotating
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.AddSync(rotating), level))
	}

	lg := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{Logger: lg, Level: level, closer: closer}, nil
}

// fileEncoderConfig lays JSON entries out with ECS field names.
func fileEncoderConfig() zapcore.EncoderConfig {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "@timestamp"
	encoderCfg.LevelKey = "log.level"
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	return encoderCfg
}

// Close flushes buffered entries and releases the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
