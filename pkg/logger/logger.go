// Package logger builds the zap loggers used across engage-runner and keeps
// the process-wide instance the CLI hands to every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls console and file output.
type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // console or json
	File       string `mapstructure:"file" yaml:"file"`     // empty disables file output
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	NoColor    bool   `mapstructure:"no_color" yaml:"no_color"`
}

var (
	globalLogger *zap.Logger
	fileWriter   *lumberjack.Logger
	mu           sync.Mutex
)

// Init builds the global logger writing to stderr and, when cfg.File is set,
// to a rotated JSON log file.
func Init(cfg Config) (*zap.Logger, error) {
	return InitWithWriter(cfg, zapcore.Lock(os.Stderr))
}

// InitWithWriter is Init with an explicit console sink.
func InitWithWriter(cfg Config, console zapcore.WriteSyncer) (*zap.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder(cfg), console, level)}

	// Close previous log file if exists
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
	if cfg.File != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(fileWriter), level))
	}

	globalLogger = zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)).Named("engage")
	return globalLogger, nil
}

// Get returns the global logger, or a no-op logger before Init.
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger == nil {
		return zap.NewNop()
	}
	return globalLogger
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Sync flushes buffered entries, ignoring the harmless errors returned for
// terminals.
func Sync() {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger == nil {
		return
	}
	if err := globalLogger.Sync(); err != nil {
		msg := err.Error()
		if !strings.Contains(msg, "/dev/stderr") && !strings.Contains(msg, "invalid argument") &&
			!strings.Contains(msg, "inappropriate ioctl") {
			fmt.Fprintln(os.Stderr, "failed to sync logger:", err)
		}
	}
}

// Close flushes and closes the log file.
func Close() {
	Sync()

	mu.Lock()
	defer mu.Unlock()

	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
	globalLogger = nil
}

// Writer returns the log file writer for components that want raw output.
func Writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if fileWriter != nil {
		return fileWriter
	}
	return io.Discard
}

// Marker field values.
const (
	MarkerPass = "pass"
	MarkerFail = "fail"
	MarkerStep = "step"
)

// Pass logs a success marker at info level.
func Pass(l *zap.Logger, msg string, fields ...zap.Field) {
	OrNop(l).Info(msg, append(fields, zap.String("marker", MarkerPass))...)
}

// Fail logs a failure marker at error level.
func Fail(l *zap.Logger, msg string, fields ...zap.Field) {
	OrNop(l).Error(msg, append(fields, zap.String("marker", MarkerFail))...)
}

// Step logs the start of a workflow step at info level.
func Step(l *zap.Logger, msg string, fields ...zap.Field) {
	OrNop(l).Info(msg, append(fields, zap.String("marker", MarkerStep))...)
}

func consoleEncoder(cfg Config) zapcore.Encoder {
	if cfg.Format == "json" {
		return jsonEncoder()
	}
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	if cfg.NoColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(ec)
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}
