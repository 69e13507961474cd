// Package logs builds the process logger and the RCON communication log.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"rconbridge-go/internal/config"
)

// Log levels accepted in configuration.
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ParseLevel maps a configured level to a zap level. Trace is debug with caller info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// DefaultLogDir is used when the configuration leaves log_dir empty.
func DefaultLogDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "rconbridge", "logs")
	}
	return "logs"
}

// Setup builds the process logger: an optional console core teed with an
// optional rotating file core. With both disabled it returns a no-op logger.
func Setup(logConfig *config.LogConfig) (*zap.Logger, error) {
	if logConfig == nil {
		logConfig = config.DefaultLogConfig()
	}
	level := ParseLevel(logConfig.Level)

	var cores []zapcore.Core
	if logConfig.EnableConsole {
		cores = append(cores, createConsoleCore(logConfig, level))
	}
	if logConfig.EnableFile {
		fileCore, err := createFileCore(logConfig, level)
		if err != nil {
			return nil, err
		}
		cores = append(cores, fileCore)
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if strings.EqualFold(logConfig.Level, LogLevelTrace) {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

func createConsoleCore(logConfig *config.LogConfig, level zapcore.Level) zapcore.Core {
	encCfg := encoderConfig()
	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
}

// createFileCore writes to a lumberjack-rotated file under LogDir.
func createFileCore(logConfig *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	dir := logConfig.LogDir
	if dir == "" {
		dir = DefaultLogDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	filename := logConfig.Filename
	if filename == "" {
		filename = "rconbridge.log"
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
	}

	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}
